// 本地字节源与字节汇：把阻塞的io.Reader/io.Writer适配为会话所需的非阻塞接口
package stdio

import (
	"io"
	"sync"

	"github.com/junbin-yang/relstream-go/pkg/utils/logger"
	"github.com/smallnest/ringbuffer"
)

// DefaultPumpCapacity 默认环形缓冲区容量
const DefaultPumpCapacity = 64 * 1024

const pumpChunk = 4096

// PumpSource 后台协程持续从io.Reader读取数据写入环形缓冲区，
// Read 只从缓冲区取数据，不会阻塞事件循环
type PumpSource struct {
	ring  *ringbuffer.RingBuffer
	mu    sync.Mutex
	space *sync.Cond // 缓冲区腾出空间

	done   bool  // 读取端已到达EOF
	err    error // 读取端的非EOF错误
	closed bool
}

// NewPumpSource 创建字节源并启动读取协程
// capacity<=0 时使用 DefaultPumpCapacity
func NewPumpSource(r io.Reader, capacity int) *PumpSource {
	if capacity <= 0 {
		capacity = DefaultPumpCapacity
	}
	p := &PumpSource{ring: ringbuffer.New(capacity)}
	p.space = sync.NewCond(&p.mu)

	chunk := pumpChunk
	if chunk > capacity {
		chunk = capacity
	}
	go p.pump(r, make([]byte, chunk))
	return p
}

func (p *PumpSource) pump(r io.Reader, chunk []byte) {
	for {
		n, err := r.Read(chunk)
		if n > 0 && !p.push(chunk[:n]) {
			return
		}
		if err != nil {
			p.mu.Lock()
			if err != io.EOF {
				p.err = err
				logger.Warn("Source reader failed", logger.Err(err))
			}
			p.done = true
			p.mu.Unlock()
			return
		}
	}
}

// push 写入缓冲区，空间不足时等待消费；源已关闭时返回false
func (p *PumpSource) push(b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(b) > 0 {
		if p.closed {
			return false
		}
		// 空间不足时只写入部分数据
		n, _ := p.ring.Write(b)
		b = b[n:]
		if len(b) > 0 {
			p.space.Wait()
		}
	}
	return true
}

// Read 非阻塞读取：暂无数据时返回(0, nil)，读取端结束且缓冲区取空后返回io.EOF
func (p *PumpSource) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(b) == 0 {
		return 0, nil
	}
	if p.ring.IsEmpty() {
		switch {
		case p.err != nil:
			return 0, p.err
		case p.done || p.closed:
			return 0, io.EOF
		}
		return 0, nil
	}
	n, _ := p.ring.Read(b)
	if n > 0 {
		p.space.Broadcast()
	}
	return n, nil
}

// Buffered 返回缓冲区中待读取的字节数
func (p *PumpSource) Buffered() int {
	return p.ring.Length()
}

// Close 停止读取协程；阻塞在底层Read中的协程会在其返回后退出
func (p *PumpSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.space.Broadcast()
	return nil
}
