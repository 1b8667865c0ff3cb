package link

import (
	"math/rand"
	"sync"
	"time"
)

// PipeOptions 内存链路的故障注入参数
type PipeOptions struct {
	DropRate      float64       // 丢包概率
	DuplicateRate float64       // 重复投递概率
	ReorderRate   float64       // 与下一个数据报交换顺序的概率
	Seed          int64         // 随机种子（保证测试可复现）
	Wait          time.Duration // Recv最长等待时间，0为立即返回
	Capacity      int           // 每个方向的队列长度，队列满时丢弃
}

// PipeEnd 内存链路的一端
type PipeEnd struct {
	mu     sync.Mutex
	in     chan []byte
	out    chan []byte
	opts   PipeOptions
	rng    *rand.Rand
	held   []byte // 被延后投递的数据报（用于乱序）
	closed bool
}

// Pipe 创建一对相连的内存数据报链路
func Pipe(opts PipeOptions) (*PipeEnd, *PipeEnd) {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	ab := make(chan []byte, opts.Capacity)
	ba := make(chan []byte, opts.Capacity)
	a := &PipeEnd{in: ba, out: ab, opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
	b := &PipeEnd{in: ab, out: ba, opts: opts, rng: rand.New(rand.NewSource(opts.Seed + 1))}
	return a, b
}

func (p *PipeEnd) Send(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	dg := append([]byte(nil), b...)

	if p.hit(p.opts.DropRate) {
		return nil
	}
	if p.held == nil && p.hit(p.opts.ReorderRate) {
		p.held = dg
		return nil
	}
	p.deliver(dg)
	if p.hit(p.opts.DuplicateRate) {
		p.deliver(append([]byte(nil), dg...))
	}
	if p.held != nil {
		p.deliver(p.held)
		p.held = nil
	}
	return nil
}

func (p *PipeEnd) Recv(b []byte) (int, error) {
	if p.opts.Wait <= 0 {
		select {
		case dg := <-p.in:
			return copy(b, dg), nil
		default:
			return 0, ErrWouldBlock
		}
	}

	t := time.NewTimer(p.opts.Wait)
	defer t.Stop()
	select {
	case dg := <-p.in:
		return copy(b, dg), nil
	case <-t.C:
		return 0, ErrWouldBlock
	}
}

// Pending 返回对端尚未读取的数据报数量
func (p *PipeEnd) Pending() int {
	return len(p.out)
}

func (p *PipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *PipeEnd) hit(rate float64) bool {
	return rate > 0 && p.rng.Float64() < rate
}

// deliver 投递到对端队列，队列满时丢弃（模拟网络拥塞丢包）
func (p *PipeEnd) deliver(dg []byte) {
	select {
	case p.out <- dg:
	default:
	}
}
