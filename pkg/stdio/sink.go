package stdio

import (
	"bytes"
	"io"
	"sync"

	"go.uber.org/atomic"
)

// WriterSink 将按序交付的数据写入io.Writer
type WriterSink struct {
	w       io.Writer
	written atomic.Uint64
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.written.Add(uint64(n))
	return n, err
}

// Written 返回已写入的字节数
func (s *WriterSink) Written() uint64 {
	return s.written.Load()
}

// Buffer 内存字节源/字节汇，并发安全，主要用于测试
type Buffer struct {
	mu       sync.Mutex
	in       bytes.Buffer
	out      bytes.Buffer
	eof      bool
	writeErr error
}

// Feed 追加可被Read读取的数据
func (b *Buffer) Feed(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.in.Write(p)
}

// CloseInput 标记输入结束，取空后Read返回io.EOF
func (b *Buffer) CloseInput() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eof = true
}

// FailWrites 使后续Write返回err
func (b *Buffer) FailWrites(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.in.Len() == 0 {
		if b.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	return b.in.Read(p)
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return 0, b.writeErr
	}
	return b.out.Write(p)
}

// Bytes 返回已写入数据的副本
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.out.Bytes()...)
}

// Pending 返回尚未被读取的输入字节数
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.in.Len()
}
