// 数据报传输层：为协议核心提供非阻塞的发送/接收原语
package link

import (
	"github.com/pkg/errors"
)

var (
	// ErrWouldBlock 当前没有可读取的数据报（非阻塞语义，不是错误）
	ErrWouldBlock = errors.New("link: would block")
	// ErrNoPeer 对端地址未知，无法发送
	ErrNoPeer = errors.New("link: peer address unknown")
	// ErrClosed 链路已关闭
	ErrClosed = errors.New("link: closed")
)

// Conn 无连接、不可靠的数据报链路
// Recv 必须是非阻塞的：无数据时返回 ErrWouldBlock
type Conn interface {
	Send(b []byte) error
	Recv(b []byte) (int, error)
	Close() error
}
