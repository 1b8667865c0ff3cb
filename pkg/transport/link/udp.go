package link

import (
	"net"
	"sync"
	"time"

	"github.com/junbin-yang/relstream-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

// UDP 基于net.PacketConn的链路实现
// 通过短读超时模拟非阻塞接收，超时时长同时作为事件循环空闲时的让步间隔
type UDP struct {
	mu   sync.RWMutex
	conn net.PacketConn // 底层UDP套接字
	peer net.Addr       // 对端地址（响应方可在首个数据报到达时学习）
	poll time.Duration  // 单次接收最长等待时间
	log  *logger.Logger
}

// NewUDP 包装一个已绑定的PacketConn
// peer可为nil，此时以第一个收到的数据报的来源作为对端
func NewUDP(conn net.PacketConn, peer net.Addr, poll time.Duration) *UDP {
	return &UDP{
		conn: conn,
		peer: peer,
		poll: poll,
		log:  logger.Default(),
	}
}

// ListenUDP 绑定本地地址并解析对端地址（peer为空表示等待对端先发）
func ListenUDP(local, peer string, poll time.Duration) (*UDP, error) {
	var peerAddr net.Addr
	if peer != "" {
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve peer %s", peer)
		}
		peerAddr = addr
	}
	if local == "" {
		local = ":0"
	}
	conn, err := net.ListenPacket("udp", local)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", local)
	}
	return NewUDP(conn, peerAddr, poll), nil
}

// Send 向对端发送一个数据报
func (u *UDP) Send(b []byte) error {
	peer := u.Peer()
	if peer == nil {
		return ErrNoPeer
	}
	if _, err := u.conn.WriteTo(b, peer); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return errors.Wrap(err, "udp write")
	}
	return nil
}

// Recv 在poll时长内尝试读取一个数据报
func (u *UDP) Recv(b []byte) (int, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(u.poll)); err != nil {
		return 0, errors.Wrap(err, "set read deadline")
	}
	n, addr, err := u.conn.ReadFrom(b)
	if err != nil {
		// 读超时：没有数据
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, ErrWouldBlock
		}
		if errors.Is(err, net.ErrClosed) {
			return 0, ErrClosed
		}
		return 0, errors.Wrap(err, "udp read")
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.peer == nil {
		u.peer = addr
		u.log.Info("Learned peer address", logger.String("peer", addr.String()))
	} else if addr.String() != u.peer.String() {
		u.log.Warn("Received datagram from unknown address",
			logger.String("expected", u.peer.String()),
			logger.String("received", addr.String()))
		return 0, ErrWouldBlock
	}
	return n, nil
}

// Peer 返回当前对端地址
func (u *UDP) Peer() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.peer
}

// LocalAddr 返回实际绑定的本地地址
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) Close() error {
	return u.conn.Close()
}
