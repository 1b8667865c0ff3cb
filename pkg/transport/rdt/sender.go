package rdt

import (
	"io"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/junbin-yang/relstream-go/api"
	"github.com/junbin-yang/relstream-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

// produceSegment 发送调度：在对端窗口允许时从字节源拉取数据组成报文
// 任何时刻最多只有一个未确认报文；不能产生报文时返回nil且无副作用
func (s *Session) produceSegment() (*Segment, error) {
	switch s.phase {
	case PhaseStart:
		// 发起方立即握手；响应方需先收到对端握手
		if s.role == api.RoleInitiator || s.peerKnown {
			return s.produceHandshake()
		}
		return nil, nil
	case PhaseAwaitingPeer:
		return nil, nil
	}

	if s.slot != nil {
		return nil, nil
	}
	if err := s.checkWindow(); err != nil {
		return nil, err
	}
	capacity := s.peerWindow - s.outstanding
	if capacity == 0 {
		return nil, nil
	}
	want := int(capacity)
	if want > len(s.pullBuf) {
		want = len(s.pullBuf)
	}

	n, err := s.src.Read(s.pullBuf[:want])
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "read from source")
		}
		if !s.srcDrained {
			s.srcDrained = true
			s.log.Info("Source drained", logger.Uint32("sndNxt", uint32(s.sndNxt)))
		}
	}
	if n <= 0 {
		return nil, nil
	}
	if n > want {
		return nil, errors.Wrapf(ErrInvariant, "source returned %d bytes, asked for %d", n, want)
	}

	// 拉取缓冲区会被复用，未确认报文持有负载副本
	seg := (&Segment{Seq: s.sndNxt, Ack: s.rcvNxt, Payload: s.pullBuf[:n]}).Clone()
	s.occupy(seg)
	s.stats.bytesSent.Add(uint64(n))
	return seg, s.checkWindow()
}

// produceHandshake 构造本端握手报文，负载为本端通告的接收窗口
// 发起方握手的Ack字段没有意义，固定为0
func (s *Session) produceHandshake() (*Segment, error) {
	seg := &Segment{
		Seq:     s.iss,
		Payload: encodeWindow(s.localWindow),
	}
	if s.peerKnown {
		seg.Ack = s.rcvNxt
	}
	s.occupy(seg)
	if err := s.transition(EventHandshakeSent); err != nil {
		return nil, err
	}
	return seg, s.checkWindow()
}

// occupy 推进发送序列号并登记唯一的未确认报文
func (s *Session) occupy(seg *Segment) {
	n := uint32(seg.Len())
	s.sndNxt = s.sndNxt.Add(seqnum.Size(n))
	s.outstanding += n
	s.slot = seg
	s.dupAcks = 0
}
