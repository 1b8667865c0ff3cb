package rdt

import (
	"io"

	"github.com/junbin-yang/relstream-go/api"
	"github.com/junbin-yang/relstream-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

// onSegment 处理一个解码后的报文，按会话阶段分派
func (s *Session) onSegment(seg *Segment) error {
	s.stats.segmentsReceived.Inc()

	switch s.phase {
	case PhaseStart:
		return s.onSegmentBeforeHandshake(seg)
	case PhaseAwaitingPeer:
		if s.role == api.RoleInitiator {
			return s.onResponderHandshake(seg)
		}
		return s.onHandshakeAck(seg)
	}
	return s.receive(seg)
}

// onSegmentBeforeHandshake 响应方在Start阶段等待发起方的握手
func (s *Session) onSegmentBeforeHandshake(seg *Segment) error {
	if s.role == api.RoleInitiator || s.peerKnown {
		s.stats.discarded.Inc()
		return nil
	}
	if seg.Len() != HandshakeLen {
		s.log.Debug("Drop segment before handshake", logger.Stringer("segment", seg))
		s.stats.discarded.Inc()
		return nil
	}
	// 发起方握手的Ack字段无意义，不做确认处理
	s.learnPeer(seg)
	return nil
}

// onResponderHandshake 发起方等待响应方的握手，其确认必须覆盖本端握手
func (s *Session) onResponderHandshake(seg *Segment) error {
	if seg.Len() != HandshakeLen || seg.Ack != s.sndNxt {
		s.log.Debug("Drop segment while awaiting handshake", logger.Stringer("segment", seg))
		s.stats.discarded.Inc()
		return nil
	}
	if err := s.onAck(seg.Ack, false); err != nil {
		return err
	}
	s.learnPeer(seg)
	s.pureAck = true
	return s.transition(EventPeerHandshake)
}

// onHandshakeAck 响应方等待本端握手被确认；确认报文可能同时携带数据
func (s *Session) onHandshakeAck(seg *Segment) error {
	if s.isInitiatorHandshake(seg) {
		// 对端重发握手，说明本端的握手回复丢失
		s.resendNow = true
		return nil
	}
	if seg.Ack != s.sndNxt {
		s.log.Debug("Drop segment not acknowledging handshake", logger.Stringer("segment", seg))
		s.stats.discarded.Inc()
		return nil
	}
	if err := s.transition(EventHandshakeAcked); err != nil {
		return err
	}
	return s.receive(seg)
}

// learnPeer 记录对端初始序列号与通告窗口
func (s *Session) learnPeer(seg *Segment) {
	s.irs = seg.Seq
	s.rcvNxt = seg.End()
	s.setPeerWindow(decodeWindow(seg.Payload))
	s.peerKnown = true
}

// isInitiatorHandshake 判断报文是否为发起方的握手（仅响应方会收到）
func (s *Session) isInitiatorHandshake(seg *Segment) bool {
	return s.role == api.RoleResponder && s.peerKnown &&
		seg.Seq == s.irs && seg.Len() == HandshakeLen
}

// receive 接收组装：严格按序交付，乱序或重复的负载被丢弃
// 携带负载的报文都会触发纯ACK；无论负载是否为新数据，Ack字段都会被处理
func (s *Session) receive(seg *Segment) error {
	if seg.Len() > 0 {
		if seg.Seq == s.rcvNxt {
			if err := s.deliver(seg.Payload); err != nil {
				return err
			}
			s.rcvNxt = seg.End()
		} else {
			s.log.Debug("Out-of-order data segment",
				logger.Uint32("expected", uint32(s.rcvNxt)),
				logger.Uint32("received", uint32(seg.Seq)),
				logger.Int("len", seg.Len()))
			s.stats.discarded.Inc()
		}
		s.pureAck = true
	}

	if s.isInitiatorHandshake(seg) {
		return nil
	}
	return s.onAck(seg.Ack, seg.Len() == 0)
}

// deliver 将按序数据推送给字节汇；写入失败时未交付的字节保留在buffered中
func (s *Session) deliver(p []byte) error {
	s.buffered += uint32(len(p))
	n, err := s.sink.Write(p)
	if n > 0 {
		s.buffered -= uint32(n)
		s.stats.bytesDelivered.Add(uint64(n))
	}
	s.stats.buffered.Store(s.buffered)

	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return errors.Wrap(err, "write to sink")
	}
	return nil
}
