package rdt

import (
	"github.com/junbin-yang/relstream-go/pkg/utils/logger"
)

// recover 丢包恢复：先检查超时，再检查重复ACK
func (s *Session) recover() error {
	if s.slot == nil {
		s.resendNow = false
		return nil
	}

	switch {
	case s.rtx.Expired():
		s.stats.retransmissions.Inc()
		return s.resend("timeout")
	case s.dupAcks >= s.cfg.DupAckThreshold:
		s.stats.fastRetransmits.Inc()
		s.dupAcks = 0
		return s.resend("duplicate-ack")
	case s.resendNow:
		s.stats.retransmissions.Inc()
		return s.resend("peer-handshake")
	}
	return nil
}

// resend 重发唯一的未确认报文，Ack字段更新为当前接收进度
func (s *Session) resend(reason string) error {
	seg := s.slot
	seg.Ack = s.rcvNxt
	if err := s.transmit(seg); err != nil {
		return err
	}
	s.rtx.Rearm()
	s.resendNow = false
	s.pureAck = false

	s.log.Debug("Retransmitted segment",
		logger.String("reason", reason),
		logger.Uint32("seq", uint32(seg.Seq)),
		logger.Uint32("ack", uint32(seg.Ack)),
		logger.Int("len", seg.Len()))
	return nil
}
