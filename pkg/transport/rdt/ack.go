package rdt

import (
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/junbin-yang/relstream-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

// onAck 确认处理：完整覆盖未确认报文时将其退役，否则更新重复ACK计数
// 只有纯ACK计为重复ACK；对端新数据报文捎带的未变确认不代表丢包
func (s *Session) onAck(ack seqnum.Value, pure bool) error {
	if s.sndNxt.LessThan(ack) {
		return errors.Wrapf(ErrAckOutOfRange, "ack %d beyond snd.nxt %d", uint32(ack), uint32(s.sndNxt))
	}
	// 延迟到达的旧ACK
	if s.ackSeen && ack.LessThan(s.lastAck) {
		return nil
	}

	advanced := !s.ackSeen || s.lastAck.LessThan(ack)
	if advanced {
		s.lastAck = ack
		s.ackSeen = true
		s.dupAcks = 0
	}
	if s.slot == nil {
		return nil
	}
	if s.slot.CoveredBy(ack) {
		return s.retire()
	}
	if !advanced && pure {
		s.dupAcks++
		s.stats.duplicateAcks.Inc()
		s.log.Debug("RX duplicate ACK",
			logger.Uint32("ack", uint32(ack)),
			logger.Int("dupAck", s.dupAcks))
	}
	return nil
}

// retire 清空未确认报文，并同步扣减在途字节数
func (s *Session) retire() error {
	n := uint32(s.slot.Len())
	if n > s.outstanding {
		return errors.Wrapf(ErrInvariant, "retiring %d bytes with %d outstanding", n, s.outstanding)
	}
	s.log.Debug("Segment acknowledged",
		logger.Uint32("seq", uint32(s.slot.Seq)),
		logger.Int("len", s.slot.Len()))
	s.outstanding -= n
	s.slot = nil
	s.dupAcks = 0
	s.rtx.Rearm()
	return nil
}
