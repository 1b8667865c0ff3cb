package rdt

import (
	"context"

	"github.com/junbin-yang/relstream-go/pkg/transport/link"
	"github.com/junbin-yang/relstream-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

// Run 事件循环：单协程、非阻塞轮询，直到ctx取消或发生致命错误
func (s *Session) Run(ctx context.Context) error {
	s.log.Info("Session started",
		logger.Uint32("iss", uint32(s.iss)),
		logger.Uint32("window", s.localWindow),
		logger.Duration("rto", s.cfg.RTO))

	for {
		select {
		case <-ctx.Done():
			st := s.Statistics()
			s.log.Info("Session stopped",
				logger.Uint64("bytesSent", st.BytesSent),
				logger.Uint64("bytesDelivered", st.BytesDelivered),
				logger.Uint64("retransmissions", st.Retransmissions+st.FastRetransmits))
			return ctx.Err()
		default:
		}

		if err := s.Step(); err != nil {
			return err
		}
	}
}

// Step 执行一次循环迭代：接收、发送、纯ACK、丢包恢复、定时器维护
func (s *Session) Step() error {
	if err := s.poll(); err != nil {
		return err
	}

	seg, err := s.produceSegment()
	if err != nil {
		return err
	}
	if seg != nil {
		if err := s.transmit(seg); err != nil {
			return err
		}
		s.rtx.Rearm()
		s.pureAck = false // 数据报文已携带最新确认
	} else if s.pureAck {
		if err := s.sendPureAck(); err != nil {
			return err
		}
	}

	if err := s.recover(); err != nil {
		return err
	}

	// 没有未确认报文时保持定时器空闲，下一次发送获得完整超时窗口
	if s.slot == nil {
		s.rtx.Rearm()
	}

	s.publish()
	s.logStats()
	return nil
}

// poll 非阻塞地读取一个数据报并交给协议处理
func (s *Session) poll() error {
	n, err := s.conn.Recv(s.recvBuf)
	if err != nil {
		if errors.Is(err, link.ErrWouldBlock) {
			return nil
		}
		return errors.Wrap(err, "receive datagram")
	}

	seg, err := DecodeSegment(s.recvBuf[:n], s.cfg.MaxPayload)
	if err != nil {
		// 损坏的数据报视同丢包
		s.stats.malformed.Inc()
		s.log.Debug("Drop malformed datagram", logger.Int("size", n), logger.Err(err))
		return nil
	}

	s.log.Debug("RX",
		logger.Uint32("seq", uint32(seg.Seq)),
		logger.Uint32("ack", uint32(seg.Ack)),
		logger.Int("len", seg.Len()))
	return s.onSegment(seg)
}

// transmit 编码并发送报文
func (s *Session) transmit(seg *Segment) error {
	n, err := seg.MarshalTo(s.sendBuf)
	if err != nil {
		return err
	}
	if err := s.conn.Send(s.sendBuf[:n]); err != nil {
		return errors.Wrap(err, "send segment")
	}
	s.stats.segmentsSent.Inc()

	s.log.Debug("TX",
		logger.Uint32("seq", uint32(seg.Seq)),
		logger.Uint32("ack", uint32(seg.Ack)),
		logger.Int("len", seg.Len()))
	return nil
}

// sendPureAck 发送不携带负载的确认报文
func (s *Session) sendPureAck() error {
	ack := &Segment{Seq: s.sndNxt, Ack: s.rcvNxt}
	if err := s.transmit(ack); err != nil {
		return err
	}
	s.stats.pureAcks.Inc()
	s.pureAck = false
	return nil
}
