// 可靠有序字节流协议（RDT）的核心实现：报文格式、会话状态机、发送调度、
// 接收组装、确认处理、重传定时器与快速重传，以及驱动它们的事件循环
package rdt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/junbin-yang/relstream-go/api"
	"github.com/pkg/errors"
)

// 报文头部固定10字节：Sequence(4)+Ack(4)+Length(2)，均为网络字节序
const (
	HeaderSize   = 10
	HandshakeLen = api.HandshakeLen
)

// Segment 表示一个RDT报文
type Segment struct {
	Seq     seqnum.Value // 负载首字节的序列号
	Ack     seqnum.Value // 期望对端下一个字节的序列号（累计确认）
	Payload []byte       // 负载，长度为0表示纯ACK
}

// Len 返回负载长度
func (s *Segment) Len() int {
	return len(s.Payload)
}

// End 返回负载之后的第一个序列号
func (s *Segment) End() seqnum.Value {
	return s.Seq.Add(seqnum.Size(len(s.Payload)))
}

// CoveredBy 判断ack是否完整确认了本报文（考虑序列号回绕）
func (s *Segment) CoveredBy(ack seqnum.Value) bool {
	return s.End().LessThanEq(ack)
}

// Clone 深拷贝报文，重传不依赖原始缓冲区
func (s *Segment) Clone() *Segment {
	c := &Segment{Seq: s.Seq, Ack: s.Ack}
	if len(s.Payload) > 0 {
		c.Payload = append([]byte(nil), s.Payload...)
	}
	return c
}

func (s *Segment) String() string {
	return fmt.Sprintf("seg{seq=%d ack=%d len=%d}", uint32(s.Seq), uint32(s.Ack), len(s.Payload))
}

// WireSize 返回编码后的字节数
func (s *Segment) WireSize() int {
	return HeaderSize + len(s.Payload)
}

// MarshalTo 将报文编码到buf，返回写入的字节数
func (s *Segment) MarshalTo(buf []byte) (int, error) {
	if len(s.Payload) > 0xffff {
		return 0, errors.Wrapf(ErrPayloadTooLarge, "payload %d bytes", len(s.Payload))
	}
	if len(buf) < s.WireSize() {
		return 0, errors.Errorf("buffer too small: need %d, have %d", s.WireSize(), len(buf))
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(s.Seq))
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.Ack))
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(s.Payload)))
	copy(buf[HeaderSize:], s.Payload)
	return s.WireSize(), nil
}

// Encode 编码为新分配的字节切片
func (s *Segment) Encode() ([]byte, error) {
	buf := make([]byte, s.WireSize())
	if _, err := s.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeSegment 从数据报解码报文
// 返回的Payload引用b的内存；长度字段之后的多余字节被忽略
func DecodeSegment(b []byte, maxPayload int) (*Segment, error) {
	if len(b) < HeaderSize {
		return nil, errors.Wrapf(ErrSegmentTooShort, "%d bytes", len(b))
	}
	length := int(binary.BigEndian.Uint16(b[8:10]))
	if length > maxPayload {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "length %d exceeds %d", length, maxPayload)
	}
	if len(b)-HeaderSize < length {
		return nil, errors.Wrapf(ErrSegmentTruncated, "length %d, have %d", length, len(b)-HeaderSize)
	}
	seg := &Segment{
		Seq: seqnum.Value(binary.BigEndian.Uint32(b[0:4])),
		Ack: seqnum.Value(binary.BigEndian.Uint32(b[4:8])),
	}
	if length > 0 {
		seg.Payload = b[HeaderSize : HeaderSize+length]
	}
	return seg, nil
}

// 握手负载编解码
func encodeWindow(window uint32) []byte {
	b := make([]byte, HandshakeLen)
	binary.BigEndian.PutUint32(b, window)
	return b
}

func decodeWindow(b []byte) uint32 {
	return binary.BigEndian.Uint32(b[:HandshakeLen])
}
