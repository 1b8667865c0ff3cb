package rdt

import "github.com/pkg/errors"

// 解码错误：属于瞬时网络故障，数据报被丢弃，不会上报
var (
	ErrSegmentTooShort  = errors.New("segment shorter than header")
	ErrSegmentTruncated = errors.New("segment truncated")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum segment size")
)

// 协议不变量被破坏：会话终止
var (
	ErrInvariant         = errors.New("protocol invariant violated")
	ErrAckOutOfRange     = errors.New("acknowledgment beyond sent data")
	ErrIllegalTransition = errors.New("illegal session transition")
)

// IsFatal 判断错误是否为协议不变量破坏（而非资源或I/O失败）
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariant) ||
		errors.Is(err, ErrAckOutOfRange) ||
		errors.Is(err, ErrIllegalTransition)
}
