package rdt

import (
	"fmt"

	"github.com/pkg/errors"
)

// Phase 会话阶段
type Phase uint8

const (
	PhaseStart        Phase = iota // 角色已确定，握手尚未开始
	PhaseAwaitingPeer              // 已发送本端握手，等待对端
	PhaseEstablished               // 握手完成，双向数据传输
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseAwaitingPeer:
		return "awaiting-peer"
	case PhaseEstablished:
		return "established"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Event 驱动阶段迁移的事件
type Event uint8

const (
	EventHandshakeSent  Event = iota // 本端握手报文已发出
	EventPeerHandshake               // 收到对端握手，且其确认覆盖了本端握手
	EventHandshakeAcked              // 本端握手被确认
)

func (e Event) String() string {
	switch e {
	case EventHandshakeSent:
		return "handshake-sent"
	case EventPeerHandshake:
		return "peer-handshake"
	case EventHandshakeAcked:
		return "handshake-acked"
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

type transitionKey struct {
	from  Phase
	event Event
}

// 阶段迁移表，表外的组合都是非法迁移
var transitions = map[transitionKey]Phase{
	{PhaseStart, EventHandshakeSent}:         PhaseAwaitingPeer,
	{PhaseAwaitingPeer, EventPeerHandshake}:  PhaseEstablished, // 发起方
	{PhaseAwaitingPeer, EventHandshakeAcked}: PhaseEstablished, // 响应方
}

// nextPhase 查表得到下一个阶段
func nextPhase(from Phase, event Event) (Phase, error) {
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, errors.Wrapf(ErrIllegalTransition, "%s on %s", event, from)
	}
	return to, nil
}
