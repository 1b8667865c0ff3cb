// 公共API类型
package api

import (
	"fmt"
	"strings"
	"time"
)

// 会话角色
type Role uint8

const (
	RoleInitiator Role = 1 // 发起方：先发送握手报文
	RoleResponder Role = 2 // 响应方：等待对端握手
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// MarshalYAML 以角色名称输出
func (r Role) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

// ParseRole 解析角色字符串（client/server 作为别名）
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initiator", "client":
		return RoleInitiator, nil
	case "responder", "server":
		return RoleResponder, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// 协议默认常量
const (
	DefaultMaxPayload      = 1012                  // 单个报文最大负载
	DefaultMinWindow       = DefaultMaxPayload     // 最小接收窗口
	DefaultReceiveWindow   = 40 * DefaultMaxPayload // 默认通告的接收窗口
	DefaultRTO             = time.Second           // 固定重传超时
	DefaultDupAckThreshold = 3                     // 触发快速重传的重复ACK次数
	DefaultPollInterval    = time.Millisecond      // 非阻塞接收的轮询间隔
	DefaultStatsInterval   = 5 * time.Second       // 统计日志输出间隔
	MaxPayloadLimit        = 65535                 // 负载长度字段为2字节
	HandshakeLen           = 4                     // 握手负载：4字节接收窗口通告
)

// Source 本地字节源（拉取接口），必须是非阻塞的
// 返回 n == 0 且 err == nil 表示暂无数据；io.EOF 表示不会再有数据
type Source interface {
	Read(p []byte) (n int, err error)
}

// Sink 本地字节汇（推送接口），按序接收交付的数据
type Sink interface {
	Write(p []byte) (n int, err error)
}

// 会话配置
type Config struct {
	Role            Role          `yaml:"role"`
	LocalAddr       string        `yaml:"local_addr"`
	PeerAddr        string        `yaml:"peer_addr"`
	MaxPayload      int           `yaml:"max_payload"`
	MinWindow       uint32        `yaml:"min_window"`
	ReceiveWindow   uint32        `yaml:"receive_window"`
	RTO             time.Duration `yaml:"rto"`
	DupAckThreshold int           `yaml:"dup_ack_threshold"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
	LogLevel        string        `yaml:"log_level"`
	LogFile         string        `yaml:"log_file"`
	LogRotate       string        `yaml:"log_rotate"`
}

// DefaultConfig 返回带默认值的配置
func DefaultConfig() Config {
	return Config{
		Role:            RoleInitiator,
		MaxPayload:      DefaultMaxPayload,
		MinWindow:       DefaultMinWindow,
		ReceiveWindow:   DefaultReceiveWindow,
		RTO:             DefaultRTO,
		DupAckThreshold: DefaultDupAckThreshold,
		PollInterval:    DefaultPollInterval,
		StatsInterval:   DefaultStatsInterval,
		LogLevel:        "info",
	}
}

// Validate 校验配置取值范围
func (c *Config) Validate() error {
	if c.Role != RoleInitiator && c.Role != RoleResponder {
		return fmt.Errorf("invalid role %d", c.Role)
	}
	// 握手报文负载为4字节窗口通告，单个报文与最小窗口都必须能容纳它
	if c.MaxPayload < HandshakeLen || c.MaxPayload > MaxPayloadLimit {
		return fmt.Errorf("max payload %d out of range [%d, %d]", c.MaxPayload, HandshakeLen, MaxPayloadLimit)
	}
	if c.MinWindow < HandshakeLen {
		return fmt.Errorf("min window %d must be at least %d", c.MinWindow, HandshakeLen)
	}
	if c.ReceiveWindow < c.MinWindow {
		return fmt.Errorf("receive window %d below min window %d", c.ReceiveWindow, c.MinWindow)
	}
	if c.RTO <= 0 {
		return fmt.Errorf("rto must be positive")
	}
	if c.DupAckThreshold < 1 {
		return fmt.Errorf("dup ack threshold must be at least 1")
	}
	if c.PollInterval < 0 || c.StatsInterval < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	return nil
}

// 运行时统计
type Statistics struct {
	SegmentsSent     uint64        // 发送报文数（含重传与纯ACK）
	SegmentsReceived uint64        // 接收并解码成功的报文数
	BytesSent        uint64        // 首次发送的负载字节数
	BytesDelivered   uint64        // 按序交付给字节汇的字节数
	PureAcks         uint64        // 纯ACK发送次数
	Retransmissions  uint64        // 超时重传次数
	FastRetransmits  uint64        // 快速重传次数
	DuplicateAcks    uint64        // 收到的重复ACK次数
	Discarded        uint64        // 非按序到达而被丢弃的报文数
	Malformed        uint64        // 解码失败的数据报数
	Outstanding      uint32        // 当前已发送未确认字节数
	Buffered         uint32        // 已接收尚未交付给字节汇的字节数
	PeerWindow       uint32        // 对端通告窗口
	Established      bool          // 握手是否完成
	Uptime           time.Duration // 会话运行时长
}
