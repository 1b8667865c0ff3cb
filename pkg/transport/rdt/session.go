package rdt

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/junbin-yang/relstream-go/api"
	"github.com/junbin-yang/relstream-go/pkg/transport/link"
	"github.com/junbin-yang/relstream-go/pkg/utils/logger"
	"github.com/junbin-yang/relstream-go/pkg/utils/timer"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Session 表示一个RDT会话
// 所有协议状态只在事件循环所在的协程中修改，无需加锁；
// 统计信息使用原子变量，可在其他协程读取
type Session struct {
	cfg  api.Config
	role api.Role

	// 会话阶段
	phase     Phase
	peerKnown bool // 响应方是否已学习到对端握手

	// 外部协作者
	conn link.Conn
	src  api.Source
	sink api.Sink

	// 序列号
	iss    seqnum.Value // 本端初始序列号
	irs    seqnum.Value // 对端初始序列号
	sndNxt seqnum.Value // 下一个待发送字节
	rcvNxt seqnum.Value // 下一个期望按序接收的字节

	// 窗口记账
	peerWindow  uint32 // 对端通告的接收窗口
	localWindow uint32 // 本端通告的接收窗口
	outstanding uint32 // 已发送未确认的字节数
	buffered    uint32 // 已接收待交付的字节数

	// 唯一的未确认报文（拥有负载副本）
	slot *Segment

	// 重传与快速重传
	rtx         *timer.Retransmit
	lastAck     seqnum.Value // 最近一次处理的ACK值
	ackSeen     bool         // 是否已处理过ACK
	dupAcks     int          // 重复ACK计数
	resendNow   bool         // 对端重发了握手，立即重发本端握手
	pureAck     bool         // 需要发送纯ACK
	srcDrained  bool         // 字节源已报告EOF
	established time.Time    // 握手完成时间

	// 缓冲区
	recvBuf []byte
	sendBuf []byte
	pullBuf []byte

	clock    timer.Clock
	started  time.Time
	logStats func() bool
	stats    sessionStats
	log      *logger.Logger
}

// sessionStats 原子计数器，供Statistics快照读取
type sessionStats struct {
	segmentsSent     atomic.Uint64
	segmentsReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesDelivered   atomic.Uint64
	pureAcks         atomic.Uint64
	retransmissions  atomic.Uint64
	fastRetransmits  atomic.Uint64
	duplicateAcks    atomic.Uint64
	discarded        atomic.Uint64
	malformed        atomic.Uint64
	outstanding      atomic.Uint32
	buffered         atomic.Uint32
	peerWindow       atomic.Uint32
	established      atomic.Bool
}

// Option 会话可选参数
type Option func(*Session)

// WithClock 注入时钟（测试中使用手动时钟）
func WithClock(c timer.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithInitialSequence 固定本端初始序列号（默认随机）
func WithInitialSequence(isn uint32) Option {
	return func(s *Session) { s.iss = seqnum.Value(isn) }
}

// WithLogger 指定日志记录器
func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.log = l }
}

// NewSession 创建会话；这是协议核心唯一的入口
// 参数：cfg 会话配置（角色、窗口、RTO等）、conn 数据报链路、src 字节源、sink 字节汇
func NewSession(cfg api.Config, conn link.Conn, src api.Source, sink api.Sink, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session config")
	}
	if conn == nil || src == nil || sink == nil {
		return nil, errors.New("session requires a link, a source and a sink")
	}

	isn, err := randomISN()
	if err != nil {
		return nil, errors.Wrap(err, "draw initial sequence number")
	}

	s := &Session{
		cfg:         cfg,
		role:        cfg.Role,
		phase:       PhaseStart,
		conn:        conn,
		src:         src,
		sink:        sink,
		iss:         seqnum.Value(isn),
		peerWindow:  cfg.MinWindow,
		localWindow: cfg.ReceiveWindow,
		recvBuf:     make([]byte, HeaderSize+cfg.MaxPayload),
		sendBuf:     make([]byte, HeaderSize+cfg.MaxPayload),
		pullBuf:     make([]byte, cfg.MaxPayload),
		clock:       timer.System(),
		log:         logger.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sndNxt = s.iss
	s.started = s.clock.Now()
	s.rtx = timer.NewRetransmit(s.clock, cfg.RTO)
	s.logStats = timer.Throttle(s.clock, cfg.StatsInterval, s.dumpStats)
	s.log = s.log.With(logger.Stringer("role", s.role))
	s.publish()
	return s, nil
}

// randomISN 从加密随机源抽取初始序列号
func randomISN() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Phase 返回当前会话阶段
func (s *Session) Phase() Phase {
	return s.phase
}

// transition 按迁移表推进会话阶段
func (s *Session) transition(e Event) error {
	to, err := nextPhase(s.phase, e)
	if err != nil {
		return err
	}
	s.log.Debug("Phase transition",
		logger.Stringer("from", s.phase),
		logger.Stringer("event", e),
		logger.Stringer("to", to))
	s.phase = to
	if to == PhaseEstablished {
		s.established = s.clock.Now()
		s.stats.established.Store(true)
		s.log.Info("Session established",
			logger.Uint32("iss", uint32(s.iss)),
			logger.Uint32("irs", uint32(s.irs)),
			logger.Uint32("peerWindow", s.peerWindow),
			logger.Duration("handshake", s.established.Sub(s.started)))
	}
	return nil
}

// setPeerWindow 记录对端窗口，低于最小窗口时按最小窗口处理
func (s *Session) setPeerWindow(w uint32) {
	if w < s.cfg.MinWindow {
		s.log.Warn("Peer window below minimum, clamped",
			logger.Uint32("advertised", w),
			logger.Uint32("min", s.cfg.MinWindow))
		w = s.cfg.MinWindow
	}
	s.peerWindow = w
}

// checkWindow 校验 0 <= outstanding <= peerWindow
func (s *Session) checkWindow() error {
	if s.outstanding > s.peerWindow {
		return errors.Wrapf(ErrInvariant, "outstanding %d exceeds peer window %d", s.outstanding, s.peerWindow)
	}
	return nil
}

// publish 将窗口状态同步到原子统计
func (s *Session) publish() {
	s.stats.outstanding.Store(s.outstanding)
	s.stats.peerWindow.Store(s.peerWindow)
}

// Statistics 返回统计信息快照，可在任意协程调用
func (s *Session) Statistics() api.Statistics {
	return api.Statistics{
		SegmentsSent:     s.stats.segmentsSent.Load(),
		SegmentsReceived: s.stats.segmentsReceived.Load(),
		BytesSent:        s.stats.bytesSent.Load(),
		BytesDelivered:   s.stats.bytesDelivered.Load(),
		PureAcks:         s.stats.pureAcks.Load(),
		Retransmissions:  s.stats.retransmissions.Load(),
		FastRetransmits:  s.stats.fastRetransmits.Load(),
		DuplicateAcks:    s.stats.duplicateAcks.Load(),
		Discarded:        s.stats.discarded.Load(),
		Malformed:        s.stats.malformed.Load(),
		Outstanding:      s.stats.outstanding.Load(),
		Buffered:         s.stats.buffered.Load(),
		PeerWindow:       s.stats.peerWindow.Load(),
		Established:      s.stats.established.Load(),
		Uptime:           s.clock.Now().Sub(s.started),
	}
}

// dumpStats 周期性输出统计（由节流函数调用）
func (s *Session) dumpStats() {
	if !s.log.Enabled(logger.DebugLevel) {
		return
	}
	st := s.Statistics()
	s.log.Debug("Session statistics",
		logger.Stringer("phase", s.phase),
		logger.Uint64("segmentsSent", st.SegmentsSent),
		logger.Uint64("segmentsReceived", st.SegmentsReceived),
		logger.Uint64("bytesSent", st.BytesSent),
		logger.Uint64("bytesDelivered", st.BytesDelivered),
		logger.Uint64("retransmissions", st.Retransmissions),
		logger.Uint64("fastRetransmits", st.FastRetransmits),
		logger.Uint32("outstanding", st.Outstanding))
}
