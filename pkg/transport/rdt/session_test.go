package rdt

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/junbin-yang/relstream-go/api"
	"github.com/junbin-yang/relstream-go/pkg/stdio"
	"github.com/junbin-yang/relstream-go/pkg/transport/link"
	"github.com/junbin-yang/relstream-go/pkg/utils/timer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn 记录发出的报文，并按注入顺序返回收到的数据报
type fakeConn struct {
	inbox [][]byte
	sent  []*Segment
}

func (c *fakeConn) Send(b []byte) error {
	seg, err := DecodeSegment(append([]byte(nil), b...), api.MaxPayloadLimit)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, seg)
	return nil
}

func (c *fakeConn) Recv(b []byte) (int, error) {
	if len(c.inbox) == 0 {
		return 0, link.ErrWouldBlock
	}
	dg := c.inbox[0]
	c.inbox = c.inbox[1:]
	return copy(b, dg), nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) inject(t *testing.T, seg *Segment) {
	t.Helper()
	b, err := seg.Encode()
	require.NoError(t, err)
	c.inbox = append(c.inbox, b)
}

// take 取出并清空已发送报文
func (c *fakeConn) take() []*Segment {
	s := c.sent
	c.sent = nil
	return s
}

type errSource struct{ err error }

func (s errSource) Read([]byte) (int, error) { return 0, s.err }

func testConfig(role api.Role) api.Config {
	cfg := api.DefaultConfig()
	cfg.Role = role
	cfg.MinWindow = HandshakeLen
	cfg.StatsInterval = time.Hour
	return cfg
}

type harness struct {
	s     *Session
	conn  *fakeConn
	buf   *stdio.Buffer
	clock *timer.Manual
}

func newHarness(t *testing.T, cfg api.Config, isn uint32) *harness {
	t.Helper()
	h := &harness{
		conn:  &fakeConn{},
		buf:   &stdio.Buffer{},
		clock: timer.NewManual(time.Unix(1700000000, 0)),
	}
	s, err := NewSession(cfg, h.conn, h.buf, h.buf, WithClock(h.clock), WithInitialSequence(isn))
	require.NoError(t, err)
	h.s = s
	return h
}

func (h *harness) step(t *testing.T) []*Segment {
	t.Helper()
	require.NoError(t, h.s.Step())
	return h.conn.take()
}

// 以下测试中发起方ISN为1000，对端ISN为5000
const (
	localISN = 1000
	peerISN  = 5000
)

// establishedInitiator 完成发起方握手，对端通告window
func establishedInitiator(t *testing.T, cfg api.Config, isn uint32, window uint32) *harness {
	t.Helper()
	h := newHarness(t, cfg, isn)

	out := h.step(t)
	require.Len(t, out, 1, "发起方应立即发送握手")
	require.Equal(t, HandshakeLen, out[0].Len())
	require.Equal(t, seqnum.Value(isn), out[0].Seq)
	require.Equal(t, PhaseAwaitingPeer, h.s.Phase())

	h.conn.inject(t, &Segment{Seq: peerISN, Ack: out[0].End(), Payload: encodeWindow(window)})
	out = h.step(t)
	require.Equal(t, PhaseEstablished, h.s.Phase())
	require.Len(t, out, 1, "握手完成后应确认对端握手")
	assert.Equal(t, 0, out[0].Len())
	assert.Equal(t, seqnum.Value(peerISN+HandshakeLen), out[0].Ack)
	assert.Equal(t, uint32(0), h.s.outstanding, "握手被确认后不应有在途字节")
	return h
}

// TestNewSession_Invalid 测试非法参数
func TestNewSession_Invalid(t *testing.T) {
	cfg := testConfig(api.RoleInitiator)
	cfg.RTO = 0
	_, err := NewSession(cfg, &fakeConn{}, &stdio.Buffer{}, &stdio.Buffer{})
	assert.Error(t, err)

	_, err = NewSession(testConfig(api.RoleInitiator), nil, &stdio.Buffer{}, &stdio.Buffer{})
	assert.Error(t, err)

	// 最大负载必须能容纳握手，否则首个握手报文无法编码
	cfg = testConfig(api.RoleInitiator)
	cfg.MaxPayload = HandshakeLen - 2
	_, err = NewSession(cfg, &fakeConn{}, &stdio.Buffer{}, &stdio.Buffer{})
	assert.Error(t, err)
}

// TestSession_SmallestPayload 最大负载等于握手长度时仍能完成握手并传输数据
func TestSession_SmallestPayload(t *testing.T) {
	cfg := testConfig(api.RoleInitiator)
	cfg.MaxPayload = HandshakeLen
	h := establishedInitiator(t, cfg, localISN, 100)

	h.buf.Feed([]byte("abcdef"))
	out := h.step(t)
	require.Len(t, out, 1)
	assert.Equal(t, "abcd", string(out[0].Payload))
}

// TestSession_InitiatorHandshake 测试发起方握手并学习对端窗口
func TestSession_InitiatorHandshake(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 2048)
	assert.Equal(t, uint32(2048), h.s.peerWindow)
	assert.Equal(t, seqnum.Value(peerISN+HandshakeLen), h.s.rcvNxt)
	assert.Equal(t, seqnum.Value(localISN+HandshakeLen), h.s.sndNxt)
	assert.True(t, h.s.Statistics().Established)
}

// TestSession_HandshakeIgnoresStrayAck 发起方等待握手时，不覆盖本端握手的报文被丢弃
func TestSession_HandshakeIgnoresStrayAck(t *testing.T) {
	h := newHarness(t, testConfig(api.RoleInitiator), localISN)
	h.step(t)

	h.conn.inject(t, &Segment{Seq: peerISN, Ack: localISN, Payload: encodeWindow(100)})
	h.conn.inject(t, &Segment{Seq: peerISN, Ack: localISN + HandshakeLen})
	h.step(t)
	h.step(t)
	assert.Equal(t, PhaseAwaitingPeer, h.s.Phase())
	assert.Equal(t, uint64(2), h.s.Statistics().Discarded)
}

// TestSession_HandshakeRetransmit 握手丢失时按超时重发
func TestSession_HandshakeRetransmit(t *testing.T) {
	h := newHarness(t, testConfig(api.RoleInitiator), localISN)
	first := h.step(t)
	require.Len(t, first, 1)

	h.clock.Advance(h.s.cfg.RTO)
	out := h.step(t)
	require.Len(t, out, 1)
	assert.Equal(t, first[0].Seq, out[0].Seq)
	assert.Equal(t, first[0].Payload, out[0].Payload)
	assert.Equal(t, uint64(1), h.s.Statistics().Retransmissions)
}

// TestSession_ResponderHandshake 测试响应方握手全过程
func TestSession_ResponderHandshake(t *testing.T) {
	const isn = 9000
	h := newHarness(t, testConfig(api.RoleResponder), isn)

	assert.Empty(t, h.step(t), "响应方在收到握手前不应发送")

	// 握手前的数据不会被交付
	h.conn.inject(t, &Segment{Seq: 1, Payload: []byte("0123456789")})
	assert.Empty(t, h.step(t))
	assert.Equal(t, PhaseStart, h.s.Phase())
	assert.Empty(t, h.buf.Bytes())

	initHS := &Segment{Seq: 7000, Payload: encodeWindow(2000)}
	h.conn.inject(t, initHS)
	out := h.step(t)
	require.Len(t, out, 1)
	assert.Equal(t, seqnum.Value(isn), out[0].Seq)
	assert.Equal(t, seqnum.Value(7000+HandshakeLen), out[0].Ack)
	assert.Equal(t, uint32(h.s.cfg.ReceiveWindow), decodeWindow(out[0].Payload))
	assert.Equal(t, PhaseAwaitingPeer, h.s.Phase())
	assert.Equal(t, uint32(2000), h.s.peerWindow)

	// 对端重发握手说明回复丢失，立即重发
	h.conn.inject(t, initHS)
	out = h.step(t)
	require.Len(t, out, 1)
	assert.Equal(t, seqnum.Value(isn), out[0].Seq)

	// 携带数据的确认完成握手，数据同时被交付
	h.conn.inject(t, &Segment{Seq: 7004, Ack: isn + HandshakeLen, Payload: []byte("data")})
	out = h.step(t)
	assert.Equal(t, PhaseEstablished, h.s.Phase())
	assert.Equal(t, "data", string(h.buf.Bytes()))
	require.Len(t, out, 1)
	assert.Equal(t, 0, out[0].Len())
	assert.Equal(t, seqnum.Value(7008), out[0].Ack)
	assert.Equal(t, uint32(0), h.s.outstanding)

	// 建立后再收到发起方握手：不交付，Ack字段不处理，回复纯ACK
	h.conn.inject(t, initHS)
	out = h.step(t)
	require.Len(t, out, 1)
	assert.Equal(t, seqnum.Value(7008), out[0].Ack)
	assert.Equal(t, "data", string(h.buf.Bytes()))
}

// TestSession_PeerWindowClamp 对端通告窗口小于最小窗口时按最小窗口处理
func TestSession_PeerWindowClamp(t *testing.T) {
	cfg := testConfig(api.RoleInitiator)
	cfg.MinWindow = 1012
	h := establishedInitiator(t, cfg, localISN, 10)
	assert.Equal(t, uint32(1012), h.s.peerWindow)
}

// TestSession_WindowLimit 对端窗口100、源数据150：只发送100字节，确认前不再发送
func TestSession_WindowLimit(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	data := bytes.Repeat([]byte{'a'}, 150)
	h.buf.Feed(data)

	out := h.step(t)
	require.Len(t, out, 1)
	assert.Equal(t, 100, out[0].Len())
	assert.Equal(t, seqnum.Value(localISN+HandshakeLen), out[0].Seq)
	assert.Equal(t, seqnum.Value(peerISN+HandshakeLen), out[0].Ack)
	assert.Equal(t, uint32(100), h.s.outstanding)
	assert.Equal(t, 50, h.buf.Pending())

	for i := 0; i < 3; i++ {
		assert.Empty(t, h.step(t), "存在未确认报文时不应再发送")
	}
	assert.Equal(t, uint64(100), h.s.Statistics().BytesSent)
}

// TestSession_OneSegmentInFlight 窗口充足时单个报文也不超过最大负载
func TestSession_OneSegmentInFlight(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 1<<20)
	h.buf.Feed(make([]byte, 5000))

	out := h.step(t)
	require.Len(t, out, 1)
	assert.Equal(t, api.DefaultMaxPayload, out[0].Len())
	assert.Empty(t, h.step(t))

	// 未确认报文持有负载副本，不受拉取缓冲区复用影响
	h.s.pullBuf[0] = 0xff
	assert.Equal(t, byte(0), h.s.slot.Payload[0])
}

// TestSession_AckRetires 确认覆盖未确认报文后清空在途字节，定时器回到空闲
func TestSession_AckRetires(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	h.buf.Feed(make([]byte, 100))
	out := h.step(t)
	require.Len(t, out, 1)

	h.clock.Advance(900 * time.Millisecond)
	h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen, Ack: out[0].End()})
	assert.Empty(t, h.step(t), "纯ACK不应被确认")
	assert.Nil(t, h.s.slot)
	assert.Equal(t, uint32(0), h.s.outstanding)
	assert.Equal(t, uint32(0), h.s.Statistics().Outstanding)

	// 下一个报文获得完整的超时窗口
	h.clock.Advance(500 * time.Millisecond)
	h.buf.Feed([]byte("next"))
	out = h.step(t)
	require.Len(t, out, 1)

	h.clock.Advance(600 * time.Millisecond)
	assert.Empty(t, h.step(t), "未到超时不应重传")
	h.clock.Advance(400 * time.Millisecond)
	out = h.step(t)
	require.Len(t, out, 1, "到达超时应重传")
	assert.Equal(t, "next", string(out[0].Payload))
}

// TestSession_PartialAck 确认未完整覆盖报文时不退役
func TestSession_PartialAck(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	h.buf.Feed(make([]byte, 10))
	out := h.step(t)
	require.Len(t, out, 1)

	h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen, Ack: out[0].Seq.Add(5)})
	h.step(t)
	assert.NotNil(t, h.s.slot)
	assert.Equal(t, uint32(10), h.s.outstanding)
}

// TestSession_FastRetransmit 三个重复ACK在超时前触发重传
func TestSession_FastRetransmit(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	h.buf.Feed([]byte("lost segment"))
	sent := h.step(t)
	require.Len(t, sent, 1)

	dup := &Segment{Seq: peerISN + HandshakeLen, Ack: localISN + HandshakeLen}
	for i := 0; i < 3; i++ {
		h.conn.inject(t, dup)
	}
	assert.Empty(t, h.step(t))
	assert.Empty(t, h.step(t))
	out := h.step(t)
	require.Len(t, out, 1, "第三个重复ACK应触发快速重传")
	assert.Equal(t, sent[0].Seq, out[0].Seq)
	assert.Equal(t, sent[0].Payload, out[0].Payload)

	st := h.s.Statistics()
	assert.Equal(t, uint64(1), st.FastRetransmits)
	assert.Equal(t, uint64(3), st.DuplicateAcks)
	assert.Equal(t, uint64(0), st.Retransmissions)
	assert.Equal(t, 0, h.s.dupAcks)
}

// TestSession_PiggybackedAckNotDuplicate 对端数据报文捎带的未变确认不计为重复ACK
func TestSession_PiggybackedAckNotDuplicate(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	h.buf.Feed([]byte("outbound"))
	require.Len(t, h.step(t), 1)

	for i, chunk := range []string{"aa", "bb", "cc"} {
		h.conn.inject(t, &Segment{
			Seq:     seqnum.Value(peerISN + HandshakeLen + 2*i),
			Ack:     localISN + HandshakeLen,
			Payload: []byte(chunk),
		})
	}
	for i := 0; i < 3; i++ {
		out := h.step(t)
		require.Len(t, out, 1)
		assert.Equal(t, 0, out[0].Len(), "只应回复纯ACK，不应快速重传")
	}
	assert.Equal(t, "aabbcc", string(h.buf.Bytes()))

	st := h.s.Statistics()
	assert.Equal(t, uint64(0), st.DuplicateAcks)
	assert.Equal(t, uint64(0), st.FastRetransmits)
	assert.Equal(t, 0, h.s.dupAcks)
}

// TestSession_StaleAckIgnored 落后于最近确认的旧ACK被忽略
func TestSession_StaleAckIgnored(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	h.buf.Feed([]byte("abc"))
	h.step(t)
	h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen, Ack: localISN + HandshakeLen + 3})
	h.step(t)
	require.Nil(t, h.s.slot)

	h.buf.Feed([]byte("def"))
	h.step(t)
	for i := 0; i < 3; i++ {
		h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen, Ack: localISN + HandshakeLen})
	}
	for i := 0; i < 3; i++ {
		assert.Empty(t, h.step(t), "旧ACK不应计为重复ACK")
	}
	assert.Equal(t, 0, h.s.dupAcks)
}

// TestSession_DuplicateDataAckProcessed 重复数据不交付，但其确认仍被处理
func TestSession_DuplicateDataAckProcessed(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)

	h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen, Ack: localISN + HandshakeLen, Payload: []byte("hi")})
	out := h.step(t)
	assert.Equal(t, "hi", string(h.buf.Bytes()))
	assert.Equal(t, uint32(0), h.s.Statistics().Buffered, "同步交付后不应有待交付字节")
	require.Len(t, out, 1)
	assert.Equal(t, seqnum.Value(peerISN+HandshakeLen+2), out[0].Ack)

	h.buf.Feed(make([]byte, 10))
	sent := h.step(t)
	require.Len(t, sent, 1)

	h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen, Ack: sent[0].End(), Payload: []byte("hi")})
	out = h.step(t)
	assert.Equal(t, "hi", string(h.buf.Bytes()), "重复数据不应再次交付")
	assert.Nil(t, h.s.slot, "重复报文携带的确认应被处理")
	assert.Equal(t, uint32(0), h.s.outstanding)
	require.Len(t, out, 1, "重复数据应触发纯ACK")
	assert.Equal(t, seqnum.Value(peerISN+HandshakeLen+2), out[0].Ack)
	assert.Equal(t, uint64(1), h.s.Statistics().Discarded)
}

// TestSession_OutOfOrderDropped 乱序到达的数据被丢弃
func TestSession_OutOfOrderDropped(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen + 3, Ack: localISN + HandshakeLen, Payload: []byte("def")})
	h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen, Ack: localISN + HandshakeLen, Payload: []byte("abc")})
	h.step(t)
	h.step(t)
	assert.Equal(t, "abc", string(h.buf.Bytes()))
	assert.Equal(t, seqnum.Value(peerISN+HandshakeLen+3), h.s.rcvNxt)
}

// TestSession_TimeoutRefreshesAck 超时重传的序列号与负载不变，Ack更新为最新接收进度
func TestSession_TimeoutRefreshesAck(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	h.buf.Feed([]byte("payload"))
	sent := h.step(t)
	require.Len(t, sent, 1)

	h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen, Ack: localISN + HandshakeLen, Payload: []byte("xy")})
	h.step(t)

	h.clock.Advance(h.s.cfg.RTO)
	out := h.step(t)
	require.Len(t, out, 1)
	assert.Equal(t, sent[0].Seq, out[0].Seq)
	assert.Equal(t, sent[0].Payload, out[0].Payload)
	assert.Equal(t, seqnum.Value(peerISN+HandshakeLen+2), out[0].Ack)
	assert.Equal(t, uint64(1), h.s.Statistics().Retransmissions)

	assert.Empty(t, h.step(t), "重传后定时器应重新计时")
}

// TestSession_AckOutOfRange 确认未发送的字节属于致命错误
func TestSession_AckOutOfRange(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen, Ack: localISN + HandshakeLen + 10})
	err := h.s.Step()
	assert.ErrorIs(t, err, ErrAckOutOfRange)
	assert.True(t, IsFatal(err))
}

// TestSession_SequenceWrap 序列号跨越2^32回绕
func TestSession_SequenceWrap(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), 0xfffffff0, 100)
	h.buf.Feed(make([]byte, 20))
	out := h.step(t)
	require.Len(t, out, 1)
	assert.Equal(t, seqnum.Value(0xfffffff4), out[0].Seq)
	assert.Equal(t, seqnum.Value(8), out[0].End())

	h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen, Ack: 8})
	h.step(t)
	assert.Nil(t, h.s.slot)
	assert.Equal(t, seqnum.Value(8), h.s.sndNxt)
}

// TestSession_MalformedDropped 损坏的数据报被计数并丢弃
func TestSession_MalformedDropped(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	h.conn.inbox = append(h.conn.inbox, []byte{1, 2, 3})
	assert.Empty(t, h.step(t))
	assert.Equal(t, uint64(1), h.s.Statistics().Malformed)
}

// TestSession_SinkFailure 字节汇写入失败终止会话，但不属于协议错误
func TestSession_SinkFailure(t *testing.T) {
	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	h.buf.FailWrites(io.ErrClosedPipe)
	h.conn.inject(t, &Segment{Seq: peerISN + HandshakeLen, Ack: localISN + HandshakeLen, Payload: []byte("x")})
	err := h.s.Step()
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.False(t, IsFatal(err))
	assert.Equal(t, uint32(1), h.s.Statistics().Buffered, "未交付的字节应计入buffered")
}

// TestSession_SourceFailure 字节源的非EOF错误终止会话；EOF只表示不再有数据
func TestSession_SourceFailure(t *testing.T) {
	boom := errors.New("disk gone")
	conn := &fakeConn{}
	s, err := NewSession(testConfig(api.RoleInitiator), conn, errSource{err: boom}, &stdio.Buffer{},
		WithInitialSequence(localISN), WithClock(timer.NewManual(time.Unix(0, 0))))
	require.NoError(t, err)
	require.NoError(t, s.Step())
	conn.inject(t, &Segment{Seq: peerISN, Ack: localISN + HandshakeLen, Payload: encodeWindow(100)})
	assert.ErrorIs(t, s.Step(), boom)

	h := establishedInitiator(t, testConfig(api.RoleInitiator), localISN, 100)
	h.buf.CloseInput()
	assert.Empty(t, h.step(t))
	assert.True(t, h.s.srcDrained)
}
