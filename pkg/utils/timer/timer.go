// 提供时钟抽象与重传定时器，以及节流、重试等工具函数
package timer

import (
	"fmt"
	"sync"
	"time"
)

// Clock 时钟接口，便于测试中注入可控时间
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System 返回基于time.Now的系统时钟
func System() Clock { return systemClock{} }

// Manual 手动推进的时钟（测试使用），并发安全
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual 创建一个从start开始的手动时钟
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 将时钟向前推进d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Retransmit 单一重传定时器：记录当前未确认报文的计时起点
// 没有未确认报文时调用方应持续Rearm，使下一次发送获得完整的超时窗口
type Retransmit struct {
	clock Clock
	rto   time.Duration // 固定重传超时
	start time.Time     // 计时起点
}

// NewRetransmit 创建重传定时器，并以当前时间为起点
func NewRetransmit(clock Clock, rto time.Duration) *Retransmit {
	if clock == nil {
		clock = System()
	}
	return &Retransmit{clock: clock, rto: rto, start: clock.Now()}
}

// Rearm 将计时起点重置为当前时间
func (t *Retransmit) Rearm() {
	t.start = t.clock.Now()
}

// Elapsed 返回自计时起点以来经过的时间
func (t *Retransmit) Elapsed() time.Duration {
	return t.clock.Now().Sub(t.start)
}

// Expired 判断是否已达到重传超时
func (t *Retransmit) Expired() bool {
	return t.Elapsed() >= t.rto
}

// RTO 返回固定的重传超时时间
func (t *Retransmit) RTO() time.Duration {
	return t.rto
}

// Throttle 创建一个节流函数：指定时间内最多执行一次回调
// 参数:
//   clock: 时钟（nil表示系统时钟）
//   duration: 节流时间窗口
//   callback: 被节流的回调函数
// 返回: 包装后的节流函数，回调被执行时返回true
func Throttle(clock Clock, duration time.Duration, callback func()) func() bool {
	if clock == nil {
		clock = System()
	}
	var lastCall time.Time // 上次执行时间
	var mu sync.Mutex      // 保护lastCall的并发访问

	return func() bool {
		mu.Lock()
		defer mu.Unlock()

		now := clock.Now()
		// 若距离上次执行已超过duration，则执行回调并更新时间
		if lastCall.IsZero() || now.Sub(lastCall) >= duration {
			lastCall = now
			callback()
			return true
		}
		return false
	}
}

// Retry 带重试逻辑的函数执行：失败后重试指定次数，每次间隔固定时间
// 参数:
//   attempts: 最大尝试次数（含首次）
//   delay: 每次重试的间隔时间
//   fn: 待执行的函数（返回error表示失败）
// 返回: 若成功返回nil，否则返回最后一次错误
func Retry(attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil // 成功则直接返回
		}
		// 不是最后一次尝试则等待后重试
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("after %d attempts, last error: %w", attempts, err)
}
