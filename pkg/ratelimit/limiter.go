// Package ratelimit 对外部模型调用做滑动窗口限流与限流重试。
package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
	"traible-go/internal/config"
	"traible-go/pkg/llm"
	"traible-go/pkg/log"
)

// Clock 抽象了时间来源，便于在测试中注入假时钟。
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// NewRealClock 返回基于系统时间的 Clock。
func NewRealClock() Clock { return realClock{} }

// Limiter 以"每秒调用数 + 每分钟调用数"两个滑动窗口限制外部服务调用，
// 并对限流失败（llm.ErrThrottled）做指数退避重试。
// 一个 Limiter 实例由所有需要限流的调用方共享，内部状态由单一互斥锁保护。
type Limiter struct {
	mu           sync.Mutex
	perSecond    float64
	perMinute    int
	maxRetries   int
	baseDelay    time.Duration
	clock        Clock
	rng          *rand.Rand
	secondWindow []time.Time
	minuteWindow []time.Time
}

// New 创建一个 Limiter。clock 为 nil 时使用系统时钟。
func New(cfg config.RateLimitConfig, clock Clock) *Limiter {
	if clock == nil {
		clock = realClock{}
	}
	return &Limiter{
		perSecond:  cfg.CallsPerSecond,
		perMinute:  cfg.CallsPerMinute,
		maxRetries: cfg.MaxRetries,
		baseDelay:  time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		clock:      clock,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do 先获取调用许可，再执行 fn。fn 返回限流错误时按指数退避重试，
// 其余错误立即向上传播。重试次数用尽后返回最后一次的错误。
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		if err := l.acquire(ctx); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, llm.ErrThrottled) {
			// 非限流错误不重试
			return lastErr
		}

		if attempt == l.maxRetries-1 {
			break
		}

		// 指数退避：base * 2^attempt，加随机抖动避免并发任务同步重试
		delay := l.baseDelay * (1 << attempt)
		delay += l.jitter(l.baseDelay / 2)
		log.Warnf("[RateLimiter] 外部服务限流，第 %d 次重试，等待 %v", attempt+1, delay)
		if err := l.sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// acquire 阻塞直到两个窗口都有余量，然后登记本次调用的时间戳。
func (l *Limiter) acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		now := l.clock.Now()
		l.secondWindow = prune(l.secondWindow, now.Add(-time.Second))
		l.minuteWindow = prune(l.minuteWindow, now.Add(-time.Minute))

		var wait time.Duration
		if float64(len(l.secondWindow)) >= l.perSecond {
			wait = l.secondWindow[0].Add(time.Second).Sub(now)
		}
		if len(l.minuteWindow) >= l.perMinute {
			if w := l.minuteWindow[0].Add(time.Minute).Sub(now); w > wait {
				wait = w
			}
		}

		if wait <= 0 {
			l.secondWindow = append(l.secondWindow, now)
			l.minuteWindow = append(l.minuteWindow, now)
			l.mu.Unlock()
			return nil
		}

		l.mu.Unlock()
		wait += l.jitter(50 * time.Millisecond)

		if err := l.sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// jitter 返回 [0, max) 的随机时长。rng 由 mu 保护，调用前不得持有 mu。
func (l *Limiter) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	l.mu.Lock()
	n := l.rng.Int63n(int64(max))
	l.mu.Unlock()
	return time.Duration(n)
}

// sleepCtx 通过注入的时钟休眠，同时尊重 ctx 取消。
func (l *Limiter) sleepCtx(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.clock.Sleep(d)
	return ctx.Err()
}

// prune 删除早于 cutoff 的时间戳。
func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	return window[i:]
}
