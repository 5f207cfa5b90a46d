package limiter

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/carsync/internal/models"
)

// Config 退避策略配置
type Config struct {
	// Base 无提示时指数退避的起始间隔
	Base time.Duration
	// Max 限流退避的间隔上限
	Max time.Duration
	// ServerErrorMax 服务端错误退避的间隔上限
	// 瞬时故障恢复比配额耗尽快，上限设得更小
	ServerErrorMax time.Duration
	// JitterFraction 抖动比例 (0-1)，避免多车退避窗口同步到期
	JitterFraction float64
}

// DefaultConfig 保守默认值
func DefaultConfig() Config {
	return Config{
		Base:           30 * time.Second,
		Max:            15 * time.Minute,
		ServerErrorMax: 5 * time.Minute,
		JitterFraction: 0.1,
	}
}

// key 按 车辆+属性 维度隔离退避状态
type key struct {
	vehicleID string
	kind      models.AttributeKind
}

// entry 单个 车辆+属性 的退避状态
type entry struct {
	consecutiveFailures int
	currentInterval     time.Duration
	backoffUntil        time.Time
}

// Limiter 请求准入与退避
// 各车辆状态互相独立，无跨车锁
type Limiter struct {
	logger *zap.Logger
	cfg    Config

	mu      sync.Mutex
	entries map[key]*entry

	now    func() time.Time
	jitter func() float64 // 返回 [0,1)
}

// New 创建限流器
func New(logger *zap.Logger, cfg Config) *Limiter {
	return &Limiter{
		logger:  logger,
		cfg:     cfg,
		entries: make(map[key]*entry),
		now:     time.Now,
		jitter:  rand.Float64,
	}
}

// NewWithClock 创建使用自定义时钟的限流器
func NewWithClock(logger *zap.Logger, cfg Config, now func() time.Time) *Limiter {
	l := New(logger, cfg)
	if now != nil {
		l.now = now
	}
	return l
}

// Admit 判断当前是否允许发起请求（是否在退避窗口内）
func (l *Limiter) Admit(vehicleID string, kind models.AttributeKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key{vehicleID, kind}]
	if !ok {
		return true
	}
	return !l.now().Before(e.backoffUntil)
}

// BackoffUntil 返回退避窗口的截止时间，无退避时返回零值
func (l *Limiter) BackoffUntil(vehicleID string, kind models.AttributeKind) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key{vehicleID, kind}]; ok {
		return e.backoffUntil
	}
	return time.Time{}
}

// RecordResult 记录一次请求结果并更新退避状态
func (l *Limiter) RecordResult(vehicleID string, kind models.AttributeKind, outcome models.FetchOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{vehicleID, kind}

	switch outcome.Kind {
	case models.OutcomeSuccess:
		delete(l.entries, k)

	case models.OutcomeRateLimited:
		e := l.getOrCreate(k)
		e.consecutiveFailures++
		if outcome.RetryAfter > 0 {
			// API 给出了明确提示，严格按提示设置，不加抖动
			e.backoffUntil = l.now().Add(outcome.RetryAfter)
			e.currentInterval = outcome.RetryAfter
		} else {
			e.currentInterval = l.nextInterval(e.currentInterval, l.cfg.Max)
			e.backoffUntil = l.now().Add(l.withJitter(e.currentInterval))
		}
		l.logger.Info("Rate limited, backing off",
			zap.String("vehicle_id", vehicleID),
			zap.String("kind", string(kind)),
			zap.Time("backoff_until", e.backoffUntil))

	case models.OutcomeServerError:
		e := l.getOrCreate(k)
		e.consecutiveFailures++
		e.currentInterval = l.nextInterval(e.currentInterval, l.cfg.ServerErrorMax)
		e.backoffUntil = l.now().Add(l.withJitter(e.currentInterval))
		l.logger.Debug("Server error, backing off",
			zap.String("vehicle_id", vehicleID),
			zap.String("kind", string(kind)),
			zap.Duration("interval", e.currentInterval))

	case models.OutcomeNotFound:
		// 能力级失败不重试，由能力探测负责驱逐该属性
		delete(l.entries, k)

	case models.OutcomeAuthError:
		// 账户级失败由调度器整体处理，不做按属性退避
	}
}

// FailureCount 返回连续失败次数
func (l *Limiter) FailureCount(vehicleID string, kind models.AttributeKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key{vehicleID, kind}]; ok {
		return e.consecutiveFailures
	}
	return 0
}

// getOrCreate 调用方须持锁
func (l *Limiter) getOrCreate(k key) *entry {
	e, ok := l.entries[k]
	if !ok {
		e = &entry{}
		l.entries[k] = e
	}
	return e
}

// nextInterval 指数翻倍，封顶 max
func (l *Limiter) nextInterval(current time.Duration, max time.Duration) time.Duration {
	if current < l.cfg.Base {
		return l.cfg.Base
	}
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

// withJitter 叠加 ±JitterFraction 的抖动
func (l *Limiter) withJitter(d time.Duration) time.Duration {
	if l.cfg.JitterFraction <= 0 {
		return d
	}
	offset := (l.jitter()*2 - 1) * l.cfg.JitterFraction * float64(d)
	return d + time.Duration(offset)
}
