package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/carsync/internal/api/smartcar"
	"github.com/langchou/carsync/internal/limiter"
	"github.com/langchou/carsync/internal/models"
	"github.com/langchou/carsync/internal/state"
)

// TokenSource 调度器侧的令牌接口
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
	Invalidate()
}

// SampleSink 规范化采样的下游出口
type SampleSink interface {
	Publish(sample *models.TelemetrySample)
}

// SinkFunc 把函数适配为 SampleSink
type SinkFunc func(*models.TelemetrySample)

// Publish 实现 SampleSink
func (f SinkFunc) Publish(sample *models.TelemetrySample) { f(sample) }

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	Interval         time.Duration
	FetchConcurrency int
	// DegradedThreshold 连续失败达到该次数后车辆进入降级
	DegradedThreshold int
	// DegradedFactor 降级车辆的有效轮询间隔倍率
	DegradedFactor float64
	// AccountRetryDefault 账户级限流无提示时的等待时长
	AccountRetryDefault time.Duration
}

// Scheduler 轮询调度器
// 每个周期以周期起点为锚：上个周期未结束时跳过本次触发，
// 记一个待执行标记，上个周期结束后立即补跑一次（只补一次）
type Scheduler struct {
	logger     *zap.Logger
	cfg        SchedulerConfig
	client     APIClient
	tokens     TokenSource
	probe      *Probe
	normalizer *Normalizer
	limiter    *limiter.Limiter
	states     *state.Manager
	sink       SampleSink

	mu                 sync.Mutex
	running            bool
	cycleInFlight      bool
	pendingCycle       bool
	cycle              uint64
	inFlight           map[key]bool
	lastAttempt        map[string]time.Time
	accountBackoffTill time.Time

	triggerCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// NewScheduler 创建调度器
func NewScheduler(
	logger *zap.Logger,
	cfg SchedulerConfig,
	client APIClient,
	tokens TokenSource,
	probe *Probe,
	normalizer *Normalizer,
	lim *limiter.Limiter,
	states *state.Manager,
	sink SampleSink,
) *Scheduler {
	return &Scheduler{
		logger:      logger,
		cfg:         cfg,
		client:      client,
		tokens:      tokens,
		probe:       probe,
		normalizer:  normalizer,
		limiter:     lim,
		states:      states,
		sink:        sink,
		inFlight:    make(map[key]bool),
		lastAttempt: make(map[string]time.Time),
		triggerCh:   make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Start 启动调度循环，重复调用无副作用
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	s.logger.Info("Scheduler started", zap.Duration("interval", s.cfg.Interval))
}

// Stop 停止调度并等待进行中的周期退出
// 停止后进行中请求的结果被丢弃，不再发布
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// TriggerNow 手动触发一次周期（外部同步请求）
// 周期进行中时记为待执行，结束后补跑
func (s *Scheduler) TriggerNow() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// AccountBackoffUntil 账户级限流窗口截止时间
func (s *Scheduler) AccountBackoffUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountBackoffTill
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// 启动即跑第一个周期
	s.tryStartCycle()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryStartCycle()
		case <-s.triggerCh:
			s.tryStartCycle()
		}
	}
}

// tryStartCycle 周期触发入口：上个周期未完成时跳过并登记补跑
// 停止后任何已就绪的触发都不再开启新周期
func (s *Scheduler) tryStartCycle() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.mu.Lock()
	if s.cycleInFlight {
		s.pendingCycle = true
		s.mu.Unlock()
		s.logger.Warn("Previous cycle still running, skipping tick")
		return
	}
	if s.now().Before(s.accountBackoffTill) {
		until := s.accountBackoffTill
		s.mu.Unlock()
		s.logger.Info("Account rate limit window active, skipping cycle", zap.Time("until", until))
		return
	}
	s.cycleInFlight = true
	cycle := s.cycle
	s.cycle++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runCycle(cycle)

		s.mu.Lock()
		s.cycleInFlight = false
		rerun := s.pendingCycle
		s.pendingCycle = false
		s.mu.Unlock()

		// 被跳过的触发只补跑一次
		if rerun {
			select {
			case <-s.stopCh:
			default:
				s.TriggerNow()
			}
		}
	}()
}

// runCycle 执行一个完整的轮询周期
func (s *Scheduler) runCycle(cycle uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 停止时取消周期内所有请求
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := s.now()
	s.logger.Debug("Poll cycle starting", zap.Uint64("cycle", cycle))

	accessToken, err := s.tokens.GetValidToken(ctx)
	if err != nil {
		s.logger.Warn("Cycle aborted, no valid token", zap.Error(err))
		return
	}

	// 车辆枚举按能力探测节奏进行
	if cycle%uint64(s.probe.probeEveryCycles) == 0 {
		if err := s.probe.SyncVehicles(ctx, accessToken); err != nil {
			if !s.handleAccountError(err) {
				s.logger.Error("Vehicle sync failed", zap.Error(err))
			}
			return
		}
	}

	sem := make(chan struct{}, s.cfg.FetchConcurrency)
	var cycleWg sync.WaitGroup

	for _, handle := range s.probe.Handles() {
		if ctx.Err() != nil {
			break
		}
		if !s.pollVehicle(ctx, cancel, cycle, accessToken, handle, sem, &cycleWg) {
			// 账户级错误，中止整个周期
			cancel()
			break
		}
	}

	cycleWg.Wait()
	s.logger.Debug("Poll cycle finished",
		zap.Uint64("cycle", cycle),
		zap.Duration("elapsed", s.now().Sub(start)))
}

// pollVehicle 处理单个车辆的探测与属性抓取
// 返回 false 表示遇到账户级错误，调用方应中止周期
func (s *Scheduler) pollVehicle(ctx context.Context, abort context.CancelFunc, cycle uint64, accessToken string, handle *models.VehicleHandle, sem chan struct{}, cycleWg *sync.WaitGroup) bool {
	machine := s.states.GetOrCreate(handle.VehicleID)

	// 降级车辆拉长有效间隔
	if machine.CurrentState() == state.StateDegraded && !s.degradedDue(handle.VehicleID) {
		return true
	}

	if machine.CanTransition(state.EventStartProbe) {
		_ = machine.Trigger(state.EventStartProbe)
	} else if machine.CurrentState() == state.StatePolling && s.probe.probeDue(handle.VehicleID, cycle) {
		// 到达探测节奏，健康车辆短暂回到 probing
		_ = machine.Trigger(state.EventReprobe)
	}
	force := machine.CurrentState() == state.StateProbing
	if err := s.probe.EnsureCapabilities(ctx, accessToken, handle.VehicleID, cycle, force); err != nil {
		if s.handleAccountError(err) {
			return false
		}
		s.logger.Warn("Capability probe failed",
			zap.String("vehicle_id", handle.VehicleID), zap.Error(err))
		return true
	}
	if machine.CanTransition(state.EventProbeDone) {
		_ = machine.Trigger(state.EventProbeDone)
	}

	s.mu.Lock()
	s.lastAttempt[handle.VehicleID] = s.now()
	s.mu.Unlock()

	for _, kind := range s.probe.Capabilities(handle.VehicleID) {
		if ctx.Err() != nil {
			return true
		}
		k := key{handle.VehicleID, kind}

		// 同一 车辆+属性 任一时刻最多一个在途请求
		s.mu.Lock()
		if s.inFlight[k] {
			s.mu.Unlock()
			continue
		}
		if !s.limiter.Admit(handle.VehicleID, kind) {
			s.mu.Unlock()
			continue
		}
		s.inFlight[k] = true
		s.mu.Unlock()

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			s.mu.Lock()
			delete(s.inFlight, k)
			s.mu.Unlock()
			return true
		}

		// 周期已被中止（账户级错误/停止）时不再发起新请求
		if ctx.Err() != nil {
			<-sem
			s.mu.Lock()
			delete(s.inFlight, k)
			s.mu.Unlock()
			return true
		}

		cycleWg.Add(1)
		go func(k key) {
			defer cycleWg.Done()
			defer func() {
				<-sem
				s.mu.Lock()
				delete(s.inFlight, k)
				s.mu.Unlock()
			}()
			s.fetchOne(ctx, abort, accessToken, k.vehicleID, k.kind)
		}(k)
	}
	return true
}

// fetchOne 抓取单个属性并走完 规范化→发布→结果记账 全流程
// 认证失败是账户级的，通过 abort 中止整个周期
func (s *Scheduler) fetchOne(ctx context.Context, abort context.CancelFunc, accessToken, vehicleID string, kind models.AttributeKind) {
	raw, err := s.client.FetchAttribute(ctx, accessToken, vehicleID, kind)
	outcome := s.classify(err)
	s.limiter.RecordResult(vehicleID, kind, outcome)

	switch outcome.Kind {
	case models.OutcomeSuccess:
		sample, nerr := s.normalizer.Normalize(vehicleID, kind, raw)
		if nerr != nil {
			if errors.Is(nerr, ErrPartialData) {
				// 端点本身响应正常，字段不全不计入车辆失败
				s.logger.Debug("Partial response, sample skipped",
					zap.String("vehicle_id", vehicleID),
					zap.String("kind", string(kind)),
					zap.Error(nerr))
				s.recordSuccess(vehicleID)
				return
			}
			s.logger.Warn("Normalization failed",
				zap.String("vehicle_id", vehicleID),
				zap.String("kind", string(kind)),
				zap.Error(nerr))
			s.recordFailure(vehicleID)
			return
		}
		s.recordSuccess(vehicleID)
		if sample == nil {
			return
		}
		// 停止期间不发布进行中请求的结果
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.sink.Publish(sample)

	case models.OutcomeNotFound:
		// 能力缓存过期，立即驱逐，下次按节奏重探后决定是否恢复
		s.probe.Evict(vehicleID, kind)

	case models.OutcomeAuthError:
		// 认证失败是账户级的：作废令牌并中止周期，
		// 剩余属性不再带着失效令牌逐个撞 401
		s.tokens.Invalidate()
		abort()
		s.logger.Warn("Attribute fetch unauthorized, cycle aborted",
			zap.String("vehicle_id", vehicleID),
			zap.String("kind", string(kind)))

	case models.OutcomeRateLimited, models.OutcomeServerError:
		s.recordFailure(vehicleID)
		s.logger.Debug("Attribute fetch failed",
			zap.String("vehicle_id", vehicleID),
			zap.String("kind", string(kind)),
			zap.String("outcome", string(outcome.Kind)),
			zap.Error(outcome.Err))
	}
}

// classify 把客户端错误映射为显式结果变体
func (s *Scheduler) classify(err error) models.FetchOutcome {
	if err == nil {
		return models.SuccessOutcome()
	}

	var rateErr *smartcar.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		return models.RateLimitedOutcome(rateErr.RetryAfter, err)
	case errors.Is(err, smartcar.ErrUnauthorized):
		return models.AuthErrorOutcome(err)
	case errors.Is(err, smartcar.ErrNotFound), errors.Is(err, smartcar.ErrCapabilityDenied):
		return models.NotFoundOutcome(err)
	default:
		// 服务端错误与网络错误同样按瞬时故障退避
		return models.ServerErrorOutcome(err)
	}
}

// handleAccountError 处理账户级错误（枚举/探测路径上的 401/429）
// 返回 true 表示已按账户级处理，周期应中止
func (s *Scheduler) handleAccountError(err error) bool {
	var rateErr *smartcar.RateLimitError
	if errors.As(err, &rateErr) {
		wait := rateErr.RetryAfter
		if wait <= 0 {
			wait = s.cfg.AccountRetryDefault
		}
		s.mu.Lock()
		s.accountBackoffTill = s.now().Add(wait)
		s.mu.Unlock()
		s.logger.Warn("Account level rate limit", zap.Duration("wait", wait))
		return true
	}
	if errors.Is(err, smartcar.ErrUnauthorized) {
		s.tokens.Invalidate()
		return true
	}
	return false
}

// recordSuccess 记一次车辆级成功，清零失败计数并解除降级
func (s *Scheduler) recordSuccess(vehicleID string) {
	machine, ok := s.states.Get(vehicleID)
	if !ok {
		return
	}
	machine.UpdateStatus(func(st *state.VehicleStatus) {
		st.LastSuccessAt = s.now()
		st.ConsecutiveFailures = 0
		st.EffectiveInterval = s.cfg.Interval
	})
	if machine.CanTransition(state.EventRecover) {
		_ = machine.Trigger(state.EventRecover)
		s.logger.Info("Vehicle recovered from degraded polling", zap.String("vehicle_id", vehicleID))
	}
}

// recordFailure 记一次车辆级失败，达到阈值后降级
func (s *Scheduler) recordFailure(vehicleID string) {
	machine, ok := s.states.Get(vehicleID)
	if !ok {
		return
	}
	var failures int
	machine.UpdateStatus(func(st *state.VehicleStatus) {
		st.ConsecutiveFailures++
		failures = st.ConsecutiveFailures
	})
	if failures >= s.cfg.DegradedThreshold && machine.CanTransition(state.EventDegrade) {
		_ = machine.Trigger(state.EventDegrade)
		machine.UpdateStatus(func(st *state.VehicleStatus) {
			st.EffectiveInterval = time.Duration(float64(s.cfg.Interval) * s.cfg.DegradedFactor)
		})
		s.logger.Warn("Vehicle degraded after consecutive failures",
			zap.String("vehicle_id", vehicleID),
			zap.Int("failures", failures))
	}
}

// degradedDue 判断降级车辆的拉长间隔是否已到
func (s *Scheduler) degradedDue(vehicleID string) bool {
	s.mu.Lock()
	last, ok := s.lastAttempt[vehicleID]
	s.mu.Unlock()
	if !ok {
		return true
	}
	effective := time.Duration(float64(s.cfg.Interval) * s.cfg.DegradedFactor)
	return !s.now().Before(last.Add(effective))
}
