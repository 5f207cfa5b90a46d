package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/carsync/internal/auth"
	"github.com/langchou/carsync/internal/models"
	"github.com/langchou/carsync/internal/state"
	"github.com/langchou/carsync/pkg/ws"
)

// 连接器健康状态
const (
	HealthConnected    = "connected"
	HealthDegraded     = "degraded"
	HealthUnauthorized = "unauthorized"
)

// SampleRepo 遥测采样持久化接口
type SampleRepo interface {
	SaveSample(ctx context.Context, sample *models.TelemetrySample) error
}

// Health 连接器健康快照
type Health struct {
	Status             string    `json:"status"`
	VehicleCount       int       `json:"vehicle_count"`
	AccountBackoffTill time.Time `json:"account_backoff_till,omitempty"`
}

// Connector 连接器门面
// 持有调度器与下游出口，负责启动/关闭的幂等编排：
// 新采样依次落库、广播到 WebSocket、分发给进程内订阅者
type Connector struct {
	logger    *zap.Logger
	scheduler *Scheduler
	probe     *Probe
	states    *state.Manager
	tokens    *auth.Store
	repo      SampleRepo // 可选
	hub       *ws.Hub    // 可选

	mu          sync.RWMutex
	started     bool
	stopped     bool
	subscribers []chan *models.TelemetrySample
	latest      map[key]*models.TelemetrySample
}

// NewConnector 创建连接器
func NewConnector(
	logger *zap.Logger,
	scheduler *Scheduler,
	probe *Probe,
	states *state.Manager,
	tokens *auth.Store,
	repo SampleRepo,
	hub *ws.Hub,
) *Connector {
	return &Connector{
		logger:    logger,
		scheduler: scheduler,
		probe:     probe,
		states:    states,
		tokens:    tokens,
		repo:      repo,
		hub:       hub,
		latest:    make(map[key]*models.TelemetrySample),
	}
}

// Start 启动连接器，重复调用无副作用
func (c *Connector) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if c.hub != nil {
		c.hub.SetInitDataProvider(c.initData)
		go c.hub.Run()
	}
	c.scheduler.Start()
	c.logger.Info("Connector started")
}

// Shutdown 关闭连接器，重复调用无副作用
// 等待进行中的周期退出，进行中请求的结果被丢弃
func (c *Connector) Shutdown() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	subs := c.subscribers
	c.subscribers = nil
	c.mu.Unlock()

	c.scheduler.Stop()
	if c.hub != nil {
		c.hub.Stop()
	}
	for _, ch := range subs {
		close(ch)
	}
	c.logger.Info("Connector shut down")
}

// TriggerSync 手动触发一次同步周期
func (c *Connector) TriggerSync() {
	c.scheduler.TriggerNow()
}

// Subscribe 订阅新采样
// 订阅者消费过慢时采样被丢弃，不阻塞发布方
func (c *Connector) Subscribe(buffer int) <-chan *models.TelemetrySample {
	ch := make(chan *models.TelemetrySample, buffer)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

// Publish 发布一条规范化采样到所有下游
func (c *Connector) Publish(sample *models.TelemetrySample) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.latest[key{sample.VehicleID, sample.Attribute}] = sample
	subs := c.subscribers
	c.mu.Unlock()

	if c.repo != nil {
		if err := c.repo.SaveSample(context.Background(), sample); err != nil {
			c.logger.Error("Failed to persist sample",
				zap.String("vehicle_id", sample.VehicleID),
				zap.String("attribute", string(sample.Attribute)),
				zap.Error(err))
		}
	}
	if c.hub != nil {
		c.hub.BroadcastTelemetry(sample)
	}
	for _, ch := range subs {
		select {
		case ch <- sample:
		default:
			c.logger.Warn("Dropped sample for slow subscriber",
				zap.String("vehicle_id", sample.VehicleID),
				zap.String("attribute", string(sample.Attribute)))
		}
	}
}

// Vehicles 当前已知车辆句柄
func (c *Connector) Vehicles() []*models.VehicleHandle {
	return c.probe.Handles()
}

// LatestTelemetry 车辆各属性的最新采样
func (c *Connector) LatestTelemetry(vehicleID string) []*models.TelemetrySample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var samples []*models.TelemetrySample
	for _, kind := range models.AllAttributeKinds {
		if s, ok := c.latest[key{vehicleID, kind}]; ok {
			samples = append(samples, s)
		}
	}
	return samples
}

// Statuses 所有车辆的轮询状态
func (c *Connector) Statuses() map[string]*state.VehicleStatus {
	return c.states.GetAllStatuses()
}

// Health 连接器健康状态
// unauthorized 优先于 degraded：凭证失效时轮询完全停摆
func (c *Connector) Health() Health {
	h := Health{
		Status:       HealthConnected,
		VehicleCount: len(c.probe.Handles()),
	}

	if c.tokens.State() == auth.StateUnauthorized {
		h.Status = HealthUnauthorized
		return h
	}

	if till := c.scheduler.AccountBackoffUntil(); time.Now().Before(till) {
		h.Status = HealthDegraded
		h.AccountBackoffTill = till
		return h
	}
	for _, st := range c.states.GetAllStatuses() {
		if st.CurrentState == state.StateDegraded {
			h.Status = HealthDegraded
			break
		}
	}
	return h
}

// initData 新 WebSocket 客户端的初始数据
func (c *Connector) initData() *ws.InitData {
	vehicles := c.probe.Handles()

	telemetry := make(map[string][]*models.TelemetrySample, len(vehicles))
	for _, v := range vehicles {
		telemetry[v.VehicleID] = c.LatestTelemetry(v.VehicleID)
	}

	return &ws.InitData{
		Vehicles:  vehicles,
		Telemetry: telemetry,
		Statuses:  c.states.GetAllStatuses(),
	}
}
