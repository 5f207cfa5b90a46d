package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/carsync/internal/api/smartcar"
	"github.com/langchou/carsync/internal/models"
)

// APIClient 远端 API 客户端接口
type APIClient interface {
	ListVehicles(ctx context.Context, accessToken string) ([]string, error)
	GetAttributes(ctx context.Context, accessToken, vehicleID string) (*smartcar.AttributesResponse, error)
	GetVin(ctx context.Context, accessToken, vehicleID string) (string, error)
	GetPermissions(ctx context.Context, accessToken, vehicleID string) (map[models.AttributeKind]bool, error)
	FetchAttribute(ctx context.Context, accessToken, vehicleID string, kind models.AttributeKind) (*smartcar.RawResponse, error)
}

// VehicleSaver 车辆句柄持久化接口
type VehicleSaver interface {
	UpsertVehicle(ctx context.Context, handle *models.VehicleHandle) error
	DeleteVehicle(ctx context.Context, vehicleID string) error
}

// Probe 车辆能力探测
// 能力集合按比遥测轮询更慢的周期刷新（能力极少变化），
// 属性请求返回能力级错误时立即驱逐该属性，直到下次重探
type Probe struct {
	logger *zap.Logger
	client APIClient
	saver  VehicleSaver // 可选

	probeEveryCycles uint64

	mu             sync.RWMutex
	handles        map[string]*models.VehicleHandle
	lastProbeCycle map[string]uint64

	now func() time.Time
}

// NewProbe 创建能力探测器
func NewProbe(logger *zap.Logger, client APIClient, saver VehicleSaver, probeEveryCycles int) *Probe {
	return &Probe{
		logger:           logger,
		client:           client,
		saver:            saver,
		probeEveryCycles: uint64(probeEveryCycles),
		handles:          make(map[string]*models.VehicleHandle),
		lastProbeCycle:   make(map[string]uint64),
		now:              time.Now,
	}
}

// Restore 从持久化恢复车辆句柄（启动时调用）
func (p *Probe) Restore(handles []*models.VehicleHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range handles {
		p.handles[h.VehicleID] = h.Clone()
	}
}

// SyncVehicles 同步账户车辆列表
// 新车辆创建句柄并补齐 VIN/基础属性，已解绑的车辆被移除
func (p *Probe) SyncVehicles(ctx context.Context, accessToken string) error {
	vehicleIDs, err := p.client.ListVehicles(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("sync vehicles: %w", err)
	}

	seen := make(map[string]bool, len(vehicleIDs))
	for _, id := range vehicleIDs {
		seen[id] = true

		p.mu.RLock()
		_, exists := p.handles[id]
		p.mu.RUnlock()
		if exists {
			continue
		}

		handle := &models.VehicleHandle{
			VehicleID:    id,
			Capabilities: make(map[models.AttributeKind]bool),
		}

		if vin, err := p.client.GetVin(ctx, accessToken, id); err != nil {
			p.logger.Warn("Failed to fetch vin for new vehicle", zap.String("vehicle_id", id), zap.Error(err))
		} else {
			handle.VIN = vin
		}
		if attrs, err := p.client.GetAttributes(ctx, accessToken, id); err != nil {
			p.logger.Warn("Failed to fetch attributes for new vehicle", zap.String("vehicle_id", id), zap.Error(err))
		} else {
			handle.Make = attrs.Make
			handle.Model = attrs.Model
			handle.Year = attrs.Year
		}

		p.mu.Lock()
		p.handles[id] = handle
		snapshot := handle.Clone()
		p.mu.Unlock()

		p.persist(ctx, snapshot)
		p.logger.Info("Discovered vehicle",
			zap.String("vehicle_id", id),
			zap.String("vin", handle.VIN),
			zap.String("make", handle.Make),
			zap.String("model", handle.Model))
	}

	// 移除已从账户解绑的车辆
	p.mu.Lock()
	var removed []string
	for id := range p.handles {
		if !seen[id] {
			removed = append(removed, id)
			delete(p.handles, id)
			delete(p.lastProbeCycle, id)
		}
	}
	p.mu.Unlock()

	for _, id := range removed {
		if p.saver != nil {
			if err := p.saver.DeleteVehicle(ctx, id); err != nil {
				p.logger.Error("Failed to delete vehicle", zap.String("vehicle_id", id), zap.Error(err))
			}
		}
		p.logger.Info("Vehicle removed from account", zap.String("vehicle_id", id))
	}

	return nil
}

// EnsureCapabilities 按周期刷新能力集合
// force 为 true（首次探测或能力级错误反馈后）时忽略周期直接重探
func (p *Probe) EnsureCapabilities(ctx context.Context, accessToken, vehicleID string, cycle uint64, force bool) error {
	p.mu.RLock()
	handle, ok := p.handles[vehicleID]
	lastCycle, probed := p.lastProbeCycle[vehicleID]
	p.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown vehicle %s", vehicleID)
	}
	if !force && probed && cycle-lastCycle < p.probeEveryCycles {
		return nil
	}

	capabilities, err := p.client.GetPermissions(ctx, accessToken, vehicleID)
	if err != nil {
		return fmt.Errorf("probe capabilities for %s: %w", vehicleID, err)
	}

	p.mu.Lock()
	handle.Capabilities = capabilities
	handle.LastProbedAt = p.now()
	p.lastProbeCycle[vehicleID] = cycle
	snapshot := handle.Clone()
	p.mu.Unlock()

	p.persist(ctx, snapshot)
	p.logger.Debug("Probed vehicle capabilities",
		zap.String("vehicle_id", vehicleID),
		zap.Int("capability_count", len(capabilities)))

	return nil
}

// probeDue 判断是否到达该车辆的探测节奏
func (p *Probe) probeDue(vehicleID string, cycle uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	lastCycle, probed := p.lastProbeCycle[vehicleID]
	return !probed || cycle-lastCycle >= p.probeEveryCycles
}

// Evict 从能力缓存中驱逐某属性
// 属性请求返回 404/403 时调用，该属性直到下次周期重探前不再被轮询
func (p *Probe) Evict(vehicleID string, kind models.AttributeKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle, ok := p.handles[vehicleID]
	if !ok || !handle.Capabilities[kind] {
		return
	}
	delete(handle.Capabilities, kind)

	p.logger.Info("Evicted capability until next probe",
		zap.String("vehicle_id", vehicleID),
		zap.String("kind", string(kind)))
}

// Handle 获取单个车辆句柄的深拷贝
// 内部句柄的能力集合会在探测/驱逐时被改写，对外只暴露副本
func (p *Probe) Handle(vehicleID string) (*models.VehicleHandle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h, ok := p.handles[vehicleID]
	if !ok {
		return nil, false
	}
	return h.Clone(), true
}

// Handles 获取所有车辆句柄的深拷贝
func (p *Probe) Handles() []*models.VehicleHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()

	handles := make([]*models.VehicleHandle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h.Clone())
	}
	return handles
}

// Capabilities 获取车辆当前能力列表的副本
func (p *Probe) Capabilities(vehicleID string) []models.AttributeKind {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if h, ok := p.handles[vehicleID]; ok {
		return h.CapabilityList()
	}
	return nil
}

func (p *Probe) persist(ctx context.Context, handle *models.VehicleHandle) {
	if p.saver == nil {
		return
	}
	if err := p.saver.UpsertVehicle(ctx, handle); err != nil {
		p.logger.Error("Failed to persist vehicle handle",
			zap.String("vehicle_id", handle.VehicleID), zap.Error(err))
	}
}
