package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 车辆轮询状态常量
const (
	StateIdle     = "idle"
	StateProbing  = "probing"
	StatePolling  = "polling"
	StateDegraded = "degraded"
)

// 事件常量
const (
	EventStartProbe = "start_probe"
	EventProbeDone  = "probe_done"
	EventDegrade    = "degrade"
	EventRecover    = "recover"
	EventReprobe    = "reprobe"
)

// VehicleStatus 车辆轮询状态快照
type VehicleStatus struct {
	VehicleID           string        `json:"vehicle_id"`
	CurrentState        string        `json:"state"`
	Since               time.Time     `json:"since"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	EffectiveInterval   time.Duration `json:"effective_interval"`
}

// Machine 车辆轮询状态机
type Machine struct {
	mu            sync.RWMutex
	vehicleID     string
	fsm           *fsm.FSM
	status        *VehicleStatus
	onStateChange func(vehicleID string, from, to string)
}

// NewMachine 创建状态机
// 新发现的车辆从 idle 开始，首次能力探测完成后进入 polling 稳态；
// 连续失败超过阈值进入 degraded，成功一次即恢复
func NewMachine(vehicleID string, onStateChange func(vehicleID string, from, to string)) *Machine {
	m := &Machine{
		vehicleID:     vehicleID,
		onStateChange: onStateChange,
		status: &VehicleStatus{
			VehicleID:    vehicleID,
			CurrentState: StateIdle,
			Since:        time.Now(),
		},
	}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			// 首次探测
			{Name: EventStartProbe, Src: []string{StateIdle}, Dst: StateProbing},
			{Name: EventProbeDone, Src: []string{StateProbing}, Dst: StatePolling},

			// 周期性能力重探
			{Name: EventReprobe, Src: []string{StatePolling, StateDegraded}, Dst: StateProbing},

			// 降级与恢复
			{Name: EventDegrade, Src: []string{StatePolling}, Dst: StateDegraded},
			{Name: EventRecover, Src: []string{StateDegraded}, Dst: StatePolling},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.vehicleID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// GetStatus 获取完整状态快照
func (m *Machine) GetStatus() *VehicleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statusCopy := *m.status
	statusCopy.CurrentState = m.fsm.Current()
	return &statusCopy
}

// UpdateStatus 更新状态数据
func (m *Machine) UpdateStatus(update func(s *VehicleStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update(m.status)
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.status.CurrentState = m.fsm.Current()
	m.status.Since = time.Now()
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// Manager 状态机管理器
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(vehicleID string, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(vehicleID string, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(vehicleID string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[vehicleID]; ok {
		return machine
	}

	machine := NewMachine(vehicleID, m.onChange)
	m.machines[vehicleID] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(vehicleID string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[vehicleID]
	return machine, ok
}

// Remove 移除状态机（车辆从账户解绑时）
func (m *Manager) Remove(vehicleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.machines, vehicleID)
}

// GetAllStatuses 获取所有车辆状态
func (m *Manager) GetAllStatuses() map[string]*VehicleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]*VehicleStatus)
	for vehicleID, machine := range m.machines {
		statuses[vehicleID] = machine.GetStatus()
	}
	return statuses
}
