package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineLifecycle(t *testing.T) {
	m := NewMachine("v1", nil)
	assert.Equal(t, StateIdle, m.CurrentState())

	// idle -> probing -> polling
	require.NoError(t, m.Trigger(EventStartProbe))
	assert.Equal(t, StateProbing, m.CurrentState())
	require.NoError(t, m.Trigger(EventProbeDone))
	assert.Equal(t, StatePolling, m.CurrentState())

	// polling -> degraded -> polling
	require.NoError(t, m.Trigger(EventDegrade))
	assert.Equal(t, StateDegraded, m.CurrentState())
	require.NoError(t, m.Trigger(EventRecover))
	assert.Equal(t, StatePolling, m.CurrentState())

	// 节奏重探：polling -> probing -> polling
	require.NoError(t, m.Trigger(EventReprobe))
	assert.Equal(t, StateProbing, m.CurrentState())
	require.NoError(t, m.Trigger(EventProbeDone))
	assert.Equal(t, StatePolling, m.CurrentState())
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	m := NewMachine("v1", nil)

	// idle 状态不能直接降级或重探
	assert.Error(t, m.Trigger(EventDegrade))
	assert.Error(t, m.Trigger(EventReprobe))
	assert.False(t, m.CanTransition(EventProbeDone))
	assert.True(t, m.CanTransition(EventStartProbe))
}

func TestMachineStateChangeCallback(t *testing.T) {
	var transitions [][2]string
	m := NewMachine("v1", func(vehicleID, from, to string) {
		transitions = append(transitions, [2]string{from, to})
	})

	require.NoError(t, m.Trigger(EventStartProbe))
	require.NoError(t, m.Trigger(EventProbeDone))

	require.Len(t, transitions, 2)
	assert.Equal(t, [2]string{StateIdle, StateProbing}, transitions[0])
	assert.Equal(t, [2]string{StateProbing, StatePolling}, transitions[1])
}

func TestMachineStatusSnapshot(t *testing.T) {
	m := NewMachine("v1", nil)

	now := time.Now()
	m.UpdateStatus(func(s *VehicleStatus) {
		s.LastSuccessAt = now
		s.ConsecutiveFailures = 3
		s.EffectiveInterval = 6 * time.Minute
	})

	status := m.GetStatus()
	assert.Equal(t, "v1", status.VehicleID)
	assert.Equal(t, StateIdle, status.CurrentState)
	assert.Equal(t, now, status.LastSuccessAt)
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, 6*time.Minute, status.EffectiveInterval)

	// 快照是副本，外部修改不影响内部状态
	status.ConsecutiveFailures = 99
	assert.Equal(t, 3, m.GetStatus().ConsecutiveFailures)
}

func TestManager(t *testing.T) {
	mgr := NewManager(nil)

	m1 := mgr.GetOrCreate("v1")
	assert.Same(t, m1, mgr.GetOrCreate("v1"))

	mgr.GetOrCreate("v2")
	assert.Len(t, mgr.GetAllStatuses(), 2)

	mgr.Remove("v1")
	_, ok := mgr.Get("v1")
	assert.False(t, ok)
	assert.Len(t, mgr.GetAllStatuses(), 1)
}
