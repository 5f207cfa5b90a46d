package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "4000", cfg.ServerPort)
	assert.Equal(t, 180*time.Second, cfg.Interval)
	assert.Equal(t, 4, cfg.FetchConcurrency)
	assert.Equal(t, 12, cfg.ProbeEveryCycles)
	assert.Equal(t, 30*time.Second, cfg.BackoffBase)
	assert.Equal(t, 15*time.Minute, cfg.BackoffMax)
	assert.Equal(t, 5*time.Minute, cfg.ServerErrorBackoffMax)
	assert.Equal(t, 15*time.Minute, cfg.AccountRetryDefault)
	assert.Equal(t, 5, cfg.DegradedThreshold)
	assert.Equal(t, 2.0, cfg.DegradedFactor)
	assert.Equal(t, time.Minute, cfg.TokenRefreshMargin)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("INTERVAL", "5m")
	t.Setenv("FETCH_CONCURRENCY", "8")
	t.Setenv("DEGRADED_FACTOR", "3.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, 8, cfg.FetchConcurrency)
	assert.Equal(t, 3.5, cfg.DegradedFactor)
}

func TestIntervalAcceptsPlainSeconds(t *testing.T) {
	t.Setenv("INTERVAL", "300")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, cfg.Interval)
}

func TestIntervalFloorEnforced(t *testing.T) {
	t.Setenv("INTERVAL", "30s")

	_, err := Load()
	assert.Error(t, err)
}

func TestInvalidConcurrencyRejected(t *testing.T) {
	t.Setenv("FETCH_CONCURRENCY", "0")

	_, err := Load()
	assert.Error(t, err)
}
