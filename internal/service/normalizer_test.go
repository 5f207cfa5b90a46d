package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/carsync/internal/api/smartcar"
	"github.com/langchou/carsync/internal/models"
)

func rawResponse(body string, meta smartcar.Meta, fetchedAt time.Time) *smartcar.RawResponse {
	return &smartcar.RawResponse{
		Body:      json.RawMessage(body),
		Meta:      meta,
		FetchedAt: fetchedAt,
	}
}

func TestNormalizeOdometerMetric(t *testing.T) {
	n := NewNormalizer(zap.NewNop())
	fetched := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	sample, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":1042.5}`, smartcar.Meta{UnitSystem: "metric"}, fetched))
	require.NoError(t, err)
	require.NotNil(t, sample)

	assert.Equal(t, models.NumberValue(1042.5), sample.Value)
	assert.Equal(t, models.UnitKilometers, sample.Unit)
	assert.Equal(t, fetched, sample.FetchedAt)
}

func TestNormalizeOdometerImperial(t *testing.T) {
	n := NewNormalizer(zap.NewNop())
	fetched := time.Now()

	sample, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":100}`, smartcar.Meta{UnitSystem: "imperial"}, fetched))
	require.NoError(t, err)

	assert.InDelta(t, 160.934, sample.Value.Number, 0.001)
	assert.Equal(t, models.UnitKilometers, sample.Unit)
}

func TestNormalizeBatteryRatioToPercent(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	sample, err := n.Normalize("v1", models.KindBatteryLevel,
		rawResponse(`{"percentRemaining":0.72,"range":310}`, smartcar.Meta{}, time.Now()))
	require.NoError(t, err)

	assert.InDelta(t, 72.0, sample.Value.Number, 0.0001)
	assert.Equal(t, models.UnitPercent, sample.Unit)
}

func TestNormalizeTirePressureImperial(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	sample, err := n.Normalize("v1", models.KindTirePressure,
		rawResponse(`{"frontLeft":32,"frontRight":32,"backLeft":33,"backRight":33}`,
			smartcar.Meta{UnitSystem: "imperial"}, time.Now()))
	require.NoError(t, err)

	require.Equal(t, models.ValueNumberSet, sample.Value.Type)
	require.Len(t, sample.Value.Numbers, 4)
	assert.InDelta(t, 220.632, sample.Value.Numbers[0], 0.01)
	assert.Equal(t, models.UnitKilopascal, sample.Unit)
}

func TestNormalizeTirePressureIncomplete(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	// 缺少任一轮不产生采样，且归类为字段不全而非故障
	_, err := n.Normalize("v1", models.KindTirePressure,
		rawResponse(`{"frontLeft":32,"frontRight":32,"backLeft":33}`, smartcar.Meta{}, time.Now()))
	assert.ErrorIs(t, err, ErrPartialData)
}

func TestNormalizeChargingAndLockState(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	charge, err := n.Normalize("v1", models.KindChargingState,
		rawResponse(`{"isPluggedIn":true,"state":"CHARGING"}`, smartcar.Meta{}, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, models.TextValue("CHARGING"), charge.Value)

	lock, err := n.Normalize("v1", models.KindLockState,
		rawResponse(`{"isLocked":true}`, smartcar.Meta{}, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, models.BoolValue(true), lock.Value)
}

func TestNormalizeLocation(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	sample, err := n.Normalize("v1", models.KindLocation,
		rawResponse(`{"latitude":37.4292,"longitude":-122.1381}`, smartcar.Meta{}, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, models.GeoValue(37.4292, -122.1381), sample.Value)
	assert.Equal(t, models.UnitNone, sample.Unit)
}

func TestNormalizeMissingField(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	_, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{}`, smartcar.Meta{}, time.Now()))
	assert.ErrorIs(t, err, ErrPartialData)
}

func TestNormalizeMalformedBodyIsNotPartialData(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	// 响应体损坏是故障，不归类为字段不全
	_, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":`, smartcar.Meta{}, time.Now()))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartialData)
}

func TestMeasuredAtFromDataAge(t *testing.T) {
	n := NewNormalizer(zap.NewNop())
	fetched := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	sample, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":10}`,
			smartcar.Meta{DataAge: "2026-08-23T11:55:00Z"}, fetched))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 8, 23, 11, 55, 0, 0, time.UTC), sample.MeasuredAt)
}

func TestMeasuredAtFallsBackAndClamps(t *testing.T) {
	n := NewNormalizer(zap.NewNop())
	fetched := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	// 缺失时回退到抓取时间
	sample, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":10}`, smartcar.Meta{}, fetched))
	require.NoError(t, err)
	assert.Equal(t, fetched, sample.MeasuredAt)

	// 测量时间晚于抓取时间时钳制到抓取时间
	n2 := NewNormalizer(zap.NewNop())
	sample, err = n2.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":10}`,
			smartcar.Meta{DataAge: "2026-08-23T12:05:00Z"}, fetched))
	require.NoError(t, err)
	assert.Equal(t, fetched, sample.MeasuredAt)
}

func TestUnchangedValueSuppressed(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	first, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":100}`, smartcar.Meta{}, time.Now()))
	require.NoError(t, err)
	require.NotNil(t, first)

	// 相同值被抑制
	second, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":100}`, smartcar.Meta{}, time.Now()))
	require.NoError(t, err)
	assert.Nil(t, second)

	// 值变化后恢复产出
	third, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":101}`, smartcar.Meta{}, time.Now()))
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, 101.0, third.Value.Number)
}

func TestSuppressionIsolatedPerVehicle(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	first, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":100}`, smartcar.Meta{}, time.Now()))
	require.NoError(t, err)
	require.NotNil(t, first)

	// 另一台车的相同值不受影响
	other, err := n.Normalize("v2", models.KindOdometer,
		rawResponse(`{"distance":100}`, smartcar.Meta{}, time.Now()))
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestResetClearsSuppressionBaseline(t *testing.T) {
	n := NewNormalizer(zap.NewNop())

	_, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":100}`, smartcar.Meta{}, time.Now()))
	require.NoError(t, err)

	n.Reset("v1")

	sample, err := n.Normalize("v1", models.KindOdometer,
		rawResponse(`{"distance":100}`, smartcar.Meta{}, time.Now()))
	require.NoError(t, err)
	assert.NotNil(t, sample)
}
