package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/langchou/carsync/internal/api/smartcar"
	"github.com/langchou/carsync/internal/models"
)

// key 按 车辆+属性 维度索引
type key struct {
	vehicleID string
	kind      models.AttributeKind
}

// ErrPartialData 响应解析成功但所需字段不全
// 与瞬时故障区分：不产生采样，也不计入车辆失败
var ErrPartialData = errors.New("partial data")

// Normalizer 原始响应规范化
// 把各属性端点的原始 JSON 转换为统一的 TelemetrySample：
// 统一单位（km/kPa/percent）、补齐测量时间、抑制无变化采样
type Normalizer struct {
	logger *zap.Logger

	mu         sync.Mutex
	lastValues map[key]models.TelemetryValue
}

// NewNormalizer 创建规范化器
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{
		logger:     logger,
		lastValues: make(map[key]models.TelemetryValue),
	}
}

// Normalize 规范化一次属性响应
// 返回 (nil, nil) 表示值与上次相同被抑制；
// 所需字段不全时返回包装了 ErrPartialData 的错误
func (n *Normalizer) Normalize(vehicleID string, kind models.AttributeKind, raw *smartcar.RawResponse) (*models.TelemetrySample, error) {
	value, unit, err := n.decode(kind, raw)
	if err != nil {
		return nil, err
	}

	// 无变化抑制：值与上次相同时不产生新采样
	k := key{vehicleID, kind}
	n.mu.Lock()
	if last, ok := n.lastValues[k]; ok && last.Equal(value) {
		n.mu.Unlock()
		n.logger.Debug("Suppressed unchanged sample",
			zap.String("vehicle_id", vehicleID),
			zap.String("kind", string(kind)))
		return nil, nil
	}
	n.lastValues[k] = value
	n.mu.Unlock()

	// 测量时间缺失时回退到抓取时间，且不允许晚于抓取时间
	measuredAt := raw.Meta.MeasuredAt()
	if measuredAt.IsZero() || measuredAt.After(raw.FetchedAt) {
		measuredAt = raw.FetchedAt
	}

	return &models.TelemetrySample{
		VehicleID:  vehicleID,
		Attribute:  kind,
		Value:      value,
		Unit:       unit,
		MeasuredAt: measuredAt,
		FetchedAt:  raw.FetchedAt,
	}, nil
}

// Reset 清除车辆的无变化抑制基线（车辆解绑时调用）
func (n *Normalizer) Reset(vehicleID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for k := range n.lastValues {
		if k.vehicleID == vehicleID {
			delete(n.lastValues, k)
		}
	}
}

// decode 按属性类型解码原始响应体
func (n *Normalizer) decode(kind models.AttributeKind, raw *smartcar.RawResponse) (models.TelemetryValue, string, error) {
	imperial := strings.EqualFold(raw.Meta.UnitSystem, "imperial")

	switch kind {
	case models.KindOdometer:
		var body smartcar.Odometer
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return models.TelemetryValue{}, "", fmt.Errorf("decode odometer: %w", err)
		}
		if body.Distance == nil {
			return models.TelemetryValue{}, "", fmt.Errorf("odometer response missing distance: %w", ErrPartialData)
		}
		distance := *body.Distance
		if imperial {
			distance = smartcar.MilesToKm(distance)
		}
		return models.NumberValue(distance), models.UnitKilometers, nil

	case models.KindBatteryLevel:
		var body smartcar.Battery
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return models.TelemetryValue{}, "", fmt.Errorf("decode battery: %w", err)
		}
		if body.PercentRemaining == nil {
			return models.TelemetryValue{}, "", fmt.Errorf("battery response missing percentRemaining: %w", ErrPartialData)
		}
		return models.NumberValue(smartcar.RatioToPercent(*body.PercentRemaining)), models.UnitPercent, nil

	case models.KindFuelLevel:
		var body smartcar.Fuel
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return models.TelemetryValue{}, "", fmt.Errorf("decode fuel: %w", err)
		}
		if body.PercentRemaining == nil {
			return models.TelemetryValue{}, "", fmt.Errorf("fuel response missing percentRemaining: %w", ErrPartialData)
		}
		return models.NumberValue(smartcar.RatioToPercent(*body.PercentRemaining)), models.UnitPercent, nil

	case models.KindChargingState:
		var body smartcar.Charge
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return models.TelemetryValue{}, "", fmt.Errorf("decode charge: %w", err)
		}
		if body.State == "" {
			return models.TelemetryValue{}, "", fmt.Errorf("charge response missing state: %w", ErrPartialData)
		}
		return models.TextValue(body.State), models.UnitNone, nil

	case models.KindLockState:
		var body smartcar.Security
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return models.TelemetryValue{}, "", fmt.Errorf("decode security: %w", err)
		}
		if body.IsLocked == nil {
			return models.TelemetryValue{}, "", fmt.Errorf("security response missing isLocked: %w", ErrPartialData)
		}
		return models.BoolValue(*body.IsLocked), models.UnitNone, nil

	case models.KindLocation:
		var body smartcar.Location
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return models.TelemetryValue{}, "", fmt.Errorf("decode location: %w", err)
		}
		if body.Latitude == nil || body.Longitude == nil {
			return models.TelemetryValue{}, "", fmt.Errorf("location response missing coordinates: %w", ErrPartialData)
		}
		return models.GeoValue(*body.Latitude, *body.Longitude), models.UnitNone, nil

	case models.KindTirePressure:
		var body smartcar.TirePressure
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return models.TelemetryValue{}, "", fmt.Errorf("decode tire pressure: %w", err)
		}
		// 四轮数据须齐全才产生采样
		corners := []*float64{body.FrontLeft, body.FrontRight, body.BackLeft, body.BackRight}
		pressures := make([]float64, 0, 4)
		for _, c := range corners {
			if c == nil {
				return models.TelemetryValue{}, "", fmt.Errorf("tire pressure response incomplete: %w", ErrPartialData)
			}
			p := *c
			if imperial {
				p = smartcar.PsiToKpa(p)
			}
			pressures = append(pressures, p)
		}
		return models.NumberSetValue(pressures...), models.UnitKilopascal, nil

	case models.KindEngineOil:
		var body smartcar.EngineOil
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return models.TelemetryValue{}, "", fmt.Errorf("decode engine oil: %w", err)
		}
		if body.LifeRemaining == nil {
			return models.TelemetryValue{}, "", fmt.Errorf("engine oil response missing lifeRemaining: %w", ErrPartialData)
		}
		return models.NumberValue(smartcar.RatioToPercent(*body.LifeRemaining)), models.UnitPercent, nil
	}

	return models.TelemetryValue{}, "", fmt.Errorf("unsupported attribute kind %s", kind)
}
