package models

import "time"

// AttributeKind 遥测属性类型
type AttributeKind string

const (
	KindOdometer      AttributeKind = "odometer"
	KindBatteryLevel  AttributeKind = "battery_level"
	KindFuelLevel     AttributeKind = "fuel_level"
	KindChargingState AttributeKind = "charging_state"
	KindLockState     AttributeKind = "lock_state"
	KindLocation      AttributeKind = "location"
	KindTirePressure  AttributeKind = "tire_pressure"
	KindEngineOil     AttributeKind = "engine_oil"
)

// AllAttributeKinds 所有支持的属性类型
var AllAttributeKinds = []AttributeKind{
	KindOdometer,
	KindBatteryLevel,
	KindFuelLevel,
	KindChargingState,
	KindLockState,
	KindLocation,
	KindTirePressure,
	KindEngineOil,
}

// 规范化单位
const (
	UnitKilometers = "km"
	UnitPercent    = "percent"
	UnitKilopascal = "kPa"
	UnitNone       = ""
)

// VehicleHandle 远端车辆句柄
// CapabilitySet 由 /permissions 探测得出，按配置的周期刷新
type VehicleHandle struct {
	VehicleID    string                 `json:"vehicle_id"`
	VIN          string                 `json:"vin"`
	Make         string                 `json:"make"`
	Model        string                 `json:"model"`
	Year         int                    `json:"year"`
	Capabilities map[AttributeKind]bool `json:"capabilities"`
	LastProbedAt time.Time              `json:"last_probed_at"`
}

// Clone 返回句柄的深拷贝，能力集合与原句柄相互独立
func (v *VehicleHandle) Clone() *VehicleHandle {
	c := *v
	c.Capabilities = make(map[AttributeKind]bool, len(v.Capabilities))
	for kind, ok := range v.Capabilities {
		c.Capabilities[kind] = ok
	}
	return &c
}

// HasCapability 检查车辆是否支持某属性
func (v *VehicleHandle) HasCapability(kind AttributeKind) bool {
	return v.Capabilities[kind]
}

// CapabilityList 返回排序稳定的能力列表（按 AllAttributeKinds 顺序）
func (v *VehicleHandle) CapabilityList() []AttributeKind {
	var kinds []AttributeKind
	for _, kind := range AllAttributeKinds {
		if v.Capabilities[kind] {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// ValueType 遥测值类型
type ValueType string

const (
	ValueNumber    ValueType = "number"
	ValueNumberSet ValueType = "number_set"
	ValueBool      ValueType = "bool"
	ValueText      ValueType = "text"
	ValueGeo       ValueType = "geo"
)

// TelemetryValue 带类型标签的遥测值
// NumberSet 用于多分量属性（如四轮胎压 FL/FR/RL/RR）
type TelemetryValue struct {
	Type      ValueType `json:"type"`
	Number    float64   `json:"number,omitempty"`
	Numbers   []float64 `json:"numbers,omitempty"`
	Bool      bool      `json:"bool,omitempty"`
	Text      string    `json:"text,omitempty"`
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
}

// NumberValue 创建数值
func NumberValue(v float64) TelemetryValue {
	return TelemetryValue{Type: ValueNumber, Number: v}
}

// BoolValue 创建布尔值
func BoolValue(v bool) TelemetryValue {
	return TelemetryValue{Type: ValueBool, Bool: v}
}

// NumberSetValue 创建多分量数值
func NumberSetValue(vs ...float64) TelemetryValue {
	return TelemetryValue{Type: ValueNumberSet, Numbers: vs}
}

// TextValue 创建文本值
func TextValue(v string) TelemetryValue {
	return TelemetryValue{Type: ValueText, Text: v}
}

// GeoValue 创建坐标值
func GeoValue(lat, lon float64) TelemetryValue {
	return TelemetryValue{Type: ValueGeo, Latitude: lat, Longitude: lon}
}

// Equal 比较两个遥测值是否相等（用于无变化抑制）
func (v TelemetryValue) Equal(o TelemetryValue) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case ValueNumber:
		return v.Number == o.Number
	case ValueNumberSet:
		if len(v.Numbers) != len(o.Numbers) {
			return false
		}
		for i := range v.Numbers {
			if v.Numbers[i] != o.Numbers[i] {
				return false
			}
		}
		return true
	case ValueBool:
		return v.Bool == o.Bool
	case ValueText:
		return v.Text == o.Text
	case ValueGeo:
		return v.Latitude == o.Latitude && v.Longitude == o.Longitude
	}
	return false
}

// TelemetrySample 一次规范化后的遥测采样，创建后不可变
// MeasuredAt 取远端提供的测量时间，缺失时回退到 FetchedAt，
// 且永远不会晚于 FetchedAt
type TelemetrySample struct {
	VehicleID  string         `json:"vehicle_id"`
	Attribute  AttributeKind  `json:"attribute"`
	Value      TelemetryValue `json:"value"`
	Unit       string         `json:"unit"`
	MeasuredAt time.Time      `json:"measured_at"`
	FetchedAt  time.Time      `json:"fetched_at"`
}
