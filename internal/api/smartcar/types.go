package smartcar

import (
	"encoding/json"
	"time"
)

// Token 认证令牌
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
}

// Meta 响应元数据
// DataAge 是远端自己的测量时间，UnitSystem 标记原始单位制
type Meta struct {
	DataAge    string `json:"dataAge,omitempty"`
	UnitSystem string `json:"unitSystem,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

// MeasuredAt 解析远端测量时间，解析失败返回零值
func (m *Meta) MeasuredAt() time.Time {
	if m == nil || m.DataAge == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, m.DataAge)
	if err != nil {
		return time.Time{}
	}
	return t
}

// VehiclesResponse /vehicles 响应
type VehiclesResponse struct {
	Vehicles []string `json:"vehicles"`
	Paging   *Paging  `json:"paging,omitempty"`
}

// Paging 分页信息
type Paging struct {
	Count  int `json:"count"`
	Offset int `json:"offset"`
}

// AttributesResponse / 车辆属性响应
type AttributesResponse struct {
	ID    string `json:"id"`
	Make  string `json:"make"`
	Model string `json:"model"`
	Year  int    `json:"year"`
}

// VinResponse /vin 响应
type VinResponse struct {
	Vin string `json:"vin"`
}

// PermissionsResponse /permissions 响应
type PermissionsResponse struct {
	Permissions []string `json:"permissions"`
	Paging      *Paging  `json:"paging,omitempty"`
}

// Odometer /odometer 响应
type Odometer struct {
	Distance *float64 `json:"distance"`
}

// Battery /battery 响应，percentRemaining 为 0-1
type Battery struct {
	PercentRemaining *float64 `json:"percentRemaining"`
	Range            *float64 `json:"range"`
}

// Fuel /fuel 响应
type Fuel struct {
	PercentRemaining *float64 `json:"percentRemaining"`
	AmountRemaining  *float64 `json:"amountRemaining"`
	Range            *float64 `json:"range"`
}

// Charge /charge 响应
// State 取值: CHARGING, FULLY_CHARGED, NOT_CHARGING
type Charge struct {
	IsPluggedIn *bool  `json:"isPluggedIn"`
	State       string `json:"state"`
}

// Security /security 响应
type Security struct {
	IsLocked *bool `json:"isLocked"`
}

// Location /location 响应
type Location struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// TirePressure /tires/pressure 响应，单位 kPa（metric）
type TirePressure struct {
	FrontLeft  *float64 `json:"frontLeft"`
	FrontRight *float64 `json:"frontRight"`
	BackLeft   *float64 `json:"backLeft"`
	BackRight  *float64 `json:"backRight"`
}

// EngineOil /engine/oil 响应，lifeRemaining 为 0-1
type EngineOil struct {
	LifeRemaining *float64 `json:"lifeRemaining"`
}

// RawResponse 一次属性端点请求的原始结果
// Body 保留完整响应体，未识别字段不会被丢弃
type RawResponse struct {
	Body      json.RawMessage
	Meta      Meta
	FetchedAt time.Time
}

// 单位换算

// MilesToKm 英里转公里
func MilesToKm(miles float64) float64 {
	return miles * 1.60934
}

// PsiToKpa 磅/平方英寸转千帕
func PsiToKpa(psi float64) float64 {
	return psi * 6.89476
}

// RatioToPercent 0-1 比例转百分比
func RatioToPercent(ratio float64) float64 {
	return ratio * 100
}
