package smartcar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/carsync/internal/models"
)

// 属性类型到端点路径的映射
var endpointPaths = map[models.AttributeKind]string{
	models.KindOdometer:      "/odometer",
	models.KindBatteryLevel:  "/battery",
	models.KindFuelLevel:     "/fuel",
	models.KindChargingState: "/charge",
	models.KindLockState:     "/security",
	models.KindLocation:      "/location",
	models.KindTirePressure:  "/tires/pressure",
	models.KindEngineOil:     "/engine/oil",
}

// 权限名到属性类型的映射
var permissionKinds = map[string]models.AttributeKind{
	"read_odometer":   models.KindOdometer,
	"read_battery":    models.KindBatteryLevel,
	"read_fuel":       models.KindFuelLevel,
	"read_charge":     models.KindChargingState,
	"read_security":   models.KindLockState,
	"read_location":   models.KindLocation,
	"read_tires":      models.KindTirePressure,
	"read_engine_oil": models.KindEngineOil,
}

// Client Smartcar API 客户端
type Client struct {
	httpClient   *http.Client
	authHost     string
	apiHost      string
	clientID     string
	clientSecret string
	apiLogger    *zap.Logger // 原始 API 流量日志，独立级别
}

// NewClient 创建新的 Smartcar API 客户端
func NewClient(authHost, apiHost, clientID, clientSecret string, apiLogger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		authHost:     authHost,
		apiHost:      apiHost,
		clientID:     clientID,
		clientSecret: clientSecret,
		apiLogger:    apiLogger,
	}
}

// ExchangeRefreshToken 用 refresh_token 换取新令牌
// refresh_token 被吊销/过期时返回 ErrInvalidGrant
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token: %w", ErrInvalidGrant)
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, "POST", c.authHost+"/oauth/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	c.apiLogger.Debug("token exchange response",
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", body))

	switch {
	case resp.StatusCode == http.StatusOK:
		// 正常
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		// invalid_grant: refresh_token 已失效，需外部重新授权
		return nil, fmt.Errorf("token refresh rejected: status=%d body=%s: %w", resp.StatusCode, string(body), ErrInvalidGrant)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp)}
	default:
		return nil, fmt.Errorf("token refresh failed: status=%d body=%s: %w", resp.StatusCode, string(body), ErrServer)
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	if token.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	// 部分实现不回传新的 refresh_token，沿用旧的
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	return &token, nil
}

// ListVehicles 获取账户下所有车辆 ID
func (c *Client) ListVehicles(ctx context.Context, accessToken string) ([]string, error) {
	body, _, err := c.get(ctx, accessToken, "/vehicles")
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}

	var resp VehiclesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode vehicles: %w", err)
	}

	return resp.Vehicles, nil
}

// GetAttributes 获取车辆基础属性（品牌、型号、年份）
func (c *Client) GetAttributes(ctx context.Context, accessToken, vehicleID string) (*AttributesResponse, error) {
	body, _, err := c.get(ctx, accessToken, "/vehicles/"+vehicleID)
	if err != nil {
		return nil, fmt.Errorf("get attributes: %w", err)
	}

	var resp AttributesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}

	return &resp, nil
}

// GetVin 获取车辆 VIN
func (c *Client) GetVin(ctx context.Context, accessToken, vehicleID string) (string, error) {
	body, _, err := c.get(ctx, accessToken, "/vehicles/"+vehicleID+"/vin")
	if err != nil {
		return "", fmt.Errorf("get vin: %w", err)
	}

	var resp VinResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode vin: %w", err)
	}

	return resp.Vin, nil
}

// GetPermissions 获取车辆权限列表，转换为属性能力集合
func (c *Client) GetPermissions(ctx context.Context, accessToken, vehicleID string) (map[models.AttributeKind]bool, error) {
	body, _, err := c.get(ctx, accessToken, "/vehicles/"+vehicleID+"/permissions")
	if err != nil {
		return nil, fmt.Errorf("get permissions: %w", err)
	}

	var resp PermissionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}

	capabilities := make(map[models.AttributeKind]bool)
	for _, perm := range resp.Permissions {
		if kind, ok := permissionKinds[perm]; ok {
			capabilities[kind] = true
		}
	}

	return capabilities, nil
}

// FetchAttribute 请求单个属性端点，返回原始响应
func (c *Client) FetchAttribute(ctx context.Context, accessToken, vehicleID string, kind models.AttributeKind) (*RawResponse, error) {
	path, ok := endpointPaths[kind]
	if !ok {
		return nil, fmt.Errorf("unknown attribute kind %q: %w", kind, ErrNotFound)
	}

	body, meta, err := c.get(ctx, accessToken, "/vehicles/"+vehicleID+path)
	if err != nil {
		return nil, err
	}

	return &RawResponse{
		Body:      body,
		Meta:      meta,
		FetchedAt: time.Now(),
	}, nil
}

// get 执行带认证的 GET 请求并按状态码映射错误
func (c *Client) get(ctx context.Context, accessToken, path string) (json.RawMessage, Meta, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiHost+path, nil)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CarSync/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("%s: %w", path, ErrServer)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	c.apiLogger.Debug("api response",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", body))

	switch {
	case resp.StatusCode == http.StatusOK:
		// 正常
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, Meta{}, fmt.Errorf("%s: status=401: %w", path, ErrUnauthorized)
	case resp.StatusCode == http.StatusForbidden:
		return nil, Meta{}, fmt.Errorf("%s: status=403: %w", path, ErrCapabilityDenied)
	case resp.StatusCode == http.StatusNotFound:
		return nil, Meta{}, fmt.Errorf("%s: status=404: %w", path, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, Meta{}, &RateLimitError{RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, Meta{}, fmt.Errorf("%s: status=%d: %w", path, resp.StatusCode, ErrServer)
	default:
		return nil, Meta{}, fmt.Errorf("%s: status=%d body=%s: %w", path, resp.StatusCode, string(body), ErrServer)
	}

	meta := Meta{
		DataAge:    resp.Header.Get("SC-Data-Age"),
		UnitSystem: resp.Header.Get("SC-Unit-System"),
		RequestID:  resp.Header.Get("SC-Request-Id"),
	}

	return body, meta, nil
}

// parseRetryAfter 解析 Retry-After 响应头（秒数或 HTTP 日期）
func parseRetryAfter(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
