package smartcar

import (
	"errors"
	"fmt"
	"time"
)

// 错误定义
var (
	// ErrUnauthorized 访问令牌无效或过期 (401)
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidGrant refresh_token 被吊销或过期，刷新被拒绝
	ErrInvalidGrant = errors.New("invalid grant")
	// ErrCapabilityDenied 当前授权不允许访问该端点 (403)
	ErrCapabilityDenied = errors.New("capability denied")
	// ErrNotFound 车辆不支持该端点 (404)
	ErrNotFound = errors.New("not found")
	// ErrServer 远端服务错误 (5xx)
	ErrServer = errors.New("server error")
)

// RateLimitError 限流错误 (429)，RetryAfter 为 API 给出的重试提示，可能为 0
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// IsRateLimited 检查是否为限流错误
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
