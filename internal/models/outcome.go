package models

import "time"

// OutcomeKind 请求结果类型
// 速率限制/服务端错误等通过显式结果变体传递给调度器决策，
// 不作为异常控制流使用
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeRateLimited OutcomeKind = "rate_limited"
	OutcomeServerError OutcomeKind = "server_error"
	OutcomeNotFound    OutcomeKind = "not_found"
	OutcomeAuthError   OutcomeKind = "auth_error"
)

// FetchOutcome 一次属性请求的结果
type FetchOutcome struct {
	Kind OutcomeKind
	// RetryAfter 仅在 rate_limited 且 API 给出提示时非零
	RetryAfter time.Duration
	Err        error
}

// SuccessOutcome 成功结果
func SuccessOutcome() FetchOutcome {
	return FetchOutcome{Kind: OutcomeSuccess}
}

// RateLimitedOutcome 被限流结果
func RateLimitedOutcome(retryAfter time.Duration, err error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeRateLimited, RetryAfter: retryAfter, Err: err}
}

// ServerErrorOutcome 服务端错误结果
func ServerErrorOutcome(err error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeServerError, Err: err}
}

// NotFoundOutcome 能力不支持结果
func NotFoundOutcome(err error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeNotFound, Err: err}
}

// AuthErrorOutcome 认证失败结果
func AuthErrorOutcome(err error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeAuthError, Err: err}
}
