package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/carsync/internal/api/smartcar"
)

// 令牌状态
const (
	StateValid        = "valid"
	StateRefreshing   = "refreshing"
	StateUnauthorized = "unauthorized"
)

// ErrUnauthorized 刷新被拒绝后的终态错误，需外部重新提供凭证
var ErrUnauthorized = errors.New("token store unauthorized, credentials must be re-provisioned")

// Exchanger 令牌刷新接口
type Exchanger interface {
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*smartcar.Token, error)
}

// Persister 令牌持久化接口，刷新成功后保存新凭证
type Persister interface {
	SaveToken(ctx context.Context, token *smartcar.Token) error
}

// Store 令牌存储
// 刷新是单飞的：刷新进行中时并发的 GetValidToken 共享同一次
// 刷新结果，不会触发重复交换。refresh_token 只在本包内部流转
type Store struct {
	logger    *zap.Logger
	exchanger Exchanger
	persister Persister // 可选
	margin    time.Duration

	mu          sync.Mutex
	token       *smartcar.Token
	state       string
	refreshDone chan struct{} // 刷新完成时关闭
	refreshErr  error         // 最近一次刷新的瞬时错误

	now func() time.Time
}

// NewStore 创建令牌存储
// margin 为过期安全余量，令牌在 expires_at - margin 之后视为过期
func NewStore(logger *zap.Logger, exchanger Exchanger, persister Persister, margin time.Duration) *Store {
	return &Store{
		logger:    logger,
		exchanger: exchanger,
		persister: persister,
		margin:    margin,
		state:     StateValid,
		now:       time.Now,
	}
}

// SetToken 设置令牌（启动加载或外部重新授权）
// 从 unauthorized 终态恢复的唯一途径
func (s *Store) SetToken(token *smartcar.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.state = StateValid
	s.refreshErr = nil
	s.logger.Info("Token set", zap.Time("expires_at", token.ExpiresAt))

	if s.persister != nil {
		if err := s.persister.SaveToken(context.Background(), token); err != nil {
			s.logger.Error("Failed to persist provisioned token", zap.Error(err))
		}
	}
}

// State 当前状态
func (s *Store) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Invalidate 标记当前 access_token 失效（远端返回 401 时由调度器调用）
// 下一次 GetValidToken 会触发刷新
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != nil && s.state == StateValid {
		s.token.ExpiresAt = time.Time{}
		s.logger.Info("Access token invalidated, will refresh on next acquisition")
	}
}

// GetValidToken 获取有效的 access_token
// 已过期时阻塞等待刷新完成；处于 unauthorized 终态时立即返回 ErrUnauthorized
func (s *Store) GetValidToken(ctx context.Context) (string, error) {
	s.mu.Lock()

	for {
		switch {
		case s.state == StateUnauthorized:
			s.mu.Unlock()
			return "", ErrUnauthorized

		case s.token == nil:
			s.mu.Unlock()
			return "", fmt.Errorf("no token provisioned: %w", ErrUnauthorized)

		case s.tokenUsable():
			accessToken := s.token.AccessToken
			s.mu.Unlock()
			return accessToken, nil

		case s.state == StateRefreshing:
			// 等待进行中的刷新，共享其结果
			done := s.refreshDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			s.mu.Lock()
			// 刷新后令牌仍不可用且非终态，说明是瞬时失败
			if s.state == StateValid && !s.tokenUsable() && s.refreshErr != nil {
				err := s.refreshErr
				s.mu.Unlock()
				return "", err
			}

		default:
			// 发起刷新
			return s.refresh(ctx)
		}
	}
}

// tokenUsable 检查令牌是否在安全余量内可用，调用方须持锁
func (s *Store) tokenUsable() bool {
	return s.token != nil && s.token.AccessToken != "" && s.now().Before(s.token.ExpiresAt.Add(-s.margin))
}

// refresh 执行单飞刷新，进入时持锁，返回时已解锁
func (s *Store) refresh(ctx context.Context) (string, error) {
	s.state = StateRefreshing
	done := make(chan struct{})
	s.refreshDone = done
	s.refreshErr = nil
	refreshToken := s.token.RefreshToken
	s.mu.Unlock()

	s.logger.Debug("Refreshing access token")
	token, err := s.exchanger.ExchangeRefreshToken(ctx, refreshToken)

	s.mu.Lock()
	defer func() {
		close(done)
		s.mu.Unlock()
	}()

	if err != nil {
		if errors.Is(err, smartcar.ErrInvalidGrant) {
			// refresh_token 被吊销/过期，进入终态
			s.state = StateUnauthorized
			s.logger.Error("Token refresh rejected, entering unauthorized state", zap.Error(err))
			return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		// 瞬时失败：保留旧令牌，下次重试
		s.state = StateValid
		s.refreshErr = fmt.Errorf("token refresh: %w", err)
		s.logger.Warn("Token refresh failed transiently", zap.Error(err))
		return "", s.refreshErr
	}

	s.token = token
	s.state = StateValid
	s.logger.Info("Token refreshed", zap.Time("expires_at", token.ExpiresAt))

	if s.persister != nil {
		if perr := s.persister.SaveToken(ctx, token); perr != nil {
			s.logger.Error("Failed to persist refreshed token", zap.Error(perr))
		}
	}

	return token.AccessToken, nil
}
