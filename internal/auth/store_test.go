package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/carsync/internal/api/smartcar"
)

// fakeExchanger 可编程的令牌交换桩
type fakeExchanger struct {
	mu    sync.Mutex
	calls int32
	delay time.Duration
	err   error
	token *smartcar.Token
}

func (f *fakeExchanger) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*smartcar.Token, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := *f.token
	return &t, nil
}

func (f *fakeExchanger) callCount() int32 {
	return atomic.LoadInt32(&f.calls)
}

type fakePersister struct {
	mu    sync.Mutex
	saved []*smartcar.Token
}

func (f *fakePersister) SaveToken(ctx context.Context, token *smartcar.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, token)
	return nil
}

func validToken(expiresIn time.Duration) *smartcar.Token {
	return &smartcar.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(expiresIn),
	}
}

func TestGetValidTokenFresh(t *testing.T) {
	ex := &fakeExchanger{}
	store := NewStore(zap.NewNop(), ex, nil, time.Minute)
	store.SetToken(validToken(time.Hour))

	token, err := store.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access", token)
	assert.Zero(t, ex.callCount(), "fresh token must not trigger refresh")
}

func TestGetValidTokenRefreshesWithinMargin(t *testing.T) {
	ex := &fakeExchanger{token: &smartcar.Token{
		AccessToken:  "refreshed",
		RefreshToken: "refresh2",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	persister := &fakePersister{}
	store := NewStore(zap.NewNop(), ex, persister, time.Minute)
	// 剩余有效期小于安全余量，视为过期
	store.SetToken(validToken(30 * time.Second))

	token, err := store.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed", token)
	assert.EqualValues(t, 1, ex.callCount())

	// 刷新成功后新令牌被持久化（SetToken 也会触发一次保存）
	persister.mu.Lock()
	defer persister.mu.Unlock()
	require.NotEmpty(t, persister.saved)
	assert.Equal(t, "refreshed", persister.saved[len(persister.saved)-1].AccessToken)
}

func TestGetValidTokenSingleFlight(t *testing.T) {
	ex := &fakeExchanger{
		delay: 50 * time.Millisecond,
		token: &smartcar.Token{
			AccessToken:  "refreshed",
			RefreshToken: "refresh2",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
	store := NewStore(zap.NewNop(), ex, nil, time.Minute)
	store.SetToken(validToken(-time.Minute))

	// 并发获取共享同一次刷新
	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := store.GetValidToken(context.Background())
			assert.NoError(t, err)
			results[i] = token
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, ex.callCount(), "concurrent callers must share one exchange")
	for _, token := range results {
		assert.Equal(t, "refreshed", token)
	}
}

func TestInvalidGrantEntersTerminalState(t *testing.T) {
	ex := &fakeExchanger{err: smartcar.ErrInvalidGrant}
	store := NewStore(zap.NewNop(), ex, nil, time.Minute)
	store.SetToken(validToken(-time.Minute))

	_, err := store.GetValidToken(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, StateUnauthorized, store.State())

	// 终态下不再尝试刷新
	_, err = store.GetValidToken(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.EqualValues(t, 1, ex.callCount())

	// SetToken 是唯一的恢复途径
	store.SetToken(validToken(time.Hour))
	token, err := store.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access", token)
	assert.Equal(t, StateValid, store.State())
}

func TestTransientRefreshErrorKeepsState(t *testing.T) {
	ex := &fakeExchanger{err: errors.New("connection reset")}
	store := NewStore(zap.NewNop(), ex, nil, time.Minute)
	store.SetToken(validToken(-time.Minute))

	_, err := store.GetValidToken(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, StateValid, store.State())

	// 故障恢复后下一次获取成功
	ex.mu.Lock()
	ex.err = nil
	ex.token = &smartcar.Token{
		AccessToken:  "recovered",
		RefreshToken: "refresh2",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	ex.mu.Unlock()

	token, err := store.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recovered", token)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	ex := &fakeExchanger{token: &smartcar.Token{
		AccessToken:  "refreshed",
		RefreshToken: "refresh2",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	store := NewStore(zap.NewNop(), ex, nil, time.Minute)
	store.SetToken(validToken(time.Hour))

	store.Invalidate()

	token, err := store.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed", token)
	assert.EqualValues(t, 1, ex.callCount())
}

func TestNoTokenProvisioned(t *testing.T) {
	store := NewStore(zap.NewNop(), &fakeExchanger{}, nil, time.Minute)

	_, err := store.GetValidToken(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}
