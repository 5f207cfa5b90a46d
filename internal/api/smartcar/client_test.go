package smartcar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/carsync/internal/models"
)

func newTestClient(authURL, apiURL string) *Client {
	return NewClient(authURL, apiURL, "client-id", "client-secret", zap.NewNop())
}

func TestExchangeRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client-id", user)
		require.Equal(t, "client-secret", pass)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":7200}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)
	token, err := client.ExchangeRefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)

	assert.Equal(t, "new-access", token.AccessToken)
	assert.Equal(t, "new-refresh", token.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), token.ExpiresAt, 5*time.Second)
}

func TestExchangeRefreshTokenKeepsOldRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 不回传新的 refresh_token
		w.Write([]byte(`{"access_token":"new-access","expires_in":3600}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)
	token, err := client.ExchangeRefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "old-refresh", token.RefreshToken)
}

func TestExchangeRefreshTokenInvalidGrant(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"invalid_grant"}`))
		}))

		client := newTestClient(server.URL, server.URL)
		_, err := client.ExchangeRefreshToken(context.Background(), "revoked")
		assert.ErrorIs(t, err, ErrInvalidGrant, "status %d", status)
		server.Close()
	}
}

func TestExchangeRefreshTokenEmpty(t *testing.T) {
	client := newTestClient("http://unused", "http://unused")
	_, err := client.ExchangeRefreshToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestFetchAttributeStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrCapabilityDenied},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"server error", http.StatusInternalServerError, ErrServer},
		{"bad gateway", http.StatusBadGateway, ErrServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := newTestClient(server.URL, server.URL)
			_, err := client.FetchAttribute(context.Background(), "token", "v1", models.KindOdometer)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFetchAttributeRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)
	_, err := client.FetchAttribute(context.Background(), "token", "v1", models.KindOdometer)

	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 120*time.Second, rateErr.RetryAfter)
}

func TestFetchAttributeRateLimitedNoHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)
	_, err := client.FetchAttribute(context.Background(), "token", "v1", models.KindBatteryLevel)

	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Zero(t, rateErr.RetryAfter)
}

func TestFetchAttributeMeta(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vehicles/v1/odometer", r.URL.Path)
		require.Equal(t, "Bearer my-token", r.Header.Get("Authorization"))

		w.Header().Set("SC-Data-Age", "2026-08-23T10:00:00.000Z")
		w.Header().Set("SC-Unit-System", "imperial")
		w.Header().Set("SC-Request-Id", "req-123")
		w.Write([]byte(`{"distance":1042.5}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)
	raw, err := client.FetchAttribute(context.Background(), "my-token", "v1", models.KindOdometer)
	require.NoError(t, err)

	assert.Equal(t, "imperial", raw.Meta.UnitSystem)
	assert.Equal(t, "req-123", raw.Meta.RequestID)
	assert.JSONEq(t, `{"distance":1042.5}`, string(raw.Body))
	assert.False(t, raw.Meta.MeasuredAt().IsZero())
	assert.WithinDuration(t, time.Now(), raw.FetchedAt, 5*time.Second)
}

func TestGetPermissions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vehicles/v1/permissions", r.URL.Path)
		w.Write([]byte(`{"permissions":["read_odometer","read_battery","read_vin","read_unknown"]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)
	capabilities, err := client.GetPermissions(context.Background(), "token", "v1")
	require.NoError(t, err)

	// 未知权限被忽略
	assert.Equal(t, map[models.AttributeKind]bool{
		models.KindOdometer:     true,
		models.KindBatteryLevel: true,
	}, capabilities)
}

func TestListVehicles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vehicles", r.URL.Path)
		w.Write([]byte(`{"vehicles":["v1","v2"],"paging":{"count":2,"offset":0}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.URL)
	ids, err := client.ListVehicles(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, ids)
}

func TestIsRateLimited(t *testing.T) {
	rl, ok := IsRateLimited(fmt.Errorf("wrapped: %w", &RateLimitError{RetryAfter: time.Minute}))
	require.True(t, ok)
	assert.Equal(t, time.Minute, rl.RetryAfter)

	_, ok = IsRateLimited(errors.New("other"))
	assert.False(t, ok)
}
