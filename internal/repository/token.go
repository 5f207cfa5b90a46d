package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/carsync/internal/api/smartcar"
)

// TokenRepository 令牌仓库
// 单账户模式：表中只保留一行
type TokenRepository struct {
	db *DB
}

// NewTokenRepository 创建令牌仓库
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// SaveToken 保存令牌，已存在时覆盖
func (r *TokenRepository) SaveToken(ctx context.Context, token *smartcar.Token) error {
	query := `
		INSERT INTO tokens (id, access_token, refresh_token, expires_at, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, token.AccessToken, token.RefreshToken, token.ExpiresAt); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// LoadToken 加载最近保存的令牌，不存在时返回 (nil, nil)
func (r *TokenRepository) LoadToken(ctx context.Context) (*smartcar.Token, error) {
	query := `SELECT access_token, refresh_token, expires_at FROM tokens ORDER BY updated_at DESC LIMIT 1`

	token := &smartcar.Token{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(&token.AccessToken, &token.RefreshToken, &token.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	return token, nil
}
