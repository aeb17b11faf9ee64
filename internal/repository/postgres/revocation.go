package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sakif/kittygram/internal/model"
	"github.com/sakif/kittygram/internal/repository"
)

type RevocationDB struct {
	conn *sql.DB
}

var _ repository.RevocationRepository = (*RevocationDB)(nil)

func (r *RevocationDB) Revoke(ctx context.Context, rev model.Revocation) error {
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token_id, user_id, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (token_id) DO NOTHING`,
		rev.TokenID, rev.UserID, rev.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: revoking token: %w", err)
	}
	return nil
}

func (r *RevocationDB) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := r.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_id = $1)`, tokenID,
	).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("postgres: checking revocation: %w", err)
	}
	return revoked, nil
}

func (r *RevocationDB) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.conn.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: sweeping revocations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: checking rows affected: %w", err)
	}
	return n, nil
}
