package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sakif/kittygram/internal/model"
	"github.com/sakif/kittygram/internal/repository"
)

// RevocationDB implements repository.RevocationRepository.
type RevocationDB struct {
	conn *sql.DB
}

var _ repository.RevocationRepository = (*RevocationDB)(nil)

// Revoke records a token id. Revoking twice is a no-op.
func (r *RevocationDB) Revoke(ctx context.Context, rev model.Revocation) error {
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token_id, user_id, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (token_id) DO NOTHING`,
		rev.TokenID, rev.UserID, rev.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: revoking token: %w", err)
	}
	return nil
}

func (r *RevocationDB) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var n int
	err := r.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM revoked_tokens WHERE token_id = ?`, tokenID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking revocation: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired drops revocations for tokens that have expired anyway.
func (r *RevocationDB) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.conn.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweeping revocations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n, nil
}
