package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/model"
	"github.com/sakif/kittygram/internal/repository"
)

type UserDB struct {
	conn *sql.DB
}

var _ repository.UserRepository = (*UserDB)(nil)

const userColumns = `id, login, password_hash, github_id, created_at, updated_at`

func (u *UserDB) Create(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.ID = xid.New().String()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := u.conn.ExecContext(ctx,
		`INSERT INTO users (id, login, password_hash, github_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Login, user.PasswordHash, nullInt64(user.GitHubID), user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Login)
		}
		return fmt.Errorf("postgres: inserting user %s: %w", user.Login, err)
	}
	return nil
}

func (u *UserDB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := u.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("postgres: getting user %s: %w", id, err)
	}
	return user, nil
}

func (u *UserDB) GetByLogin(ctx context.Context, login string) (*model.User, error) {
	row := u.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE login = $1`, login)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", login)
		}
		return nil, fmt.Errorf("postgres: getting user by login: %w", err)
	}
	return user, nil
}

func (u *UserDB) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	result, err := u.conn.ExecContext(ctx,
		`UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3`,
		passwordHash, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("postgres: updating password for %s: %w", id, err)
	}
	if err := expectOneRow(result); err != nil {
		if errors.Is(err, repository.ErrPreconditionFailed) {
			return apperror.NotFound("user", id)
		}
		return err
	}
	return nil
}

// Upsert is a single INSERT ... ON CONFLICT on github_id, so two concurrent
// first sign-ins for the same GitHub account converge on one row.
func (u *UserDB) Upsert(ctx context.Context, user *model.User) error {
	if user.GitHubID == nil {
		return fmt.Errorf("postgres: upsert requires a GitHub ID")
	}
	now := time.Now().UTC()
	err := u.conn.QueryRowContext(ctx,
		`INSERT INTO users (id, login, password_hash, github_id, created_at, updated_at)
		 VALUES ($1, $2, '', $3, $4, $4)
		 ON CONFLICT (github_id) DO UPDATE SET login = EXCLUDED.login, updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at, updated_at`,
		xid.New().String(), user.Login, *user.GitHubID, now,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Login)
		}
		return fmt.Errorf("postgres: upserting github user %d: %w", *user.GitHubID, err)
	}
	return nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	var user model.User
	var githubID sql.NullInt64
	if err := row.Scan(&user.ID, &user.Login, &user.PasswordHash, &githubID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	if githubID.Valid {
		id := githubID.Int64
		user.GitHubID = &id
	}
	return &user, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
