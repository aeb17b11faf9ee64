// Package postgres implements the repository interfaces on PostgreSQL.
//
// It mirrors the sqlite package statement for statement. The differences:
//   - placeholders are $1, $2, ... instead of ?
//   - the schema is versioned with goose migrations embedded in the binary
//   - the image compare-and-set uses IS NOT DISTINCT FROM, Postgres's
//     NULL-safe equality
//
// The driver is pgx in database/sql mode ("pgx"), so the repositories take
// a plain *sql.DB and tests can swap it for go-sqlmock.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/sakif/kittygram/internal/repository"
	"github.com/sakif/kittygram/internal/repository/postgres/migrations"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// DB hands out the per-table repositories over one connection pool.
type DB struct {
	conn        *sql.DB
	users       *UserDB
	cats        *CatDB
	media       *MediaDB
	revocations *RevocationDB
}

var _ repository.Store = (*DB)(nil)

// Open connects to dsn, pings it within timeout and applies pending migrations.
func Open(ctx context.Context, dsn string, timeout time.Duration) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: opening database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres: pinging database: %w", err)
	}

	if err := Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return NewFromConn(conn), nil
}

// NewFromConn wraps an existing pool without touching the schema.
func NewFromConn(conn *sql.DB) *DB {
	return &DB{
		conn:        conn,
		users:       &UserDB{conn: conn},
		cats:        &CatDB{conn: conn},
		media:       &MediaDB{conn: conn},
		revocations: &RevocationDB{conn: conn},
	}
}

// Migrate brings the schema up to the latest embedded version.
func Migrate(ctx context.Context, conn *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: selecting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn, "."); err != nil {
		return fmt.Errorf("postgres: running migrations: %w", err)
	}
	return nil
}

func (db *DB) Users() repository.UserRepository             { return db.users }
func (db *DB) Cats() repository.CatRepository               { return db.cats }
func (db *DB) Media() repository.MediaRepository            { return db.media }
func (db *DB) Revocations() repository.RevocationRepository { return db.revocations }

func (db *DB) Close() error {
	return db.conn.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: checking rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrPreconditionFailed
	}
	return nil
}
