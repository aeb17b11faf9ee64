// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY SQLITE?
// SQLite is an embedded database: it lives inside the binary as a single file.
// No separate database server to run for development, tests, or small
// single-node deployments. Larger deployments switch database.driver to
// postgres; both backends satisfy the same repository.Store interface.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// modernc.org/sqlite is a pure Go translation of the SQLite C code: no C
// compiler needed, cross-compilation keeps working.
//
// TIMESTAMPS:
// Every timestamp is written in UTC. The driver stores DATETIME values as
// text, so a single time zone keeps lexical and chronological order equal,
// which the orphan and revocation sweeps rely on.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/kittygram/internal/repository"
)

// DB wraps a sql.DB connection pool and hands out the per-table repositories.
type DB struct {
	conn        *sql.DB
	users       *UserDB
	cats        *CatDB
	media       *MediaDB
	revocations *RevocationDB
}

var _ repository.Store = (*DB)(nil)

// New creates a new SQLite database connection and runs migrations.
//
// dbPath examples:
//   - "data/kittygram.db"  → file-based database (persistent)
//   - ":memory:"           → in-memory database (tests)
//
// SINGLE CONNECTION:
// SQLite allows one writer at a time, and an in-memory database exists per
// connection. Capping the pool at one connection gives every caller the
// same database and turns writer contention into queueing inside
// database/sql instead of SQLITE_BUSY errors.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers proceed while a write is in flight.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// Foreign keys are OFF by default in SQLite; cats reference users.
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{
		conn:        conn,
		users:       &UserDB{conn: conn},
		cats:        &CatDB{conn: conn},
		media:       &MediaDB{conn: conn},
		revocations: &RevocationDB{conn: conn},
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

func (db *DB) Users() repository.UserRepository             { return db.users }
func (db *DB) Cats() repository.CatRepository               { return db.cats }
func (db *DB) Media() repository.MediaRepository            { return db.media }
func (db *DB) Revocations() repository.RevocationRepository { return db.revocations }

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the schema. CREATE ... IF NOT EXISTS keeps it idempotent,
// so it runs on every start. The postgres backend uses goose instead.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			login         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			github_id     INTEGER UNIQUE,
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS cats (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL REFERENCES users(id),
			name         TEXT NOT NULL,
			color        TEXT NOT NULL DEFAULT '',
			birth_year   INTEGER NOT NULL DEFAULT 0,
			achievements TEXT NOT NULL DEFAULT '[]',
			image_key    TEXT,
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cats_owner_id ON cats(owner_id);
		CREATE INDEX IF NOT EXISTS idx_cats_created_at ON cats(created_at);
		CREATE INDEX IF NOT EXISTS idx_cats_image_key ON cats(image_key);
	`)
	if err != nil {
		return fmt.Errorf("creating cats table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS media_objects (
			key          TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size_bytes   INTEGER NOT NULL,
			created_at   DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_media_created_at ON media_objects(created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating media_objects table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS revoked_tokens (
			token_id   TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_revoked_expires_at ON revoked_tokens(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("creating revoked_tokens table: %w", err)
	}

	return nil
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
