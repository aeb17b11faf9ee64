// Package repository declares the storage contracts used by the service
// layer. Implementations live in the sqlite and postgres subpackages.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sakif/kittygram/internal/model"
)

// ErrPreconditionFailed is returned by conditional writes when no row
// matched every condition (id, owner, expected image key). The caller
// re-reads the row to decide between NotFound, Forbidden and Conflict.
var ErrPreconditionFailed = errors.New("repository: precondition failed")

type ListOptions struct {
	Limit   int
	Offset  int
	OwnerID string // optional filter
}

type UserRepository interface {
	// Create inserts a user with a password hash. A duplicate login
	// yields an apperror.ErrConflict.
	Create(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetByLogin(ctx context.Context, login string) (*model.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	// Upsert inserts or refreshes a user keyed by GitHubID.
	Upsert(ctx context.Context, user *model.User) error
}

type CatRepository interface {
	Create(ctx context.Context, cat *model.Cat) error
	GetByID(ctx context.Context, id string) (*model.Cat, error)
	GetOwner(ctx context.Context, id string) (string, error)
	List(ctx context.Context, opts ListOptions) ([]model.Cat, error)
	// UpdateOwned writes the mutable fields selected by fields only if
	// cat.OwnerID still owns the row. Other columns are left as stored.
	UpdateOwned(ctx context.Context, cat *model.Cat, fields model.CatField) error
	DeleteOwned(ctx context.Context, id, ownerID string) error
	// SwapImage is the compare-and-set used to link an uploaded photo:
	// it succeeds only if the row is owned by ownerID and its current
	// image key equals oldKey ("" meaning no image).
	SwapImage(ctx context.Context, id, ownerID, oldKey, newKey string) error
}

type MediaRepository interface {
	Record(ctx context.Context, obj *model.MediaObject) error
	// ListOrphans returns objects created before olderThan that no cat
	// references, ordered by key and starting after afterKey ("" for the
	// beginning). Sweeps pass the last key they saw so a run of objects
	// that keep failing cannot starve the ones behind them.
	ListOrphans(ctx context.Context, olderThan time.Time, afterKey string, limit int) ([]model.MediaObject, error)
	Delete(ctx context.Context, key string) error
}

type RevocationRepository interface {
	// Revoke is idempotent.
	Revoke(ctx context.Context, rev model.Revocation) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store bundles every repository a backend provides, so wiring code can
// pick sqlite or postgres in one place.
type Store interface {
	Users() UserRepository
	Cats() CatRepository
	Media() MediaRepository
	Revocations() RevocationRepository
	Close() error
}
