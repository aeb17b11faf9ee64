// Package authz decides whether a caller may act on a cat profile.
//
// RULES:
//
//	read         anyone authenticated; anonymous callers too when
//	             AllowAnonymousReads is set (Kittygram's feed is public)
//	update       owner only
//	delete       owner only
//	attachMedia  owner only
//
// Existence is checked before ownership. A missing cat is NotFound for
// everybody, including anonymous callers; a cat that exists but belongs to
// someone else is Forbidden.
//
// WHY AN OWNER CACHE IS SAFE:
// A cat's owner never changes after creation, so a cached owner id can only
// go stale by the cat being deleted, and Forget handles that. Even a stale
// entry cannot authorize a write on its own: every mutation re-checks the
// owner inside its conditional UPDATE/DELETE statement.
package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sakif/kittygram/internal/apperror"
)

// Action is something a caller wants to do to a cat.
type Action string

const (
	ActionRead        Action = "read"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionAttachMedia Action = "attachMedia"
)

// OwnerLookup is the slice of repository.CatRepository the guard needs.
type OwnerLookup interface {
	GetOwner(ctx context.Context, catID string) (string, error)
}

type Options struct {
	AllowAnonymousReads bool
	// CacheSize is the number of owner ids kept. Zero disables the cache.
	CacheSize int
	// Timeout bounds each owner lookup. Zero means no extra bound.
	Timeout time.Duration
}

type Guard struct {
	owners OwnerLookup
	cache  *lru.Cache[string, string]
	opts   Options
}

func NewGuard(owners OwnerLookup, opts Options) (*Guard, error) {
	g := &Guard{owners: owners, opts: opts}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, string](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("authz: creating owner cache: %w", err)
		}
		g.cache = cache
	}
	return g, nil
}

// Authorize returns nil when userID may perform action on catID. userID is
// "" for anonymous callers. Failures are apperror values: NotFound,
// Unauthenticated (anonymous caller, action needs a user), Forbidden, or
// StorageError when the owner cannot be looked up.
func (g *Guard) Authorize(ctx context.Context, userID, catID string, action Action) error {
	switch action {
	case ActionRead, ActionUpdate, ActionDelete, ActionAttachMedia:
	default:
		return fmt.Errorf("authz: unknown action %q", action)
	}

	owner, err := g.owner(ctx, catID)
	if err != nil {
		return err
	}

	if action == ActionRead {
		if userID == "" && !g.opts.AllowAnonymousReads {
			return apperror.Unauthenticated()
		}
		return nil
	}

	if userID == "" {
		return apperror.Unauthenticated()
	}
	if userID != owner {
		return apperror.Forbidden("only the owner can change this cat")
	}
	return nil
}

// AuthorizeList applies the read rule to the cat feed, where there is no
// single cat to look up.
func (g *Guard) AuthorizeList(userID string) error {
	if userID == "" && !g.opts.AllowAnonymousReads {
		return apperror.Unauthenticated()
	}
	return nil
}

// Forget drops a cached owner. Call it after a cat is deleted.
func (g *Guard) Forget(catID string) {
	if g.cache != nil {
		g.cache.Remove(catID)
	}
}

func (g *Guard) owner(ctx context.Context, catID string) (string, error) {
	if g.cache != nil {
		if owner, ok := g.cache.Get(catID); ok {
			return owner, nil
		}
	}

	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	owner, err := g.owners.GetOwner(ctx, catID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return "", err
		}
		return "", apperror.Storage("looking up cat owner", err)
	}

	if g.cache != nil {
		g.cache.Add(catID, owner)
	}
	return owner, nil
}
