package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/blob"
	"github.com/sakif/kittygram/internal/model"
	"github.com/sakif/kittygram/internal/repository"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================
//
// Hand-written in-memory implementations of the repository interfaces.
// A fake (not a mock framework) keeps the tests readable: you can see
// exactly what each method does. Every fake has an err field that, when
// set, is returned from every call to simulate a database outage.

var errDatabaseDown = errors.New("dial tcp 10.0.0.5:5432: connection refused")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[string]*model.User
	nextID int
	err    error
}

var _ repository.UserRepository = (*fakeUserRepo)(nil)

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User), nextID: 1}
}

func (f *fakeUserRepo) Create(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, u := range f.users {
		if u.Login == user.Login {
			return apperror.Conflict("user", user.Login)
		}
	}
	user.ID = fmt.Sprintf("user-%d", f.nextID)
	f.nextID++
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

func (f *fakeUserRepo) GetUserByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) GetByLogin(_ context.Context, login string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.users {
		if u.Login == login {
			copied := *u
			return &copied, nil
		}
	}
	return nil, apperror.NotFound("user", login)
}

func (f *fakeUserRepo) UpdatePassword(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	u, ok := f.users[id]
	if !ok {
		return apperror.NotFound("user", id)
	}
	u.PasswordHash = hash
	return nil
}

func (f *fakeUserRepo) Upsert(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, u := range f.users {
		if u.GitHubID != nil && *u.GitHubID == *user.GitHubID {
			u.Login = user.Login
			u.UpdatedAt = time.Now()
			*user = *u
			return nil
		}
	}
	user.ID = fmt.Sprintf("user-%d", f.nextID)
	f.nextID++
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

type fakeRevocations struct {
	mu      sync.Mutex
	revoked map[string]model.Revocation
	err     error
}

var _ repository.RevocationRepository = (*fakeRevocations)(nil)

func newFakeRevocations() *fakeRevocations {
	return &fakeRevocations{revoked: make(map[string]model.Revocation)}
}

func (f *fakeRevocations) Revoke(_ context.Context, rev model.Revocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.revoked[rev.TokenID] = rev
	return nil
}

func (f *fakeRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.revoked[tokenID]
	return ok, nil
}

func (f *fakeRevocations) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	var n int64
	for id, rev := range f.revoked {
		if rev.ExpiresAt.Before(now) {
			delete(f.revoked, id)
			n++
		}
	}
	return n, nil
}

// fakeCatRepo mirrors the conditional-write contract of the real stores:
// UpdateOwned, DeleteOwned and SwapImage return ErrPreconditionFailed
// when the row is missing or owned by someone else.
type fakeCatRepo struct {
	mu     sync.Mutex
	cats   map[string]*model.Cat
	nextID int
	err    error
	// getOwnerCalls counts owner lookups, to observe the guard's cache.
	getOwnerCalls int
}

var _ repository.CatRepository = (*fakeCatRepo)(nil)

func newFakeCatRepo() *fakeCatRepo {
	return &fakeCatRepo{cats: make(map[string]*model.Cat), nextID: 1}
}

func (f *fakeCatRepo) Create(_ context.Context, cat *model.Cat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cat.ID = fmt.Sprintf("cat-%d", f.nextID)
	f.nextID++
	cat.CreatedAt = time.Now().Add(time.Duration(f.nextID) * time.Millisecond)
	cat.UpdatedAt = cat.CreatedAt
	copied := *cat
	f.cats[cat.ID] = &copied
	return nil
}

func (f *fakeCatRepo) GetByID(_ context.Context, id string) (*model.Cat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.cats[id]
	if !ok {
		return nil, apperror.NotFound("cat", id)
	}
	copied := *c
	return &copied, nil
}

func (f *fakeCatRepo) GetOwner(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getOwnerCalls++
	if f.err != nil {
		return "", f.err
	}
	c, ok := f.cats[id]
	if !ok {
		return "", apperror.NotFound("cat", id)
	}
	return c.OwnerID, nil
}

func (f *fakeCatRepo) List(_ context.Context, opts repository.ListOptions) ([]model.Cat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Cat
	for _, c := range f.cats {
		if opts.OwnerID != "" && c.OwnerID != opts.OwnerID {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Offset >= len(out) {
		return []model.Cat{}, nil
	}
	out = out[opts.Offset:]
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakeCatRepo) UpdateOwned(_ context.Context, cat *model.Cat, fields model.CatField) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	c, ok := f.cats[cat.ID]
	if !ok || c.OwnerID != cat.OwnerID {
		return repository.ErrPreconditionFailed
	}
	if fields.Has(model.FieldName) {
		c.Name = cat.Name
	}
	if fields.Has(model.FieldColor) {
		c.Color = cat.Color
	}
	if fields.Has(model.FieldBirthYear) {
		c.BirthYear = cat.BirthYear
	}
	if fields.Has(model.FieldAchievements) {
		c.Achievements = append([]string(nil), cat.Achievements...)
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (f *fakeCatRepo) DeleteOwned(_ context.Context, id, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	c, ok := f.cats[id]
	if !ok || c.OwnerID != ownerID {
		return repository.ErrPreconditionFailed
	}
	delete(f.cats, id)
	return nil
}

func (f *fakeCatRepo) SwapImage(_ context.Context, id, ownerID, oldKey, newKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	c, ok := f.cats[id]
	if !ok || c.OwnerID != ownerID || c.ImageKey != oldKey {
		return repository.ErrPreconditionFailed
	}
	c.ImageKey = newKey
	return nil
}

// put stores a cat directly, bypassing Create, for tests that need a
// specific owner or image.
func (f *fakeCatRepo) put(cat model.Cat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cat.Achievements == nil {
		cat.Achievements = []string{}
	}
	f.cats[cat.ID] = &cat
}

type fakeMediaRepo struct {
	mu      sync.Mutex
	objects map[string]model.MediaObject
	// linked reports whether a cat references key.
	linked    func(key string) bool
	err       error
	deleteErr error
}

var _ repository.MediaRepository = (*fakeMediaRepo)(nil)

func newFakeMediaRepo(linked func(string) bool) *fakeMediaRepo {
	return &fakeMediaRepo{objects: make(map[string]model.MediaObject), linked: linked}
}

func (f *fakeMediaRepo) Record(_ context.Context, obj *model.MediaObject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.objects[obj.Key] = *obj
	return nil
}

func (f *fakeMediaRepo) ListOrphans(_ context.Context, olderThan time.Time, afterKey string, limit int) ([]model.MediaObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []model.MediaObject
	for _, obj := range f.objects {
		if obj.CreatedAt.Before(olderThan) && obj.Key > afterKey && !f.linked(obj.Key) {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMediaRepo) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	return nil
}

type fakeBlobStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleteErr map[string]error
	// hang makes Delete of these keys block until the context ends.
	hang map[string]bool
}

var _ blob.Store = (*fakeBlobStore)(nil)

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte), deleteErr: make(map[string]error), hang: make(map[string]bool)}
}

func (f *fakeBlobStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlobStore) Open(_ context.Context, key string) (*blob.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return &blob.Object{Body: io.NopCloser(bytes.NewReader(data)), Size: int64(len(data))}, nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	hang := f.hang[key]
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[key]; err != nil {
		return err
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}
