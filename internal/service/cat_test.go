package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/authz"
	"github.com/sakif/kittygram/internal/model"
)

const (
	alice = "user-alice"
	bob   = "user-bob"
)

func newTestCatService(t *testing.T, opts authz.Options) (*CatService, *fakeCatRepo) {
	t.Helper()
	repo := newFakeCatRepo()
	guard, err := authz.NewGuard(repo, opts)
	require.NoError(t, err)

	fixed := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	svc := NewCatService(repo, guard, "/media/", testLogger(), WithClock(func() time.Time { return fixed }))
	return svc, repo
}

func ptr[T any](v T) *T { return &v }

// =========================================================================
// Create TESTS
// =========================================================================

func TestCreateCat(t *testing.T) {
	svc, _ := newTestCatService(t, authz.Options{})

	cat, err := svc.Create(context.Background(), alice, CatInput{
		Name:         "  Barsik ",
		Color:        "Gray",
		BirthYear:    2020,
		Achievements: []string{" caught a mouse", "slept 20h", "caught a mouse"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, cat.ID)
	assert.Equal(t, alice, cat.OwnerID)
	assert.Equal(t, "Barsik", cat.Name)
	assert.Equal(t, 2020, cat.BirthYear)
	assert.Equal(t, []string{"caught a mouse", "slept 20h"}, cat.Achievements)
	assert.Empty(t, cat.ImageURL)
}

func TestCreateCat_Validation(t *testing.T) {
	tooMany := make([]string, MaxAchievements+1)
	for i := range tooMany {
		tooMany[i] = strings.Repeat("a", i+1)
	}

	tests := []struct {
		name  string
		in    CatInput
		field string
	}{
		{name: "missing name", in: CatInput{Name: "   "}, field: "name"},
		{name: "long name", in: CatInput{Name: strings.Repeat("m", MaxCatNameLength+1)}, field: "name"},
		{name: "long color", in: CatInput{Name: "Barsik", Color: strings.Repeat("c", MaxCatColorLength+1)}, field: "color"},
		{name: "birth year too early", in: CatInput{Name: "Barsik", BirthYear: 1899}, field: "birthYear"},
		{name: "birth year in the future", in: CatInput{Name: "Barsik", BirthYear: 2025}, field: "birthYear"},
		{name: "blank achievement", in: CatInput{Name: "Barsik", Achievements: []string{"ok", " "}}, field: "achievements"},
		{name: "long achievement", in: CatInput{Name: "Barsik", Achievements: []string{strings.Repeat("a", MaxAchievementLength+1)}}, field: "achievements"},
		{name: "too many achievements", in: CatInput{Name: "Barsik", Achievements: tooMany}, field: "achievements"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo := newTestCatService(t, authz.Options{})
			_, err := svc.Create(context.Background(), alice, tt.in)

			require.ErrorIs(t, err, apperror.ErrValidation)
			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Field)
			assert.Empty(t, repo.cats)
		})
	}
}

func TestCreateCat_NameLimitCountsRunes(t *testing.T) {
	svc, _ := newTestCatService(t, authz.Options{})
	// 16 Cyrillic letters are 32 bytes.
	_, err := svc.Create(context.Background(), alice, CatInput{Name: "Мурзикмурзикмурз"})
	assert.NoError(t, err)
}

func TestCreateCat_Anonymous(t *testing.T) {
	svc, _ := newTestCatService(t, authz.Options{AllowAnonymousReads: true})
	_, err := svc.Create(context.Background(), "", CatInput{Name: "Barsik"})
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestCreateCat_StoreDown(t *testing.T) {
	svc, repo := newTestCatService(t, authz.Options{})
	repo.err = errDatabaseDown
	_, err := svc.Create(context.Background(), alice, CatInput{Name: "Barsik"})
	assert.ErrorIs(t, err, apperror.ErrStorage)
}

// =========================================================================
// Get / List TESTS
// =========================================================================

func TestGetCat(t *testing.T) {
	svc, repo := newTestCatService(t, authz.Options{AllowAnonymousReads: true})
	repo.put(model.Cat{ID: "cat-a", OwnerID: alice, Name: "Barsik", ImageKey: "cats/2024/06/01/x.png"})

	cat, err := svc.Get(context.Background(), bob, "cat-a")
	require.NoError(t, err)
	assert.Equal(t, "/media/cats/2024/06/01/x.png", cat.ImageURL)

	_, err = svc.Get(context.Background(), "", "cat-a")
	assert.NoError(t, err, "anonymous reads are allowed by this policy")

	_, err = svc.Get(context.Background(), bob, "ghost")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = svc.Get(context.Background(), bob, " ")
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestGetCat_AnonymousDenied(t *testing.T) {
	svc, repo := newTestCatService(t, authz.Options{AllowAnonymousReads: false})
	repo.put(model.Cat{ID: "cat-a", OwnerID: alice, Name: "Barsik"})

	_, err := svc.Get(context.Background(), "", "cat-a")
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)

	_, err = svc.List(context.Background(), "", 0, 0, "")
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestListCats(t *testing.T) {
	svc, _ := newTestCatService(t, authz.Options{AllowAnonymousReads: true})
	ctx := context.Background()
	for _, name := range []string{"One", "Two", "Three"} {
		_, err := svc.Create(ctx, alice, CatInput{Name: name})
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, bob, CatInput{Name: "Bobcat"})
	require.NoError(t, err)

	all, err := svc.List(ctx, "", 0, 0, "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "Bobcat", all[0].Name, "newest first")

	page, err := svc.List(ctx, alice, 2, 1, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "Three", page[0].Name)

	mine, err := svc.List(ctx, alice, 1000, -5, alice)
	require.NoError(t, err)
	assert.Len(t, mine, 3)
}

// =========================================================================
// Replace / Update TESTS
// =========================================================================

func TestUpdateCat_Patch(t *testing.T) {
	svc, repo := newTestCatService(t, authz.Options{})
	repo.put(model.Cat{ID: "cat-a", OwnerID: alice, Name: "Barsik", Color: "Gray", BirthYear: 2020, Achievements: []string{"nap"}})

	cat, err := svc.Update(context.Background(), alice, "cat-a", model.CatPatch{Color: ptr("Black")})
	require.NoError(t, err)

	assert.Equal(t, "Barsik", cat.Name)
	assert.Equal(t, "Black", cat.Color)
	assert.Equal(t, 2020, cat.BirthYear)
	assert.Equal(t, []string{"nap"}, cat.Achievements)
	assert.Equal(t, "Black", repo.cats["cat-a"].Color)
}

func TestReplaceCat(t *testing.T) {
	svc, repo := newTestCatService(t, authz.Options{})
	repo.put(model.Cat{ID: "cat-a", OwnerID: alice, Name: "Barsik", Color: "Gray", ImageKey: "cats/x.png"})

	cat, err := svc.Replace(context.Background(), alice, "cat-a", CatInput{Name: "Murzik"})
	require.NoError(t, err)

	assert.Equal(t, "Murzik", cat.Name)
	assert.Empty(t, cat.Color)
	assert.Equal(t, "cats/x.png", repo.cats["cat-a"].ImageKey, "the photo is not a writable field")
}

func TestUpdateCat_Authorization(t *testing.T) {
	svc, repo := newTestCatService(t, authz.Options{AllowAnonymousReads: true})
	repo.put(model.Cat{ID: "cat-a", OwnerID: alice, Name: "Barsik"})
	ctx := context.Background()

	_, err := svc.Update(ctx, bob, "cat-a", model.CatPatch{Name: ptr("Stolen")})
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = svc.Update(ctx, "", "cat-a", model.CatPatch{Name: ptr("Stolen")})
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)

	_, err = svc.Update(ctx, bob, "ghost", model.CatPatch{Name: ptr("Stolen")})
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	assert.Equal(t, "Barsik", repo.cats["cat-a"].Name)
}

func TestUpdateCat_InvalidPatchLeavesRow(t *testing.T) {
	svc, repo := newTestCatService(t, authz.Options{})
	repo.put(model.Cat{ID: "cat-a", OwnerID: alice, Name: "Barsik"})

	_, err := svc.Update(context.Background(), alice, "cat-a", model.CatPatch{Name: ptr("")})

	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.Equal(t, "Barsik", repo.cats["cat-a"].Name)
}

// The guard's cached owner says yes, but the row vanished before the
// conditional write ran.
func TestUpdateCat_RowDeletedAfterCheck(t *testing.T) {
	svc, repo := newTestCatService(t, authz.Options{CacheSize: 16})
	repo.put(model.Cat{ID: "cat-a", OwnerID: alice, Name: "Barsik"})
	ctx := context.Background()

	_, err := svc.Get(ctx, alice, "cat-a")
	require.NoError(t, err)
	delete(repo.cats, "cat-a")

	_, err = svc.Update(ctx, alice, "cat-a", model.CatPatch{Name: ptr("Murzik")})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// interleavedCats runs before once, between the service's read and its
// conditional write, to stand in for another request committing there.
type interleavedCats struct {
	*fakeCatRepo
	before func()
}

func (r *interleavedCats) UpdateOwned(ctx context.Context, cat *model.Cat, fields model.CatField) error {
	if r.before != nil {
		r.before()
		r.before = nil
	}
	return r.fakeCatRepo.UpdateOwned(ctx, cat, fields)
}

func TestUpdateCat_ConcurrentPatchesToDifferentFieldsBothLand(t *testing.T) {
	repo := newFakeCatRepo()
	repo.put(model.Cat{ID: "cat-a", OwnerID: alice, Name: "Barsik", Color: "Gray", Achievements: []string{"nap"}})
	cats := &interleavedCats{fakeCatRepo: repo}
	guard, err := authz.NewGuard(cats, authz.Options{})
	require.NoError(t, err)
	svc := NewCatService(cats, guard, "/media/", testLogger())

	cats.before = func() {
		repo.mu.Lock()
		repo.cats["cat-a"].Color = "Black"
		repo.mu.Unlock()
	}

	cat, err := svc.Update(context.Background(), alice, "cat-a", model.CatPatch{Name: ptr("Murzik")})
	require.NoError(t, err)

	assert.Equal(t, "Murzik", repo.cats["cat-a"].Name)
	assert.Equal(t, "Black", repo.cats["cat-a"].Color, "the other request's color must survive")
	assert.Equal(t, "Black", cat.Color, "the response reflects the stored row")
	assert.Equal(t, []string{"nap"}, cat.Achievements)
}

func TestReplaceCat_WritesEveryField(t *testing.T) {
	repo := newFakeCatRepo()
	repo.put(model.Cat{ID: "cat-a", OwnerID: alice, Name: "Barsik", Color: "Gray"})
	cats := &interleavedCats{fakeCatRepo: repo}
	guard, err := authz.NewGuard(cats, authz.Options{})
	require.NoError(t, err)
	svc := NewCatService(cats, guard, "/media/", testLogger())

	cats.before = func() {
		repo.mu.Lock()
		repo.cats["cat-a"].Color = "Black"
		repo.mu.Unlock()
	}

	_, err = svc.Replace(context.Background(), alice, "cat-a", CatInput{Name: "Murzik"})
	require.NoError(t, err)
	assert.Empty(t, repo.cats["cat-a"].Color, "PUT replaces the whole profile")
}

// =========================================================================
// Delete TESTS
// =========================================================================

func TestDeleteCat(t *testing.T) {
	svc, repo := newTestCatService(t, authz.Options{CacheSize: 16, AllowAnonymousReads: true})
	repo.put(model.Cat{ID: "cat-a", OwnerID: alice, Name: "Barsik"})
	ctx := context.Background()

	err := svc.Delete(ctx, bob, "cat-a")
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	require.NoError(t, svc.Delete(ctx, alice, "cat-a"))
	assert.Empty(t, repo.cats)

	// The cached owner was dropped, so the next lookup sees the deletion.
	_, err = svc.Get(ctx, alice, "cat-a")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	err = svc.Delete(ctx, alice, "cat-a")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestDeleteCat_StoreDown(t *testing.T) {
	svc, repo := newTestCatService(t, authz.Options{})
	repo.put(model.Cat{ID: "cat-a", OwnerID: alice, Name: "Barsik"})
	repo.err = errDatabaseDown

	err := svc.Delete(context.Background(), alice, "cat-a")
	assert.ErrorIs(t, err, apperror.ErrStorage)
}
