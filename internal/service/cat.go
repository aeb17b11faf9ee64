package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/authz"
	"github.com/sakif/kittygram/internal/model"
	"github.com/sakif/kittygram/internal/repository"
)

// Validation limits, taken from the Kittygram cat form.
const (
	MaxCatNameLength     = 16
	MaxCatColorLength    = 16
	MinBirthYear         = 1900
	MaxAchievements      = 20
	MaxAchievementLength = 50
	DefaultListLimit     = 20
	MaxListLimit         = 100
)

// CatInput is the full set of writable cat fields, used by create and PUT.
type CatInput struct {
	Name         string   `json:"name"`
	Color        string   `json:"color"`
	BirthYear    int      `json:"birthYear"`
	Achievements []string `json:"achievements"`
}

// CatService handles business logic for cat profiles.
//
// OWNERSHIP IS CHECKED TWICE:
// First by the guard, which gives the caller a precise NotFound/Forbidden.
// Then by the repository's conditional write (WHERE owner_id = ?), which is
// what actually protects the row if anything changed in between. When the
// write matches nothing, resolve() re-reads the row to explain why.
type CatService struct {
	cats         repository.CatRepository
	guard        *authz.Guard
	mediaBaseURL string
	logger       *slog.Logger
	opts         options
}

func NewCatService(
	cats repository.CatRepository,
	guard *authz.Guard,
	mediaBaseURL string,
	logger *slog.Logger,
	opts ...Option,
) *CatService {
	return &CatService{
		cats:         cats,
		guard:        guard,
		mediaBaseURL: mediaBaseURL,
		logger:       logger,
		opts:         buildOptions(opts),
	}
}

// Create validates and saves a new cat owned by ownerID.
func (s *CatService) Create(ctx context.Context, ownerID string, in CatInput) (*model.Cat, error) {
	if ownerID == "" {
		return nil, apperror.Unauthenticated()
	}
	cat := &model.Cat{OwnerID: ownerID}
	if err := s.apply(cat, in); err != nil {
		return nil, err
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	if err := s.cats.Create(ctx, cat); err != nil {
		return nil, storeErr(s.logger, "creating cat", err)
	}

	s.logger.Info("cat created",
		slog.String("id", cat.ID),
		slog.String("owner", ownerID),
		slog.String("name", cat.Name),
	)
	return s.decorate(cat), nil
}

// Get returns one cat if userID ("" for anonymous) may read it.
func (s *CatService) Get(ctx context.Context, userID, id string) (*model.Cat, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "cat ID is required")
	}
	if err := s.guard.Authorize(ctx, userID, id, authz.ActionRead); err != nil {
		return nil, err
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	cat, err := s.cats.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(s.logger, "fetching cat", err)
	}
	return s.decorate(cat), nil
}

// List returns cats newest first. ownerFilter restricts the feed to one
// owner; limit is clamped to 1..MaxListLimit.
func (s *CatService) List(ctx context.Context, userID string, limit, offset int, ownerFilter string) ([]model.Cat, error) {
	if err := s.guard.AuthorizeList(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	cats, err := s.cats.List(ctx, repository.ListOptions{
		Limit:   limit,
		Offset:  offset,
		OwnerID: strings.TrimSpace(ownerFilter),
	})
	if err != nil {
		return nil, storeErr(s.logger, "listing cats", err)
	}
	for i := range cats {
		s.decorate(&cats[i])
	}
	return cats, nil
}

// Replace overwrites every writable field (HTTP PUT).
func (s *CatService) Replace(ctx context.Context, userID, id string, in CatInput) (*model.Cat, error) {
	return s.mutate(ctx, userID, id, model.AllCatFields, func(cat *model.Cat) error {
		return s.apply(cat, in)
	})
}

// Update applies a partial change (HTTP PATCH). Nil fields are left alone.
//
// ONLY THE PATCHED COLUMNS ARE WRITTEN:
// The rest of the row is read just to validate the merged result. Writing
// it back would undo a concurrent PATCH to another field, so the write
// carries the patch's field set and the repository leaves everything else
// as stored.
func (s *CatService) Update(ctx context.Context, userID, id string, patch model.CatPatch) (*model.Cat, error) {
	return s.mutate(ctx, userID, id, patch.Fields(), func(cat *model.Cat) error {
		in := CatInput{
			Name:         cat.Name,
			Color:        cat.Color,
			BirthYear:    cat.BirthYear,
			Achievements: cat.Achievements,
		}
		if patch.Name != nil {
			in.Name = *patch.Name
		}
		if patch.Color != nil {
			in.Color = *patch.Color
		}
		if patch.BirthYear != nil {
			in.BirthYear = *patch.BirthYear
		}
		if patch.Achievements != nil {
			in.Achievements = *patch.Achievements
		}
		return s.apply(cat, in)
	})
}

func (s *CatService) mutate(
	ctx context.Context,
	userID, id string,
	fields model.CatField,
	change func(*model.Cat) error,
) (*model.Cat, error) {
	if err := s.guard.Authorize(ctx, userID, id, authz.ActionUpdate); err != nil {
		return nil, err
	}

	readCtx, cancel := s.opts.bound(ctx)
	cat, err := s.cats.GetByID(readCtx, id)
	cancel()
	if err != nil {
		return nil, storeErr(s.logger, "fetching cat", err)
	}

	if err := change(cat); err != nil {
		return nil, err
	}
	// The write is conditioned on the caller, not on whatever the row says.
	cat.OwnerID = userID

	writeCtx, cancel := s.opts.bound(ctx)
	err = s.cats.UpdateOwned(writeCtx, cat, fields)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrPreconditionFailed) {
			return nil, s.resolve(ctx, userID, id)
		}
		return nil, storeErr(s.logger, "updating cat", err)
	}

	if fields != model.AllCatFields {
		// Columns we did not write may have moved since the first read.
		readCtx, cancel := s.opts.bound(ctx)
		fresh, err := s.cats.GetByID(readCtx, id)
		cancel()
		if err == nil {
			cat = fresh
		} else {
			s.logger.Warn("re-reading patched cat failed",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("cat updated", slog.String("id", id), slog.String("owner", userID))
	return s.decorate(cat), nil
}

// Delete removes a cat. Its photo becomes an orphan and is collected by
// the Housekeeper once the grace period has passed.
func (s *CatService) Delete(ctx context.Context, userID, id string) error {
	if err := s.guard.Authorize(ctx, userID, id, authz.ActionDelete); err != nil {
		return err
	}

	writeCtx, cancel := s.opts.bound(ctx)
	err := s.cats.DeleteOwned(writeCtx, id, userID)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrPreconditionFailed) {
			return s.resolve(ctx, userID, id)
		}
		return storeErr(s.logger, "deleting cat", err)
	}

	s.guard.Forget(id)
	s.logger.Info("cat deleted", slog.String("id", id), slog.String("owner", userID))
	return nil
}

// resolve explains why a conditional write matched no row.
func (s *CatService) resolve(ctx context.Context, userID, id string) error {
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	owner, err := s.cats.GetOwner(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.guard.Forget(id)
		}
		return storeErr(s.logger, "re-reading cat", err)
	}
	if owner != userID {
		return apperror.Forbidden("only the owner can change this cat")
	}
	return apperror.Conflict("cat", id)
}

// apply validates in and copies it onto cat.
func (s *CatService) apply(cat *model.Cat, in CatInput) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return apperror.ValidationFailed("name", "cat name is required")
	}
	if utf8.RuneCountInString(name) > MaxCatNameLength {
		return apperror.ValidationFailed("name",
			fmt.Sprintf("cat name must be %d characters or less", MaxCatNameLength))
	}

	color := strings.TrimSpace(in.Color)
	if utf8.RuneCountInString(color) > MaxCatColorLength {
		return apperror.ValidationFailed("color",
			fmt.Sprintf("color must be %d characters or less", MaxCatColorLength))
	}

	if in.BirthYear != 0 {
		current := s.opts.now().Year()
		if in.BirthYear < MinBirthYear || in.BirthYear > current {
			return apperror.ValidationFailed("birthYear",
				fmt.Sprintf("birth year must be between %d and %d", MinBirthYear, current))
		}
	}

	achievements, err := normalizeAchievements(in.Achievements)
	if err != nil {
		return err
	}

	cat.Name = name
	cat.Color = color
	cat.BirthYear = in.BirthYear
	cat.Achievements = achievements
	return nil
}

// normalizeAchievements trims entries and drops repeats, keeping the first
// occurrence's position.
func normalizeAchievements(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			return nil, apperror.ValidationFailed("achievements", "achievements must not be blank")
		}
		if utf8.RuneCountInString(a) > MaxAchievementLength {
			return nil, apperror.ValidationFailed("achievements",
				fmt.Sprintf("each achievement must be %d characters or less", MaxAchievementLength))
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	if len(out) > MaxAchievements {
		return nil, apperror.ValidationFailed("achievements",
			fmt.Sprintf("a cat can have at most %d achievements", MaxAchievements))
	}
	return out, nil
}

func (s *CatService) decorate(cat *model.Cat) *model.Cat {
	cat.ImageURL = ""
	if cat.ImageKey != "" {
		cat.ImageURL = strings.TrimRight(s.mediaBaseURL, "/") + "/" + cat.ImageKey
	}
	return cat
}
