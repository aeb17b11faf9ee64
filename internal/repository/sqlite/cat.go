package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/model"
	"github.com/sakif/kittygram/internal/repository"
)

// CatDB implements repository.CatRepository.
//
// CONDITIONAL WRITES:
// Every mutation carries its authorization condition in the WHERE clause
// (owner_id = ?, and for photos image_key IS ?). A check performed earlier
// by the service can go stale between the read and the write; the WHERE
// clause cannot. When nothing matches, the method returns
// repository.ErrPreconditionFailed and lets the service work out why.
type CatDB struct {
	conn *sql.DB
}

var _ repository.CatRepository = (*CatDB)(nil)

const catColumns = `id, owner_id, name, color, birth_year, achievements, image_key, created_at, updated_at`

// Create inserts a new cat. ID and timestamps are filled in on the caller's struct.
func (c *CatDB) Create(ctx context.Context, cat *model.Cat) error {
	cat.ID = xid.New().String()
	now := time.Now().UTC()
	cat.CreatedAt = now
	cat.UpdatedAt = now

	achievements, err := encodeAchievements(cat.Achievements)
	if err != nil {
		return err
	}

	_, err = c.conn.ExecContext(ctx,
		`INSERT INTO cats (id, owner_id, name, color, birth_year, achievements, image_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cat.ID,
		cat.OwnerID,
		cat.Name,
		cat.Color,
		cat.BirthYear,
		achievements,
		nullString(cat.ImageKey),
		cat.CreatedAt,
		cat.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating cat: %w", err)
	}
	return nil
}

// GetByID retrieves a single cat by its ID.
func (c *CatDB) GetByID(ctx context.Context, id string) (*model.Cat, error) {
	rows, err := c.conn.QueryContext(ctx,
		`SELECT `+catColumns+` FROM cats WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting cat %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlite: getting cat %s: %w", id, err)
		}
		return nil, apperror.NotFound("cat", id)
	}
	cat, err := scanCat(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scanning cat %s: %w", id, err)
	}
	return cat, nil
}

// GetOwner returns only the owner_id column. The authorization guard calls
// this on every request, so it avoids decoding the whole row.
func (c *CatDB) GetOwner(ctx context.Context, id string) (string, error) {
	var owner string
	err := c.conn.QueryRowContext(ctx,
		`SELECT owner_id FROM cats WHERE id = ?`, id,
	).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperror.NotFound("cat", id)
		}
		return "", fmt.Errorf("sqlite: getting owner of cat %s: %w", id, err)
	}
	return owner, nil
}

// List retrieves cats newest first, optionally filtered by owner.
func (c *CatDB) List(ctx context.Context, opts repository.ListOptions) ([]model.Cat, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + catColumns + ` FROM cats`
	args := make([]any, 0, 3)
	if opts.OwnerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, opts.OwnerID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing cats: %w", err)
	}
	defer rows.Close()

	cats := make([]model.Cat, 0, limit)
	for rows.Next() {
		cat, err := scanCat(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning cat row: %w", err)
		}
		cats = append(cats, *cat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating cats: %w", err)
	}
	return cats, nil
}

// UpdateOwned writes the columns selected by fields plus updated_at.
// Unselected columns keep whatever the row holds now, so two PATCHes to
// different fields both survive. owner_id, image_key and created_at are
// never touched here.
func (c *CatDB) UpdateOwned(ctx context.Context, cat *model.Cat, fields model.CatField) error {
	var (
		sets []string
		args []any
	)
	if fields.Has(model.FieldName) {
		sets = append(sets, "name = ?")
		args = append(args, cat.Name)
	}
	if fields.Has(model.FieldColor) {
		sets = append(sets, "color = ?")
		args = append(args, cat.Color)
	}
	if fields.Has(model.FieldBirthYear) {
		sets = append(sets, "birth_year = ?")
		args = append(args, cat.BirthYear)
	}
	if fields.Has(model.FieldAchievements) {
		achievements, err := encodeAchievements(cat.Achievements)
		if err != nil {
			return err
		}
		sets = append(sets, "achievements = ?")
		args = append(args, achievements)
	}
	cat.UpdatedAt = time.Now().UTC()
	sets = append(sets, "updated_at = ?")
	args = append(args, cat.UpdatedAt, cat.ID, cat.OwnerID)

	result, err := c.conn.ExecContext(ctx,
		`UPDATE cats SET `+strings.Join(sets, ", ")+` WHERE id = ? AND owner_id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating cat %s: %w", cat.ID, err)
	}
	return expectOneRow(result)
}

// DeleteOwned removes a cat if ownerID owns it.
func (c *CatDB) DeleteOwned(ctx context.Context, id, ownerID string) error {
	result, err := c.conn.ExecContext(ctx,
		`DELETE FROM cats WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("sqlite: deleting cat %s: %w", id, err)
	}
	return expectOneRow(result)
}

// SwapImage links newKey if, at the moment of the write, the row is still
// owned by ownerID and still points at oldKey. SQLite's IS operator
// compares NULL to NULL as equal, which covers the "no photo yet" case.
func (c *CatDB) SwapImage(ctx context.Context, id, ownerID, oldKey, newKey string) error {
	result, err := c.conn.ExecContext(ctx,
		`UPDATE cats SET image_key = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ? AND image_key IS ?`,
		nullString(newKey),
		time.Now().UTC(),
		id,
		ownerID,
		nullString(oldKey),
	)
	if err != nil {
		return fmt.Errorf("sqlite: swapping image of cat %s: %w", id, err)
	}
	return expectOneRow(result)
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrPreconditionFailed
	}
	return nil
}

func scanCat(rows *sql.Rows) (*model.Cat, error) {
	var (
		cat          model.Cat
		achievements string
		imageKey     sql.NullString
	)
	if err := rows.Scan(
		&cat.ID,
		&cat.OwnerID,
		&cat.Name,
		&cat.Color,
		&cat.BirthYear,
		&achievements,
		&imageKey,
		&cat.CreatedAt,
		&cat.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(achievements), &cat.Achievements); err != nil {
		return nil, fmt.Errorf("decoding achievements: %w", err)
	}
	if cat.Achievements == nil {
		cat.Achievements = []string{}
	}
	cat.ImageKey = imageKey.String
	return &cat, nil
}

func encodeAchievements(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("sqlite: encoding achievements: %w", err)
	}
	return string(b), nil
}
