package postgres

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

// CatDB implements repository.CatRepository. Like the sqlite version, every
// mutation carries the owner (and for photos the expected image key) in its
// WHERE clause.
type CatDB struct {
	conn *sql.DB
}

var _ repository.CatRepository = (*CatDB)(nil)

const catColumns = `id, owner_id, name, color, birth_year, achievements, image_key, created_at, updated_at`

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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cat.ID, cat.OwnerID, cat.Name, cat.Color, cat.BirthYear, achievements,
		nullString(cat.ImageKey), cat.CreatedAt, cat.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: creating cat: %w", err)
	}
	return nil
}

func (c *CatDB) GetByID(ctx context.Context, id string) (*model.Cat, error) {
	rows, err := c.conn.QueryContext(ctx, `SELECT `+catColumns+` FROM cats WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: getting cat %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("postgres: getting cat %s: %w", id, err)
		}
		return nil, apperror.NotFound("cat", id)
	}
	cat, err := scanCat(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scanning cat %s: %w", id, err)
	}
	return cat, nil
}

func (c *CatDB) GetOwner(ctx context.Context, id string) (string, error) {
	var owner string
	err := c.conn.QueryRowContext(ctx, `SELECT owner_id FROM cats WHERE id = $1`, id).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperror.NotFound("cat", id)
		}
		return "", fmt.Errorf("postgres: getting owner of cat %s: %w", id, err)
	}
	return owner, nil
}

func (c *CatDB) List(ctx context.Context, opts repository.ListOptions) ([]model.Cat, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := max(opts.Offset, 0)

	var (
		rows *sql.Rows
		err  error
	)
	if opts.OwnerID != "" {
		rows, err = c.conn.QueryContext(ctx,
			`SELECT `+catColumns+` FROM cats WHERE owner_id = $1
			 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
			opts.OwnerID, limit, offset)
	} else {
		rows, err = c.conn.QueryContext(ctx,
			`SELECT `+catColumns+` FROM cats
			 ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: listing cats: %w", err)
	}
	defer rows.Close()

	cats := make([]model.Cat, 0, limit)
	for rows.Next() {
		cat, err := scanCat(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scanning cat row: %w", err)
		}
		cats = append(cats, *cat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating cats: %w", err)
	}
	return cats, nil
}

// UpdateOwned writes only the columns selected by fields. Placeholders
// are numbered as they are appended.
func (c *CatDB) UpdateOwned(ctx context.Context, cat *model.Cat, fields model.CatField) error {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if fields.Has(model.FieldName) {
		set("name", cat.Name)
	}
	if fields.Has(model.FieldColor) {
		set("color", cat.Color)
	}
	if fields.Has(model.FieldBirthYear) {
		set("birth_year", cat.BirthYear)
	}
	if fields.Has(model.FieldAchievements) {
		achievements, err := encodeAchievements(cat.Achievements)
		if err != nil {
			return err
		}
		set("achievements", achievements)
	}
	cat.UpdatedAt = time.Now().UTC()
	set("updated_at", cat.UpdatedAt)
	args = append(args, cat.ID, cat.OwnerID)

	query := fmt.Sprintf(`UPDATE cats SET %s WHERE id = $%d AND owner_id = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))
	result, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: updating cat %s: %w", cat.ID, err)
	}
	return expectOneRow(result)
}

func (c *CatDB) DeleteOwned(ctx context.Context, id, ownerID string) error {
	result, err := c.conn.ExecContext(ctx,
		`DELETE FROM cats WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("postgres: deleting cat %s: %w", id, err)
	}
	return expectOneRow(result)
}

// SwapImage is the photo compare-and-set. The cast on $5 gives the
// parameter a type when oldKey is NULL.
func (c *CatDB) SwapImage(ctx context.Context, id, ownerID, oldKey, newKey string) error {
	result, err := c.conn.ExecContext(ctx,
		`UPDATE cats SET image_key = $1, updated_at = $2
		 WHERE id = $3 AND owner_id = $4 AND image_key IS NOT DISTINCT FROM $5::text`,
		nullString(newKey), time.Now().UTC(), id, ownerID, nullString(oldKey),
	)
	if err != nil {
		return fmt.Errorf("postgres: swapping image of cat %s: %w", id, err)
	}
	return expectOneRow(result)
}

func scanCat(rows *sql.Rows) (*model.Cat, error) {
	var (
		cat          model.Cat
		achievements []byte
		imageKey     sql.NullString
	)
	if err := rows.Scan(
		&cat.ID, &cat.OwnerID, &cat.Name, &cat.Color, &cat.BirthYear,
		&achievements, &imageKey, &cat.CreatedAt, &cat.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(achievements, &cat.Achievements); err != nil {
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
		return "", fmt.Errorf("postgres: encoding achievements: %w", err)
	}
	return string(b), nil
}
