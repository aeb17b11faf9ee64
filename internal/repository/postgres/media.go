package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/model"
	"github.com/sakif/kittygram/internal/repository"
)

type MediaDB struct {
	conn *sql.DB
}

var _ repository.MediaRepository = (*MediaDB)(nil)

func (m *MediaDB) Record(ctx context.Context, obj *model.MediaObject) error {
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = time.Now().UTC()
	}
	_, err := m.conn.ExecContext(ctx,
		`INSERT INTO media_objects (key, owner_id, content_type, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		obj.Key, obj.OwnerID, obj.ContentType, obj.SizeBytes, obj.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("media", obj.Key)
		}
		return fmt.Errorf("postgres: recording media %s: %w", obj.Key, err)
	}
	return nil
}

func (m *MediaDB) ListOrphans(ctx context.Context, olderThan time.Time, afterKey string, limit int) ([]model.MediaObject, error) {
	rows, err := m.conn.QueryContext(ctx,
		`SELECT m.key, m.owner_id, m.content_type, m.size_bytes, m.created_at
		 FROM media_objects m
		 WHERE m.created_at < $1
		   AND m.key > $2
		   AND NOT EXISTS (SELECT 1 FROM cats c WHERE c.image_key = m.key)
		 ORDER BY m.key
		 LIMIT $3`,
		olderThan, afterKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing orphaned media: %w", err)
	}
	defer rows.Close()

	var out []model.MediaObject
	for rows.Next() {
		var obj model.MediaObject
		if err := rows.Scan(&obj.Key, &obj.OwnerID, &obj.ContentType, &obj.SizeBytes, &obj.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scanning media row: %w", err)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating media: %w", err)
	}
	return out, nil
}

func (m *MediaDB) Delete(ctx context.Context, key string) error {
	if _, err := m.conn.ExecContext(ctx, `DELETE FROM media_objects WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres: deleting media %s: %w", key, err)
	}
	return nil
}
