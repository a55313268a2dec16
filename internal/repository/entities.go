package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
)

// EntitiesRepository persists rateable entities.
type EntitiesRepository struct {
	pool *pgxpool.Pool
}

// EntityListFilters encapsulates pagination options.
type EntityListFilters struct {
	Limit  int
	Cursor *EntityCursor
}

// EntityCursor allows stable pagination by created_at/id.
type EntityCursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// EntityListResult returns the paginated payload.
type EntityListResult struct {
	Items      []domain.Entity
	NextCursor *string
}

// Create inserts a new entity row with a generated UUID.
func (r *EntitiesRepository) Create(ctx context.Context) (domain.Entity, error) {
	const query = `INSERT INTO rateables DEFAULT VALUES RETURNING id, created_at`
	return scanEntity(r.pool.QueryRow(ctx, query))
}

// GetByID fetches an entity by its identifier.
func (r *EntitiesRepository) GetByID(ctx context.Context, id string) (domain.Entity, error) {
	const query = `SELECT id, created_at FROM rateables WHERE id = $1`
	entity, err := scanEntity(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entity{}, ErrNotFound
		}
		return domain.Entity{}, err
	}
	return entity, nil
}

// Delete removes an entity; aggregates and votes cascade.
func (r *EntitiesRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rateables WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns entities newest first.
func (r *EntitiesRepository) List(ctx context.Context, filters EntityListFilters) (EntityListResult, error) {
	if filters.Limit <= 0 {
		filters.Limit = 20
	} else if filters.Limit > 100 {
		filters.Limit = 100
	}

	query := `SELECT id, created_at FROM rateables ORDER BY created_at DESC, id DESC LIMIT $1`
	args := []interface{}{filters.Limit}
	if filters.Cursor != nil {
		query = `SELECT id, created_at FROM rateables
            WHERE (created_at, id) < ($2, $3)
            ORDER BY created_at DESC, id DESC LIMIT $1`
		args = append(args, filters.Cursor.CreatedAt, filters.Cursor.ID)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return EntityListResult{}, err
	}
	defer rows.Close()

	items := make([]domain.Entity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return EntityListResult{}, err
		}
		items = append(items, entity)
	}
	if err := rows.Err(); err != nil {
		return EntityListResult{}, err
	}

	var nextCursor *string
	if len(items) == filters.Limit {
		last := items[len(items)-1]
		token, err := encodeCursor(EntityCursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return EntityListResult{}, err
		}
		nextCursor = &token
	}

	return EntityListResult{Items: items, NextCursor: nextCursor}, nil
}

func entityExists(ctx context.Context, q querier, id string) error {
	var found bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rateables WHERE id = $1)`, id).Scan(&found); err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func scanEntity(row pgx.Row) (domain.Entity, error) {
	var entity domain.Entity
	if err := row.Scan(&entity.ID, &entity.CreatedAt); err != nil {
		return domain.Entity{}, err
	}
	entity.CreatedAt = entity.CreatedAt.UTC()
	return entity, nil
}

func encodeCursor(c EntityCursor) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeCursor parses a cursor token into an EntityCursor.
func DecodeCursor(token string) (*EntityCursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var cursor EntityCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("invalid cursor payload: %w", err)
	}
	return &cursor, nil
}

// CreateEntity implements ledger.Store.
func (r *Repository) CreateEntity(ctx context.Context) (domain.Entity, error) {
	return r.Entities.Create(ctx)
}

// GetEntity implements ledger.Store.
func (r *Repository) GetEntity(ctx context.Context, entityID string) (domain.Entity, error) {
	return r.Entities.GetByID(ctx, entityID)
}

// DeleteEntity implements ledger.Store.
func (r *Repository) DeleteEntity(ctx context.Context, entityID string) error {
	return r.Entities.Delete(ctx, entityID)
}
