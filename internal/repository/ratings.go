package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RatingsRepository persists votes and the per-dimension aggregates derived
// from them.
type RatingsRepository struct {
	pool *pgxpool.Pool
	inTx func(ctx context.Context, fn func(pgx.Tx) error) error
}

// Get retrieves the rater's vote, or nil when the rater has not voted.
func (r *RatingsRepository) Get(ctx context.Context, entityID, dimension string, rater domain.Rater) (*domain.Vote, error) {
	const query = `
        SELECT v.value, v.created_at
        FROM rateables e
        LEFT JOIN votes v
          ON v.entity_id = e.id AND v.dimension = $2 AND v.rater_kind = $3 AND v.rater_id = $4
        WHERE e.id = $1
    `
	var (
		value     *float64
		createdAt *time.Time
	)
	err := r.pool.QueryRow(ctx, query, entityID, dimension, rater.Kind, rater.ID).Scan(&value, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get vote: %w", err)
	}
	if value == nil {
		return nil, nil
	}
	return &domain.Vote{
		EntityID:  entityID,
		Dimension: dimension,
		Rater:     rater,
		Value:     *value,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// List returns the votes of an entity dimension in insertion order.
func (r *RatingsRepository) List(ctx context.Context, entityID, dimension string) ([]domain.Vote, error) {
	if err := entityExists(ctx, r.pool, entityID); err != nil {
		return nil, err
	}
	return listVotes(ctx, r.pool, entityID, dimension)
}

// Aggregate returns the stored aggregate; an entity never rated on the
// dimension yields the zero aggregate.
func (r *RatingsRepository) Aggregate(ctx context.Context, entityID, dimension string) (domain.Aggregate, error) {
	const query = `
        SELECT COALESCE(a.count, 0), COALESCE(a.sum, 0), a.average
        FROM rateables e
        LEFT JOIN rating_aggregates a ON a.entity_id = e.id AND a.dimension = $2
        WHERE e.id = $1
    `
	var agg domain.Aggregate
	err := r.pool.QueryRow(ctx, query, entityID, dimension).Scan(&agg.Count, &agg.Sum, &agg.Average)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Aggregate{}, ErrNotFound
		}
		return domain.Aggregate{}, fmt.Errorf("aggregate ratings: %w", err)
	}
	return agg, nil
}

// Update runs fn inside a transaction holding the aggregate row lock of the
// entity dimension, so concurrent writers on the same dimension serialize
// while other entities proceed in parallel.
func (r *RatingsRepository) Update(ctx context.Context, entityID, dimension string, fn func(tx ledger.Tx) error) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		agg, err := lockAggregate(ctx, tx, entityID, dimension)
		if err != nil {
			return err
		}
		return fn(&pgTx{ctx: ctx, tx: tx, entityID: entityID, dimension: dimension, base: agg})
	})
}

func lockAggregate(ctx context.Context, tx pgx.Tx, entityID, dimension string) (domain.Aggregate, error) {
	const ensure = `
        INSERT INTO rating_aggregates (entity_id, dimension)
        SELECT id, $2 FROM rateables WHERE id = $1
        ON CONFLICT (entity_id, dimension) DO NOTHING
    `
	if _, err := tx.Exec(ctx, ensure, entityID, dimension); err != nil {
		return domain.Aggregate{}, fmt.Errorf("ensure aggregate row: %w", err)
	}

	const lock = `
        SELECT count, sum, average
        FROM rating_aggregates
        WHERE entity_id = $1 AND dimension = $2
        FOR UPDATE
    `
	var agg domain.Aggregate
	if err := tx.QueryRow(ctx, lock, entityID, dimension).Scan(&agg.Count, &agg.Sum, &agg.Average); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Aggregate{}, ErrNotFound
		}
		return domain.Aggregate{}, fmt.Errorf("lock aggregate row: %w", err)
	}
	return agg, nil
}

func listVotes(ctx context.Context, q querier, entityID, dimension string) ([]domain.Vote, error) {
	const query = `
        SELECT rater_kind, rater_id, value, created_at
        FROM votes
        WHERE entity_id = $1 AND dimension = $2
        ORDER BY seq
    `
	rows, err := q.Query(ctx, query, entityID, dimension)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	votes := make([]domain.Vote, 0)
	for rows.Next() {
		vote := domain.Vote{EntityID: entityID, Dimension: dimension}
		if err := rows.Scan(&vote.Rater.Kind, &vote.Rater.ID, &vote.Value, &vote.CreatedAt); err != nil {
			return nil, err
		}
		vote.CreatedAt = vote.CreatedAt.UTC()
		votes = append(votes, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return votes, nil
}

// pgTx adapts a pgx transaction to ledger.Tx.
type pgTx struct {
	ctx       context.Context
	tx        pgx.Tx
	entityID  string
	dimension string
	base      domain.Aggregate
}

func (t *pgTx) FindVote(rater domain.Rater) (*domain.Vote, error) {
	const query = `
        SELECT value, created_at
        FROM votes
        WHERE entity_id = $1 AND dimension = $2 AND rater_kind = $3 AND rater_id = $4
    `
	vote := domain.Vote{EntityID: t.entityID, Dimension: t.dimension, Rater: rater}
	err := t.tx.QueryRow(t.ctx, query, t.entityID, t.dimension, rater.Kind, rater.ID).Scan(&vote.Value, &vote.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find vote: %w", err)
	}
	vote.CreatedAt = vote.CreatedAt.UTC()
	return &vote, nil
}

// UpsertVote deletes and re-inserts so the vote takes a fresh sequence
// number and moves to the end of the insertion order.
func (t *pgTx) UpsertVote(rater domain.Rater, value float64) error {
	if err := t.RemoveVote(rater); err != nil {
		return err
	}
	const insert = `
        INSERT INTO votes (entity_id, dimension, rater_kind, rater_id, value)
        VALUES ($1, $2, $3, $4, $5)
    `
	if _, err := t.tx.Exec(t.ctx, insert, t.entityID, t.dimension, rater.Kind, rater.ID, value); err != nil {
		return fmt.Errorf("insert vote: %w", err)
	}
	return nil
}

func (t *pgTx) RemoveVote(rater domain.Rater) error {
	const del = `
        DELETE FROM votes
        WHERE entity_id = $1 AND dimension = $2 AND rater_kind = $3 AND rater_id = $4
    `
	if _, err := t.tx.Exec(t.ctx, del, t.entityID, t.dimension, rater.Kind, rater.ID); err != nil {
		return fmt.Errorf("delete vote: %w", err)
	}
	return nil
}

func (t *pgTx) Aggregate() domain.Aggregate {
	return t.base
}

func (t *pgTx) UpdateAggregate(agg domain.Aggregate) error {
	const update = `
        UPDATE rating_aggregates
        SET count = $3, sum = $4, average = $5, updated_at = now()
        WHERE entity_id = $1 AND dimension = $2
    `
	if _, err := t.tx.Exec(t.ctx, update, t.entityID, t.dimension, agg.Count, agg.Sum, agg.Average); err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	return nil
}

// FindVote implements ledger.Reader.
func (r *Repository) FindVote(ctx context.Context, entityID, dimension string, rater domain.Rater) (*domain.Vote, error) {
	return r.Ratings.Get(ctx, entityID, dimension, rater)
}

// ListVotes implements ledger.Reader.
func (r *Repository) ListVotes(ctx context.Context, entityID, dimension string) ([]domain.Vote, error) {
	return r.Ratings.List(ctx, entityID, dimension)
}

// GetAggregate implements ledger.Reader.
func (r *Repository) GetAggregate(ctx context.Context, entityID, dimension string) (domain.Aggregate, error) {
	return r.Ratings.Aggregate(ctx, entityID, dimension)
}

// Update implements ledger.Store.
func (r *Repository) Update(ctx context.Context, entityID, dimension string, fn func(tx ledger.Tx) error) error {
	return r.Ratings.Update(ctx, entityID, dimension, fn)
}
