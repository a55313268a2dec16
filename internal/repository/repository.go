package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/rating-ledger/internal/ledger"
	"github.com/Clark-Hu/rating-ledger/internal/store"
)

// ErrNotFound is the ledger's not-found sentinel, so repository callers and
// ledger callers can match the same value.
var ErrNotFound = ledger.ErrNotFound

// Repository aggregates the rating repositories. It implements ledger.Store
// and ledger.Index on top of Postgres.
type Repository struct {
	Entities *EntitiesRepository
	Ratings  *RatingsRepository
}

var (
	_ ledger.Store = (*Repository)(nil)
	_ ledger.Index = (*Repository)(nil)
)

// New constructs a Repository backed by the provided store.
// Vote mutations go through st.InTx and are rerun on serialization aborts.
func New(st *store.Store) *Repository {
	repo := NewWithPool(st.Pool())
	repo.Ratings.inTx = st.InTx
	return repo
}

// NewWithPool allows constructing repositories directly from a pgx pool.
// Transactions are not retried.
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{
		Entities: &EntitiesRepository{pool: pool},
		Ratings: &RatingsRepository{
			pool: pool,
			inTx: func(ctx context.Context, fn func(pgx.Tx) error) error {
				return pgx.BeginFunc(ctx, pool, fn)
			},
		},
	}
}
