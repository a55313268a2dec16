package ledger

import (
	"context"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
)

// Reader exposes the point reads the ledger needs.
type Reader interface {
	GetEntity(ctx context.Context, entityID string) (domain.Entity, error)
	FindVote(ctx context.Context, entityID, dimension string, rater domain.Rater) (*domain.Vote, error)
	// ListVotes returns active votes in insertion order.
	ListVotes(ctx context.Context, entityID, dimension string) ([]domain.Vote, error)
	GetAggregate(ctx context.Context, entityID, dimension string) (domain.Aggregate, error)
}

// Tx is the mutation handle passed to Store.Update. Writes made through it
// become visible only if the surrounding Update commits.
type Tx interface {
	FindVote(rater domain.Rater) (*domain.Vote, error)
	// UpsertVote creates or replaces the rater's vote. A replaced vote moves
	// to the end of the insertion order.
	UpsertVote(rater domain.Rater, value float64) error
	// RemoveVote deletes the rater's vote; it is a no-op when absent.
	RemoveVote(rater domain.Rater) error
	// Aggregate returns the stored aggregate as of the start of the unit.
	Aggregate() domain.Aggregate
	UpdateAggregate(agg domain.Aggregate) error
}

// Store is the persistence boundary of the ledger.
type Store interface {
	Reader
	CreateEntity(ctx context.Context) (domain.Entity, error)
	// DeleteEntity removes the entity together with all of its votes.
	DeleteEntity(ctx context.Context, entityID string) error
	// Update runs fn as one atomic unit, serialized with every other Update
	// on the same entity and dimension. If fn returns an error nothing it
	// wrote is applied. Update returns ErrNotFound when the entity does not
	// exist.
	Update(ctx context.Context, entityID, dimension string, fn func(tx Tx) error) error
}

// Ranked is one row of a ranking query.
type Ranked struct {
	EntityID string
	Count    int64
	Average  *float64
}

// Index answers collection-level queries from stored aggregates. Results are
// ordered by average descending, ties broken by entity ID ascending.
type Index interface {
	ByRater(ctx context.Context, dimension string, rater domain.Rater) ([]string, error)
	AveragesBetween(ctx context.Context, dimension string, min, max float64) ([]Ranked, error)
	// TopAverages excludes entities without an average. limit <= 0 means no
	// limit.
	TopAverages(ctx context.Context, dimension string, limit int) ([]Ranked, error)
	// Unrated lists entities with no average for the dimension, by ID.
	Unrated(ctx context.Context, dimension string) ([]string, error)
}
