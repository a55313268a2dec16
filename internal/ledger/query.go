package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
)

// Query is the read-only ranking facade. It reads stored aggregates only and
// never recomputes them from votes.
type Query struct {
	ledger *Ledger
	index  Index
}

// NewQuery builds a facade over index for the ledger's dimensions.
func NewQuery(l *Ledger, index Index) *Query {
	return &Query{ledger: l, index: index}
}

// ByRater lists the entities rater has an active vote on.
func (q *Query) ByRater(ctx context.Context, dimension string, rater domain.Rater) ([]string, error) {
	if _, err := q.ledger.Dimension(dimension); err != nil {
		return nil, err
	}
	ids, err := q.index.ByRater(ctx, dimension, rater)
	if err != nil {
		return nil, wrapStoreError("by rater", err)
	}
	return ids, nil
}

// InRange lists entities whose average lies within [min, max]. Entities
// without an average are excluded.
func (q *Query) InRange(ctx context.Context, dimension string, min, max float64) ([]Ranked, error) {
	if _, err := q.ledger.Dimension(dimension); err != nil {
		return nil, err
	}
	if math.IsNaN(min) || math.IsNaN(max) || min > max {
		return nil, fmt.Errorf("ledger: invalid average range %g..%g", min, max)
	}
	rows, err := q.index.AveragesBetween(ctx, dimension, min, max)
	if err != nil {
		return nil, wrapStoreError("in range", err)
	}
	return rows, nil
}

// Ranked lists rated entities by average descending, at most limit rows when
// limit is positive.
func (q *Query) Ranked(ctx context.Context, dimension string, limit int) ([]Ranked, error) {
	if _, err := q.ledger.Dimension(dimension); err != nil {
		return nil, err
	}
	rows, err := q.index.TopAverages(ctx, dimension, limit)
	if err != nil {
		return nil, wrapStoreError("ranked", err)
	}
	return rows, nil
}

// AllRanked lists every entity by average descending. Unrated entities come
// last, or first when nullsFirst is set.
func (q *Query) AllRanked(ctx context.Context, dimension string, nullsFirst bool) ([]Ranked, error) {
	rated, err := q.Ranked(ctx, dimension, 0)
	if err != nil {
		return nil, err
	}
	unrated, err := q.index.Unrated(ctx, dimension)
	if err != nil {
		return nil, wrapStoreError("all ranked", err)
	}

	rows := make([]Ranked, 0, len(rated)+len(unrated))
	tail := make([]Ranked, 0, len(unrated))
	for _, id := range unrated {
		tail = append(tail, Ranked{EntityID: id})
	}
	if nullsFirst {
		rows = append(rows, tail...)
		return append(rows, rated...), nil
	}
	rows = append(rows, rated...)
	return append(rows, tail...), nil
}
