package ledger

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log"
	"time"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
)

// Recorder observes completed ledger mutations.
type Recorder interface {
	Record(op, dimension string, err error, elapsed time.Duration)
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used for rejected and failed mutations.
func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRecorder attaches a Recorder, typically the Prometheus metrics.
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) {
		l.recorder = r
	}
}

// Ledger casts and retracts votes and keeps every dimension's aggregate
// consistent with its vote collection.
type Ledger struct {
	store    Store
	dims     map[string]domain.DimensionConfig
	logger   *log.Logger
	recorder Recorder
}

// New constructs a Ledger over store for the declared dimensions.
func New(store Store, dims []domain.DimensionConfig, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger: store is required")
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("ledger: at least one dimension is required")
	}
	l := &Ledger{
		store:  store,
		dims:   make(map[string]domain.DimensionConfig, len(dims)),
		logger: log.New(io.Discard, "", 0),
	}
	for _, d := range dims {
		if d.Name == "" {
			return nil, fmt.Errorf("ledger: dimension name is required")
		}
		if d.Range.Min > d.Range.Max {
			return nil, fmt.Errorf("ledger: dimension %q has inverted range %s", d.Name, d.Range)
		}
		if _, dup := l.dims[d.Name]; dup {
			return nil, fmt.Errorf("ledger: dimension %q declared twice", d.Name)
		}
		l.dims[d.Name] = d
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dimension returns the configuration of a declared dimension.
func (l *Ledger) Dimension(name string) (domain.DimensionConfig, error) {
	cfg, ok := l.dims[name]
	if !ok {
		return domain.DimensionConfig{}, fmt.Errorf("%w: %q", ErrUnknownDimension, name)
	}
	return cfg, nil
}

// Cast records rater's value for the entity dimension, replacing any earlier
// vote by the same rater, and returns the updated aggregate.
func (l *Ledger) Cast(ctx context.Context, entityID, dimension string, rater domain.Rater, value float64) (agg domain.Aggregate, err error) {
	start := time.Now()
	defer func() { l.record("cast", dimension, err, start) }()

	cfg, err := l.Dimension(dimension)
	if err != nil {
		return domain.Aggregate{}, err
	}
	value = cfg.Normalize(value)
	if !cfg.Range.Contains(value) {
		return domain.Aggregate{}, &OutOfRangeError{Dimension: dimension, Value: value, Range: cfg.Range}
	}

	err = l.store.Update(ctx, entityID, dimension, func(tx Tx) error {
		next := tx.Aggregate()
		existing, err := tx.FindVote(rater)
		if err != nil {
			return err
		}
		if existing != nil {
			if !cfg.AllowRerate {
				return ErrRerateForbidden
			}
			next = removeVote(next, existing.Value)
		}
		if err := tx.UpsertVote(rater, value); err != nil {
			return err
		}
		next = addVote(next, value)
		if err := tx.UpdateAggregate(next); err != nil {
			return err
		}
		agg = next
		return nil
	})
	if err != nil {
		err = wrapStoreError("cast", err)
		l.logger.Printf("ledger: cast %s/%s by %s rejected: %v", entityID, dimension, rater, err)
		return domain.Aggregate{}, err
	}
	return agg, nil
}

// Retract removes rater's vote from the entity dimension. Retracting a rater
// without a vote leaves the store untouched and returns the current
// aggregate.
func (l *Ledger) Retract(ctx context.Context, entityID, dimension string, rater domain.Rater) (agg domain.Aggregate, err error) {
	start := time.Now()
	defer func() { l.record("retract", dimension, err, start) }()

	if _, err = l.Dimension(dimension); err != nil {
		return domain.Aggregate{}, err
	}

	existing, err := l.store.FindVote(ctx, entityID, dimension, rater)
	if err != nil {
		return domain.Aggregate{}, wrapStoreError("retract", err)
	}
	if existing == nil {
		agg, err = l.store.GetAggregate(ctx, entityID, dimension)
		return agg, wrapStoreError("retract", err)
	}

	err = l.store.Update(ctx, entityID, dimension, func(tx Tx) error {
		current := tx.Aggregate()
		vote, err := tx.FindVote(rater)
		if err != nil {
			return err
		}
		if vote == nil {
			// retracted concurrently
			agg = current
			return nil
		}
		if err := tx.RemoveVote(rater); err != nil {
			return err
		}
		next := removeVote(current, vote.Value)
		if err := tx.UpdateAggregate(next); err != nil {
			return err
		}
		agg = next
		return nil
	})
	if err != nil {
		err = wrapStoreError("retract", err)
		l.logger.Printf("ledger: retract %s/%s by %s failed: %v", entityID, dimension, rater, err)
		return domain.Aggregate{}, err
	}
	return agg, nil
}

// Aggregate returns the stored aggregate of the entity dimension.
func (l *Ledger) Aggregate(ctx context.Context, entityID, dimension string) (domain.Aggregate, error) {
	if _, err := l.Dimension(dimension); err != nil {
		return domain.Aggregate{}, err
	}
	agg, err := l.store.GetAggregate(ctx, entityID, dimension)
	if err != nil {
		return domain.Aggregate{}, wrapStoreError("aggregate", err)
	}
	return agg, nil
}

// Average returns the stored average, nil when nobody has voted.
func (l *Ledger) Average(ctx context.Context, entityID, dimension string) (*float64, error) {
	agg, err := l.Aggregate(ctx, entityID, dimension)
	if err != nil {
		return nil, err
	}
	return agg.Average, nil
}

// VoteOf returns rater's current value, nil when the rater has not voted.
func (l *Ledger) VoteOf(ctx context.Context, entityID, dimension string, rater domain.Rater) (*float64, error) {
	if _, err := l.Dimension(dimension); err != nil {
		return nil, err
	}
	vote, err := l.store.FindVote(ctx, entityID, dimension, rater)
	if err != nil {
		return nil, wrapStoreError("vote of", err)
	}
	if vote == nil {
		return nil, nil
	}
	value := vote.Value
	return &value, nil
}

// HasVoted reports whether rater has an active vote.
func (l *Ledger) HasVoted(ctx context.Context, entityID, dimension string, rater domain.Rater) (bool, error) {
	v, err := l.VoteOf(ctx, entityID, dimension, rater)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// CanVote reports whether a Cast by rater would pass the re-rate policy.
func (l *Ledger) CanVote(ctx context.Context, entityID, dimension string, rater domain.Rater) (bool, error) {
	cfg, err := l.Dimension(dimension)
	if err != nil {
		return false, err
	}
	voted, err := l.HasVoted(ctx, entityID, dimension, rater)
	if err != nil {
		return false, err
	}
	return cfg.AllowRerate || !voted, nil
}

// Votes returns the active votes in insertion order.
func (l *Ledger) Votes(ctx context.Context, entityID, dimension string) ([]domain.Vote, error) {
	if _, err := l.Dimension(dimension); err != nil {
		return nil, err
	}
	votes, err := l.store.ListVotes(ctx, entityID, dimension)
	if err != nil {
		return nil, wrapStoreError("list votes", err)
	}
	return votes, nil
}

// AllValues yields every active vote value in insertion order. Each range
// over the sequence queries the store again; a failure is yielded once as
// the error element and ends the sequence.
func (l *Ledger) AllValues(ctx context.Context, entityID, dimension string) iter.Seq2[float64, error] {
	return func(yield func(float64, error) bool) {
		votes, err := l.Votes(ctx, entityID, dimension)
		if err != nil {
			yield(0, err)
			return
		}
		for _, v := range votes {
			if !yield(v.Value, nil) {
				return
			}
		}
	}
}

// CreateEntity registers a new rateable entity.
func (l *Ledger) CreateEntity(ctx context.Context) (domain.Entity, error) {
	e, err := l.store.CreateEntity(ctx)
	if err != nil {
		return domain.Entity{}, wrapStoreError("create entity", err)
	}
	return e, nil
}

// GetEntity returns the entity or ErrNotFound.
func (l *Ledger) GetEntity(ctx context.Context, entityID string) (domain.Entity, error) {
	e, err := l.store.GetEntity(ctx, entityID)
	if err != nil {
		return domain.Entity{}, wrapStoreError("get entity", err)
	}
	return e, nil
}

// DeleteEntity removes the entity and every vote it owns.
func (l *Ledger) DeleteEntity(ctx context.Context, entityID string) error {
	return wrapStoreError("delete entity", l.store.DeleteEntity(ctx, entityID))
}

// UndeclaredDimension is the dimension label recorded for operations naming
// a dimension the ledger does not declare.
const UndeclaredDimension = "undeclared"

func (l *Ledger) record(op, dimension string, err error, start time.Time) {
	if l.recorder == nil {
		return
	}
	if _, ok := l.dims[dimension]; !ok {
		dimension = UndeclaredDimension
	}
	l.recorder.Record(op, dimension, err, time.Since(start))
}
