package ledger

import (
	"context"
	"hash/maphash"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
)

type memDimension struct {
	agg   domain.Aggregate
	votes []domain.Vote
}

type memEntity struct {
	entity domain.Entity
	dims   map[string]*memDimension
}

const lockStripes = 64

// MemoryStore is an in-process Store and Index. Writers on the same entity
// dimension are serialized by one of a fixed set of striped mutexes; mu
// guards the maps for readers.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*memEntity

	locks    [lockStripes]sync.Mutex
	lockSeed maphash.Seed

	now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*memEntity),
		lockSeed: maphash.MakeSeed(),
		now:      time.Now,
	}
}

// CreateEntity registers a new entity with a random UUID.
func (s *MemoryStore) CreateEntity(ctx context.Context) (domain.Entity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Entity{}, err
	}
	e := domain.Entity{ID: uuid.NewString(), CreatedAt: s.now().UTC()}
	s.mu.Lock()
	s.entities[e.ID] = &memEntity{entity: e, dims: make(map[string]*memDimension)}
	s.mu.Unlock()
	return e, nil
}

// GetEntity returns the entity or ErrNotFound.
func (s *MemoryStore) GetEntity(ctx context.Context, entityID string) (domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return domain.Entity{}, ErrNotFound
	}
	return e.entity, nil
}

// DeleteEntity drops the entity and its votes.
func (s *MemoryStore) DeleteEntity(ctx context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[entityID]; !ok {
		return ErrNotFound
	}
	delete(s.entities, entityID)
	return nil
}

// FindVote returns the rater's vote or nil.
func (s *MemoryStore) FindVote(ctx context.Context, entityID, dimension string, rater domain.Rater) (*domain.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dim, err := s.dimensionLocked(entityID, dimension)
	if err != nil {
		return nil, err
	}
	if dim == nil {
		return nil, nil
	}
	if i := indexOfRater(dim.votes, rater); i >= 0 {
		v := dim.votes[i]
		return &v, nil
	}
	return nil, nil
}

// ListVotes returns a copy of the vote collection in insertion order.
func (s *MemoryStore) ListVotes(ctx context.Context, entityID, dimension string) ([]domain.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dim, err := s.dimensionLocked(entityID, dimension)
	if err != nil {
		return nil, err
	}
	if dim == nil {
		return []domain.Vote{}, nil
	}
	return append([]domain.Vote(nil), dim.votes...), nil
}

// GetAggregate returns the stored aggregate.
func (s *MemoryStore) GetAggregate(ctx context.Context, entityID, dimension string) (domain.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dim, err := s.dimensionLocked(entityID, dimension)
	if err != nil {
		return domain.Aggregate{}, err
	}
	if dim == nil {
		return domain.Aggregate{}, nil
	}
	return dim.agg, nil
}

// Update runs fn against a staged copy of the dimension and applies it only
// when fn succeeds and wrote something.
func (s *MemoryStore) Update(ctx context.Context, entityID, dimension string, fn func(tx Tx) error) error {
	lock := s.keyLock(entityID, dimension)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	dim, err := s.dimensionLocked(entityID, dimension)
	tx := &memTx{store: s, entityID: entityID, dimension: dimension}
	if dim != nil {
		tx.agg = dim.agg
		tx.votes = append([]domain.Vote(nil), dim.votes...)
	}
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	tx.base = tx.agg
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return ErrNotFound
	}
	e.dims[dimension] = &memDimension{agg: tx.agg, votes: tx.votes}
	return nil
}

// ByRater lists entities the rater has an active vote on, by ID.
func (s *MemoryStore) ByRater(ctx context.Context, dimension string, rater domain.Rater) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id, e := range s.entities {
		if dim, ok := e.dims[dimension]; ok && indexOfRater(dim.votes, rater) >= 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// AveragesBetween lists entities whose average lies in [min, max].
func (s *MemoryStore) AveragesBetween(ctx context.Context, dimension string, min, max float64) ([]Ranked, error) {
	return s.ranked(dimension, 0, func(avg float64) bool { return avg >= min && avg <= max }), nil
}

// TopAverages lists rated entities by average descending.
func (s *MemoryStore) TopAverages(ctx context.Context, dimension string, limit int) ([]Ranked, error) {
	return s.ranked(dimension, limit, func(float64) bool { return true }), nil
}

// Unrated lists entities with no votes on the dimension.
func (s *MemoryStore) Unrated(ctx context.Context, dimension string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id, e := range s.entities {
		if dim, ok := e.dims[dimension]; !ok || dim.agg.Average == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ranked(dimension string, limit int, keep func(float64) bool) []Ranked {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]Ranked, 0)
	for id, e := range s.entities {
		dim, ok := e.dims[dimension]
		if !ok || dim.agg.Average == nil || !keep(*dim.agg.Average) {
			continue
		}
		rows = append(rows, Ranked{EntityID: id, Count: dim.agg.Count, Average: dim.agg.Average})
	}
	sortRanked(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// dimensionLocked must be called with mu held. A nil dimension with a nil
// error means the entity exists but has never been rated on it.
func (s *MemoryStore) dimensionLocked(entityID, dimension string) (*memDimension, error) {
	e, ok := s.entities[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.dims[dimension], nil
}

// keyLock maps an entity dimension onto its stripe. Unrelated keys may share
// a stripe; Update holds at most one stripe at a time.
func (s *MemoryStore) keyLock(entityID, dimension string) *sync.Mutex {
	var h maphash.Hash
	h.SetSeed(s.lockSeed)
	h.WriteString(entityID)
	h.WriteByte(0)
	h.WriteString(dimension)
	return &s.locks[h.Sum64()%lockStripes]
}

type memTx struct {
	store     *MemoryStore
	entityID  string
	dimension string
	base      domain.Aggregate
	agg       domain.Aggregate
	votes     []domain.Vote
	dirty     bool
}

func (tx *memTx) FindVote(rater domain.Rater) (*domain.Vote, error) {
	if i := indexOfRater(tx.votes, rater); i >= 0 {
		v := tx.votes[i]
		return &v, nil
	}
	return nil, nil
}

func (tx *memTx) UpsertVote(rater domain.Rater, value float64) error {
	if i := indexOfRater(tx.votes, rater); i >= 0 {
		tx.votes = append(tx.votes[:i], tx.votes[i+1:]...)
	}
	tx.votes = append(tx.votes, domain.Vote{
		EntityID:  tx.entityID,
		Dimension: tx.dimension,
		Rater:     rater,
		Value:     value,
		CreatedAt: tx.store.now().UTC(),
	})
	tx.dirty = true
	return nil
}

func (tx *memTx) RemoveVote(rater domain.Rater) error {
	if i := indexOfRater(tx.votes, rater); i >= 0 {
		tx.votes = append(tx.votes[:i], tx.votes[i+1:]...)
		tx.dirty = true
	}
	return nil
}

func (tx *memTx) Aggregate() domain.Aggregate {
	return tx.base
}

func (tx *memTx) UpdateAggregate(agg domain.Aggregate) error {
	tx.agg = agg
	tx.dirty = true
	return nil
}

func indexOfRater(votes []domain.Vote, rater domain.Rater) int {
	for i, v := range votes {
		if v.Rater == rater {
			return i
		}
	}
	return -1
}

func sortRanked(rows []Ranked) {
	sort.SliceStable(rows, func(i, j int) bool {
		ai, aj := rows[i].Average, rows[j].Average
		switch {
		case ai == nil && aj == nil:
			return rows[i].EntityID < rows[j].EntityID
		case ai == nil:
			return false
		case aj == nil:
			return true
		case *ai != *aj:
			return *ai > *aj
		}
		return rows[i].EntityID < rows[j].EntityID
	})
}
