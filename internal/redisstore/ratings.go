package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
)

type voteRecord struct {
	Kind  string  `json:"kind"`
	ID    string  `json:"id"`
	Value float64 `json:"value"`
	Seq   int64   `json:"seq"`
	At    int64   `json:"at"`
}

func (r voteRecord) rater() domain.Rater {
	return domain.Rater{Kind: r.Kind, ID: r.ID}
}

func (r voteRecord) vote(entityID, dimension string) domain.Vote {
	return domain.Vote{
		EntityID:  entityID,
		Dimension: dimension,
		Rater:     r.rater(),
		Value:     r.Value,
		CreatedAt: time.UnixMilli(r.At).UTC(),
	}
}

func decodeVote(raw string) (voteRecord, error) {
	var rec voteRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return voteRecord{}, fmt.Errorf("decode vote record: %w", err)
	}
	return rec, nil
}

// readAggregate parses the aggregate hash; a missing hash is the zero
// aggregate.
func readAggregate(fields map[string]string) (domain.Aggregate, int64, error) {
	var (
		agg domain.Aggregate
		seq int64
		err error
	)
	if v, ok := fields["count"]; ok {
		if agg.Count, err = strconv.ParseInt(v, 10, 64); err != nil {
			return domain.Aggregate{}, 0, fmt.Errorf("parse count: %w", err)
		}
	}
	if v, ok := fields["sum"]; ok {
		if agg.Sum, err = strconv.ParseFloat(v, 64); err != nil {
			return domain.Aggregate{}, 0, fmt.Errorf("parse sum: %w", err)
		}
	}
	if v, ok := fields["average"]; ok {
		avg, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return domain.Aggregate{}, 0, fmt.Errorf("parse average: %w", err)
		}
		agg.Average = &avg
	}
	if v, ok := fields["seq"]; ok {
		if seq, err = strconv.ParseInt(v, 10, 64); err != nil {
			return domain.Aggregate{}, 0, fmt.Errorf("parse seq: %w", err)
		}
	}
	return agg, seq, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Update implements ledger.Store with a WATCH/MULTI/EXEC transaction.
func (s *Store) Update(ctx context.Context, entityID, dimension string, fn func(tx ledger.Tx) error) error {
	ak, vk := aggKey(entityID, dimension), votesKey(entityID, dimension)
	return s.watch(ctx, "update", func(rtx *redis.Tx) error {
		n, err := rtx.Exists(ctx, entityKey(entityID)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.ErrNotFound
		}
		fields, err := rtx.HGetAll(ctx, ak).Result()
		if err != nil {
			return err
		}
		agg, seq, err := readAggregate(fields)
		if err != nil {
			return err
		}

		tx := &redisTx{
			ctx:       ctx,
			rtx:       rtx,
			store:     s,
			entityID:  entityID,
			dimension: dimension,
			base:      agg,
			seq:       seq,
			pending:   make(map[string]*voteRecord),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if !tx.dirty {
			return nil
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for field, rec := range tx.pending {
				if rec == nil {
					pipe.HDel(ctx, vk, field)
					continue
				}
				payload, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, vk, field, payload)
			}
			for _, r := range tx.removedRaters {
				pipe.SRem(ctx, raterKey(dimension, r), entityID)
			}
			for _, r := range tx.addedRaters {
				pipe.SAdd(ctx, raterKey(dimension, r), entityID)
			}
			if tx.agg != nil {
				pipe.HSet(ctx, ak,
					"count", tx.agg.Count,
					"sum", formatFloat(tx.agg.Sum),
					"seq", tx.seq,
				)
				if tx.agg.Average == nil {
					pipe.HDel(ctx, ak, "average")
					pipe.ZRem(ctx, rankKey(dimension), entityID)
				} else {
					pipe.HSet(ctx, ak, "average", formatFloat(*tx.agg.Average))
					pipe.ZAdd(ctx, rankKey(dimension), redis.Z{Score: -*tx.agg.Average, Member: entityID})
				}
			}
			pipe.SAdd(ctx, dimsKey(entityID), dimension)
			return nil
		})
		return err
	}, entityKey(entityID), ak, vk)
}

// redisTx stages writes until the surrounding Update commits them.
type redisTx struct {
	ctx       context.Context
	rtx       *redis.Tx
	store     *Store
	entityID  string
	dimension string
	base      domain.Aggregate
	seq       int64

	// pending maps a rater field to its staged record; nil marks a removal.
	pending       map[string]*voteRecord
	addedRaters   []domain.Rater
	removedRaters []domain.Rater
	agg           *domain.Aggregate
	dirty         bool
}

func (t *redisTx) lookup(rater domain.Rater) (*voteRecord, error) {
	field := raterField(rater)
	if rec, ok := t.pending[field]; ok {
		return rec, nil
	}
	raw, err := t.rtx.HGet(t.ctx, votesKey(t.entityID, t.dimension), field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	rec, err := decodeVote(raw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *redisTx) FindVote(rater domain.Rater) (*domain.Vote, error) {
	rec, err := t.lookup(rater)
	if err != nil || rec == nil {
		return nil, err
	}
	v := rec.vote(t.entityID, t.dimension)
	return &v, nil
}

func (t *redisTx) UpsertVote(rater domain.Rater, value float64) error {
	t.seq++
	t.pending[raterField(rater)] = &voteRecord{
		Kind:  rater.Kind,
		ID:    rater.ID,
		Value: value,
		Seq:   t.seq,
		At:    t.store.clock.Now().UnixMilli(),
	}
	t.addedRaters = append(t.addedRaters, rater)
	t.dirty = true
	return nil
}

func (t *redisTx) RemoveVote(rater domain.Rater) error {
	rec, err := t.lookup(rater)
	if err != nil || rec == nil {
		return err
	}
	t.pending[raterField(rater)] = nil
	t.removedRaters = append(t.removedRaters, rater)
	t.dirty = true
	return nil
}

func (t *redisTx) Aggregate() domain.Aggregate {
	return t.base
}

func (t *redisTx) UpdateAggregate(agg domain.Aggregate) error {
	t.agg = &agg
	t.dirty = true
	return nil
}

// FindVote implements ledger.Reader.
func (s *Store) FindVote(ctx context.Context, entityID, dimension string, rater domain.Rater) (*domain.Vote, error) {
	var (
		exists *redis.IntCmd
		raw    *redis.StringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, entityKey(entityID))
		raw = pipe.HGet(ctx, votesKey(entityID, dimension), raterField(rater))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("find vote: %w", err)
	}
	if exists.Val() == 0 {
		return nil, ledger.ErrNotFound
	}
	if errors.Is(raw.Err(), redis.Nil) {
		return nil, nil
	}
	rec, err := decodeVote(raw.Val())
	if err != nil {
		return nil, err
	}
	v := rec.vote(entityID, dimension)
	return &v, nil
}

// ListVotes implements ledger.Reader.
func (s *Store) ListVotes(ctx context.Context, entityID, dimension string) ([]domain.Vote, error) {
	var (
		exists  *redis.IntCmd
		records *redis.MapStringStringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, entityKey(entityID))
		records = pipe.HGetAll(ctx, votesKey(entityID, dimension))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	if exists.Val() == 0 {
		return nil, ledger.ErrNotFound
	}
	recs := make([]voteRecord, 0, len(records.Val()))
	for _, raw := range records.Val() {
		rec, err := decodeVote(raw)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	votes := make([]domain.Vote, 0, len(recs))
	for _, rec := range recs {
		votes = append(votes, rec.vote(entityID, dimension))
	}
	return votes, nil
}

// GetAggregate implements ledger.Reader.
func (s *Store) GetAggregate(ctx context.Context, entityID, dimension string) (domain.Aggregate, error) {
	var (
		exists *redis.IntCmd
		fields *redis.MapStringStringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, entityKey(entityID))
		fields = pipe.HGetAll(ctx, aggKey(entityID, dimension))
		return nil
	})
	if err != nil {
		return domain.Aggregate{}, fmt.Errorf("get aggregate: %w", err)
	}
	if exists.Val() == 0 {
		return domain.Aggregate{}, ledger.ErrNotFound
	}
	agg, _, err := readAggregate(fields.Val())
	return agg, err
}
