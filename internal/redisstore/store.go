// Package redisstore implements the ledger's persistence boundary on Redis.
//
// Every mutation of an entity dimension is an optimistic transaction: the
// entity, aggregate and vote keys are WATCHed, read, and the staged writes
// are applied with MULTI/EXEC. A concurrent writer aborts the EXEC and the
// unit is replayed from scratch, up to Options.TxAttempts times.
//
// Key layout (entity ids, dimensions and rater parts are query-escaped, so
// no id can reach another entity's keys):
//
//	rateables                    zset  entity id -> creation time (unix ms)
//	rateable:{id}                hash  created_at
//	rateable:{id}:dims           set   dimensions ever rated
//	rating:{id}:{dim}:agg        hash  count, sum, average, seq
//	rating:{id}:{dim}:votes      hash  rater -> JSON vote record
//	rank:{dim}                   zset  entity id -> -average
//	rater:{dim}:{kind}:{id}      set   entity ids the rater voted on
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
)

const defaultTxAttempts = 10

// Options tunes the store.
type Options struct {
	// TxAttempts bounds how often a conflicting transaction is replayed.
	TxAttempts int
	Logger     *log.Logger
	// Clock stamps entities and votes; defaults to the real clock.
	Clock clockwork.Clock
}

// Store is a ledger.Store and ledger.Index backed by Redis.
type Store struct {
	rdb      *redis.Client
	attempts int
	logger   *log.Logger
	clock    clockwork.Clock
}

var (
	_ ledger.Store = (*Store)(nil)
	_ ledger.Index = (*Store)(nil)
)

// New wraps an existing client.
func New(rdb *redis.Client, opts Options) *Store {
	attempts := opts.TxAttempts
	if attempts <= 0 {
		attempts = defaultTxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{rdb: rdb, attempts: attempts, logger: logger, clock: clock}
}

// Connect parses a redis:// URL, pings the server and returns a Store.
func Connect(ctx context.Context, redisURL string, opts Options) (*Store, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(parsed)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s := New(rdb, opts)
	s.logger.Printf("redisstore: connected to %s", parsed.Addr)
	return s, nil
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// AddHook installs a go-redis hook, such as the metrics hook, on the client.
func (s *Store) AddHook(h redis.Hook) {
	s.rdb.AddHook(h)
}

// Close closes the underlying client.
func (s *Store) Close() error {
	s.logger.Println("redisstore: closing client")
	return s.rdb.Close()
}

func entityKey(id string) string { return "rateable:" + url.QueryEscape(id) }
func dimsKey(id string) string   { return "rateable:" + url.QueryEscape(id) + ":dims" }
func aggKey(id, dim string) string {
	return "rating:" + url.QueryEscape(id) + ":" + url.QueryEscape(dim) + ":agg"
}
func votesKey(id, dim string) string {
	return "rating:" + url.QueryEscape(id) + ":" + url.QueryEscape(dim) + ":votes"
}
func rankKey(dim string) string { return "rank:" + url.QueryEscape(dim) }
func raterKey(dim string, r domain.Rater) string {
	return "rater:" + url.QueryEscape(dim) + ":" + raterField(r)
}
func raterField(r domain.Rater) string {
	return url.QueryEscape(r.Kind) + ":" + url.QueryEscape(r.ID)
}

const entitiesKey = "rateables"

// CreateEntity registers a new entity with a random UUID.
func (s *Store) CreateEntity(ctx context.Context) (domain.Entity, error) {
	e := domain.Entity{ID: uuid.NewString(), CreatedAt: s.clock.Now().UTC().Truncate(time.Millisecond)}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, entityKey(e.ID), "created_at", e.CreatedAt.UnixMilli())
		pipe.ZAdd(ctx, entitiesKey, redis.Z{Score: float64(e.CreatedAt.UnixMilli()), Member: e.ID})
		return nil
	})
	if err != nil {
		return domain.Entity{}, fmt.Errorf("create entity: %w", err)
	}
	return e, nil
}

// GetEntity returns the entity or ledger.ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, entityID string) (domain.Entity, error) {
	ms, err := s.rdb.HGet(ctx, entityKey(entityID), "created_at").Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Entity{}, ledger.ErrNotFound
		}
		return domain.Entity{}, fmt.Errorf("get entity: %w", err)
	}
	return domain.Entity{ID: entityID, CreatedAt: time.UnixMilli(ms).UTC()}, nil
}

// DeleteEntity removes the entity, its aggregates, votes, ranking entries
// and rater index entries in one transaction.
func (s *Store) DeleteEntity(ctx context.Context, entityID string) error {
	return s.watch(ctx, "delete entity", func(rtx *redis.Tx) error {
		n, err := rtx.Exists(ctx, entityKey(entityID)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.ErrNotFound
		}
		dims, err := rtx.SMembers(ctx, dimsKey(entityID)).Result()
		if err != nil {
			return err
		}
		raters := make(map[string][]string, len(dims))
		for _, dim := range dims {
			if err := rtx.Watch(ctx, votesKey(entityID, dim)).Err(); err != nil {
				return err
			}
			records, err := rtx.HGetAll(ctx, votesKey(entityID, dim)).Result()
			if err != nil {
				return err
			}
			for _, raw := range records {
				rec, err := decodeVote(raw)
				if err != nil {
					return err
				}
				raters[dim] = append(raters[dim], raterKey(dim, rec.rater()))
			}
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, entityKey(entityID), dimsKey(entityID))
			pipe.ZRem(ctx, entitiesKey, entityID)
			for _, dim := range dims {
				pipe.Del(ctx, aggKey(entityID, dim), votesKey(entityID, dim))
				pipe.ZRem(ctx, rankKey(dim), entityID)
				for _, key := range raters[dim] {
					pipe.SRem(ctx, key, entityID)
				}
			}
			return nil
		})
		return err
	}, entityKey(entityID), dimsKey(entityID))
}

// watch runs fn as an optimistic transaction over keys, replaying it when
// another client touched a watched key before EXEC.
func (s *Store) watch(ctx context.Context, op string, fn func(rtx *redis.Tx) error, keys ...string) error {
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Printf("redisstore: %s conflict on %v (attempt %d/%d)", op, keys, attempt, s.attempts)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return &ledger.PersistenceError{Op: op, Err: fmt.Errorf("optimistic transaction aborted %d times", s.attempts)}
}
