package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
)

// ByRater implements ledger.Index.
func (s *Store) ByRater(ctx context.Context, dimension string, rater domain.Rater) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, raterKey(dimension, rater)).Result()
	if err != nil {
		return nil, fmt.Errorf("entities by rater: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// AveragesBetween implements ledger.Index. Scores are negated averages, so
// the [min, max] window maps to [-max, -min].
func (s *Store) AveragesBetween(ctx context.Context, dimension string, min, max float64) ([]ledger.Ranked, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, rankKey(dimension), &redis.ZRangeBy{
		Min: formatFloat(-max),
		Max: formatFloat(-min),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("averages between: %w", err)
	}
	return s.withCounts(ctx, dimension, zs)
}

// TopAverages implements ledger.Index.
func (s *Store) TopAverages(ctx context.Context, dimension string, limit int) ([]ledger.Ranked, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	zs, err := s.rdb.ZRangeWithScores(ctx, rankKey(dimension), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("top averages: %w", err)
	}
	return s.withCounts(ctx, dimension, zs)
}

// Unrated implements ledger.Index.
func (s *Store) Unrated(ctx context.Context, dimension string) ([]string, error) {
	var (
		all    *redis.StringSliceCmd
		ranked *redis.StringSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		all = pipe.ZRange(ctx, entitiesKey, 0, -1)
		ranked = pipe.ZRange(ctx, rankKey(dimension), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unrated entities: %w", err)
	}
	rated := make(map[string]struct{}, len(ranked.Val()))
	for _, id := range ranked.Val() {
		rated[id] = struct{}{}
	}
	ids := make([]string, 0)
	for _, id := range all.Val() {
		if _, ok := rated[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// withCounts turns ranking entries into rows, loading each entity's vote
// count in one pipeline. Ties share a score and are already ordered by member.
func (s *Store) withCounts(ctx context.Context, dimension string, zs []redis.Z) ([]ledger.Ranked, error) {
	rows := make([]ledger.Ranked, 0, len(zs))
	if len(zs) == 0 {
		return rows, nil
	}
	counts := make([]*redis.StringCmd, len(zs))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, z := range zs {
			counts[i] = pipe.HGet(ctx, aggKey(z.Member.(string), dimension), "count")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load counts: %w", err)
	}
	for i, z := range zs {
		avg := 0 - z.Score // never -0
		count, _ := counts[i].Int64()
		rows = append(rows, ledger.Ranked{EntityID: z.Member.(string), Count: count, Average: &avg})
	}
	return rows, nil
}
