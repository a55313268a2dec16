package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
)

// ByRater implements ledger.Index.
func (r *Repository) ByRater(ctx context.Context, dimension string, rater domain.Rater) ([]string, error) {
	const query = `
        SELECT entity_id
        FROM votes
        WHERE dimension = $1 AND rater_kind = $2 AND rater_id = $3
        ORDER BY entity_id
    `
	rows, err := r.Ratings.pool.Query(ctx, query, dimension, rater.Kind, rater.ID)
	if err != nil {
		return nil, fmt.Errorf("entities by rater: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("entities by rater: %w", err)
	}
	return ids, nil
}

// AveragesBetween implements ledger.Index.
func (r *Repository) AveragesBetween(ctx context.Context, dimension string, min, max float64) ([]ledger.Ranked, error) {
	return r.Ratings.ranked(ctx, dimension, 0, &min, &max)
}

// TopAverages implements ledger.Index.
func (r *Repository) TopAverages(ctx context.Context, dimension string, limit int) ([]ledger.Ranked, error) {
	return r.Ratings.ranked(ctx, dimension, limit, nil, nil)
}

// Unrated implements ledger.Index.
func (r *Repository) Unrated(ctx context.Context, dimension string) ([]string, error) {
	const query = `
        SELECT e.id
        FROM rateables e
        LEFT JOIN rating_aggregates a ON a.entity_id = e.id AND a.dimension = $1
        WHERE a.average IS NULL
        ORDER BY e.id
    `
	rows, err := r.Ratings.pool.Query(ctx, query, dimension)
	if err != nil {
		return nil, fmt.Errorf("unrated entities: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("unrated entities: %w", err)
	}
	return ids, nil
}

func (r *RatingsRepository) ranked(ctx context.Context, dimension string, limit int, min, max *float64) ([]ledger.Ranked, error) {
	where := []string{"dimension = $1", "average IS NOT NULL"}
	args := []interface{}{dimension}
	arg := func(value interface{}) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}
	if min != nil {
		where = append(where, "average >= "+arg(*min))
	}
	if max != nil {
		where = append(where, "average <= "+arg(*max))
	}

	var sb strings.Builder
	sb.WriteString("SELECT entity_id, count, average FROM rating_aggregates WHERE ")
	sb.WriteString(strings.Join(where, " AND "))
	sb.WriteString(" ORDER BY average DESC, entity_id ASC")
	if limit > 0 {
		sb.WriteString(" LIMIT " + arg(limit))
	}

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("rank entities: %w", err)
	}
	defer rows.Close()

	result := make([]ledger.Ranked, 0)
	for rows.Next() {
		var row ledger.Ranked
		if err := rows.Scan(&row.EntityID, &row.Count, &row.Average); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
