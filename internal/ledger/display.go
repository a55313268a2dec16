package ledger

import (
	"context"
	"fmt"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
)

// Formatter renders a rating for display: the viewer's own vote when present,
// otherwise the entity average, otherwise Placeholder.
type Formatter struct {
	Format      string
	Placeholder string
}

// DefaultFormatter uses one decimal place and "-" for unrated entities.
func DefaultFormatter() Formatter {
	return Formatter{Format: "%.1f", Placeholder: "-"}
}

// Render picks the value to show from an already loaded vote and average.
func (f Formatter) Render(own, average *float64) string {
	format := f.Format
	if format == "" {
		format = "%.1f"
	}
	switch {
	case own != nil:
		return fmt.Sprintf(format, *own)
	case average != nil:
		return fmt.Sprintf(format, *average)
	}
	return f.Placeholder
}

// Display loads the viewer's vote and the average from the ledger and renders
// them. A nil viewer always sees the average.
func (f Formatter) Display(ctx context.Context, l *Ledger, entityID, dimension string, viewer *domain.Rater) (string, error) {
	var own *float64
	if viewer != nil {
		v, err := l.VoteOf(ctx, entityID, dimension, *viewer)
		if err != nil {
			return "", err
		}
		own = v
	}
	avg, err := l.Average(ctx, entityID, dimension)
	if err != nil {
		return "", err
	}
	return f.Render(own, avg), nil
}
