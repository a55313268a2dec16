package ledger

import "github.com/Clark-Hu/rating-ledger/internal/domain"

// CalcAverage returns sum/count in floating point, or nil when there are no
// votes.
func CalcAverage(sum float64, count int64) *float64 {
	if count < 1 {
		return nil
	}
	avg := sum / float64(count)
	return &avg
}

// Summarize derives an aggregate from a set of vote values.
func Summarize(values []float64) domain.Aggregate {
	var sum float64
	for _, v := range values {
		sum += v
	}
	count := int64(len(values))
	return domain.Aggregate{Count: count, Sum: sum, Average: CalcAverage(sum, count)}
}

func addVote(agg domain.Aggregate, value float64) domain.Aggregate {
	agg.Count++
	agg.Sum += value
	agg.Average = CalcAverage(agg.Sum, agg.Count)
	return agg
}

func removeVote(agg domain.Aggregate, value float64) domain.Aggregate {
	agg.Count--
	agg.Sum -= value
	if agg.Count == 0 {
		// an empty dimension always sums to zero
		agg.Sum = 0
	}
	agg.Average = CalcAverage(agg.Sum, agg.Count)
	return agg
}
