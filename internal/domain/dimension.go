package domain

import (
	"fmt"
	"math"
)

// Range is an inclusive numeric interval.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within the range bounds.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("%g..%g", r.Min, r.Max)
}

// DimensionConfig captures the rating policy of a single dimension.
type DimensionConfig struct {
	Name            string
	Range           Range
	AllowRerate     bool
	AllowFractional bool
}

// Normalize returns the value as it is stored: truncated toward zero on
// integer-only dimensions, unchanged otherwise.
func (d DimensionConfig) Normalize(v float64) float64 {
	if d.AllowFractional {
		return v
	}
	return math.Trunc(v)
}

// DefaultDimension returns the policy applied when only a name is declared:
// range 1..5, re-rating and fractional values allowed.
func DefaultDimension(name string) DimensionConfig {
	return DimensionConfig{
		Name:            name,
		Range:           Range{Min: 1, Max: 5},
		AllowRerate:     true,
		AllowFractional: true,
	}
}
