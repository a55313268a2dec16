package ledger

import (
	"errors"
	"fmt"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
)

var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("ledger: entity not found")
	// ErrUnknownDimension indicates the dimension was never declared.
	ErrUnknownDimension = errors.New("ledger: unknown dimension")
	// ErrOutOfRange matches every *OutOfRangeError.
	ErrOutOfRange = errors.New("ledger: value out of range")
	// ErrRerateForbidden is returned when a rater votes twice on a dimension
	// that does not allow re-rating.
	ErrRerateForbidden = errors.New("ledger: re-rate forbidden")
	// ErrPersistence matches every *PersistenceError.
	ErrPersistence = errors.New("ledger: persistence failure")
)

// OutOfRangeError reports a value rejected by a dimension's range.
type OutOfRangeError struct {
	Dimension string
	Value     float64
	Range     domain.Range
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("ledger: value %g out of range %s for dimension %q", e.Value, e.Range, e.Dimension)
}

// Is lets errors.Is(err, ErrOutOfRange) succeed.
func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// PersistenceError wraps a store failure. No part of the failed operation is
// visible once it is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrPersistence) succeed.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// wrapStoreError passes domain errors through unchanged and wraps everything
// else as a PersistenceError.
func wrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *PersistenceError
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrRerateForbidden),
		errors.Is(err, ErrUnknownDimension),
		errors.Is(err, ErrOutOfRange),
		errors.As(err, &perr):
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
