package domain

import "time"

// Rater identifies a voter. Kind distinguishes heterogeneous voter types
// (users, organisations, bots) that may share the same ID space.
type Rater struct {
	Kind string
	ID   string
}

// String renders the rater as "kind:id".
func (r Rater) String() string {
	return r.Kind + ":" + r.ID
}

// Vote represents a single rater's value for one entity dimension.
type Vote struct {
	EntityID  string
	Dimension string
	Rater     Rater
	Value     float64
	CreatedAt time.Time
}

// Aggregate is the derived count/sum/average triple for an entity dimension.
// Average is nil while Count is zero.
type Aggregate struct {
	Count   int64
	Sum     float64
	Average *float64
}

// Entity is a rateable domain object.
type Entity struct {
	ID        string
	CreatedAt time.Time
}
