// Package domain contains core business entities.
package domain

import "time"

// Reading holds the values captured from one register spec in one cycle.
// Values are uint16 for register kinds and bool for bit kinds, always
// exactly Count entries. A failed read produces no Reading at all.
type Reading struct {
	// Name is the display label copied from the spec
	Name string `json:"name"`

	// Address is the register address copied from the spec
	Address uint16 `json:"address"`

	// Kind is the register table copied from the spec
	Kind RegisterKind `json:"kind"`

	// Values is the ordered raw value sequence
	Values []interface{} `json:"values"`

	// Timestamp is the capture instant
	Timestamp time.Time `json:"timestamp"`
}

// NewReading creates a Reading for a spec with the current timestamp.
func NewReading(spec RegisterSpec, values []interface{}) Reading {
	return Reading{
		Name:      spec.DisplayName(),
		Address:   spec.Address,
		Kind:      spec.Kind,
		Values:    values,
		Timestamp: time.Now(),
	}
}

// CycleClass classifies the outcome of one poll cycle.
type CycleClass string

const (
	CycleFull    CycleClass = "full"    // every spec produced a reading
	CyclePartial CycleClass = "partial" // some specs failed, at least one succeeded
	CycleFailed  CycleClass = "failed"  // every spec failed
)

// CycleOutcome is the result of one full pass over the configured specs.
// Readings preserve spec declaration order regardless of completion order.
type CycleOutcome struct {
	Readings  []Reading `json:"readings"`
	SpecCount int       `json:"spec_count"`
	Timestamp time.Time `json:"timestamp"`
}

// Classify derives the outcome class. Polling an empty spec set is a
// trivial full success, not an error.
func (o CycleOutcome) Classify() CycleClass {
	switch {
	case o.SpecCount == 0 || len(o.Readings) == o.SpecCount:
		return CycleFull
	case len(o.Readings) == 0:
		return CycleFailed
	default:
		return CyclePartial
	}
}

// Empty returns true if the cycle produced no readings.
func (o CycleOutcome) Empty() bool {
	return len(o.Readings) == 0
}
