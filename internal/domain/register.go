// Package domain contains core business entities.
package domain

import "fmt"

// RegisterKind represents the Modbus register table a spec reads from.
type RegisterKind string

const (
	KindHolding       RegisterKind = "holding"        // Read/Write, 16 bits
	KindInput         RegisterKind = "input"          // Read-only, 16 bits
	KindCoil          RegisterKind = "coil"           // Read/Write, 1 bit
	KindDiscreteInput RegisterKind = "discrete_input" // Read-only, 1 bit
)

// Protocol limits for a single read request (Modbus application protocol v1.1b).
const (
	MaxRegisterCount = 125  // function codes 0x03/0x04
	MaxBitCount      = 2000 // function codes 0x01/0x02
)

// IsBitKind returns true for kinds whose values are booleans.
func (k RegisterKind) IsBitKind() bool {
	return k == KindCoil || k == KindDiscreteInput
}

// Valid returns true if the kind is a member of the closed set.
func (k RegisterKind) Valid() bool {
	switch k {
	case KindHolding, KindInput, KindCoil, KindDiscreteInput:
		return true
	default:
		return false
	}
}

// RegisterSpec describes one addressable range to poll. Specs are immutable
// value objects; the monitor holds an ordered collection of them and the
// insertion order is the poll order.
type RegisterSpec struct {
	// Address is the zero-based register address
	Address uint16 `json:"address" yaml:"address"`

	// Count is the number of contiguous units to read
	Count uint16 `json:"count" yaml:"count"`

	// Kind selects the register table (holding, input, coil, discrete_input)
	Kind RegisterKind `json:"kind" yaml:"kind"`

	// Name is the display label, defaulting to "<kind>_<address>"
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// NewRegisterSpec creates a validated spec, applying the default name.
func NewRegisterSpec(address, count uint16, kind RegisterKind, name string) (RegisterSpec, error) {
	spec := RegisterSpec{
		Address: address,
		Count:   count,
		Kind:    kind,
		Name:    name,
	}
	if err := spec.Validate(); err != nil {
		return RegisterSpec{}, err
	}
	if spec.Name == "" {
		spec.Name = spec.DefaultName()
	}
	return spec, nil
}

// DefaultName returns the label used when no name was configured.
func (s RegisterSpec) DefaultName() string {
	return fmt.Sprintf("%s_%d", s.Kind, s.Address)
}

// DisplayName returns the configured name or the default label.
func (s RegisterSpec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.DefaultName()
}

// Validate checks the spec against the closed kind set and protocol limits.
func (s RegisterSpec) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRegisterKind, s.Kind)
	}
	if s.Count < 1 {
		return fmt.Errorf("%w: count must be at least 1", ErrInvalidRegisterCount)
	}
	limit := uint16(MaxRegisterCount)
	if s.Kind.IsBitKind() {
		limit = MaxBitCount
	}
	if s.Count > limit {
		return fmt.Errorf("%w: count %d exceeds limit %d for %s reads",
			ErrInvalidRegisterCount, s.Count, limit, s.Kind)
	}
	return nil
}
