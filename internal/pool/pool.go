// Package pool exposes the roster of archons available for panel assignment
// and substitution. The engine tracks no availability; selection is by
// position, first-not-already-involved.
package pool

import "context"

// Descriptor identifies one archon agent.
type Descriptor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model"` // backing model tag, informational
}

// Pool is the archon roster port.
type Pool interface {
	// ListAll returns the finite ordered roster.
	ListAll(ctx context.Context) ([]Descriptor, error)
}

// Static is a fixed in-memory roster.
type Static struct {
	archons []Descriptor
}

// NewStatic builds a Static pool preserving the given order.
func NewStatic(archons ...Descriptor) *Static {
	return &Static{archons: append([]Descriptor(nil), archons...)}
}

// ListAll returns a copy of the roster.
func (p *Static) ListAll(_ context.Context) ([]Descriptor, error) {
	return append([]Descriptor(nil), p.archons...), nil
}
