// Package petition defines the engine's view of the external petition store:
// the read snapshot, the lifecycle state tags, and the compare-and-swap fate
// port the orchestrator routes terminal dispositions through.
package petition

import (
	"context"
	"errors"
	"time"

	"github.com/civium/archon/internal/types"
)

// State is the petition lifecycle tag owned by the external store.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateDeliberating State = "DELIBERATING"
	StateAcknowledged State = "ACKNOWLEDGED"
	StateReferred     State = "REFERRED"
	StateEscalated    State = "ESCALATED"
	StateDeferred     State = "DEFERRED"
	StateNoResponse   State = "NO_RESPONSE"
)

// SeverityTier grades a petition's urgency for the context package.
type SeverityTier string

const (
	SeverityLow    SeverityTier = "low"
	SeverityMedium SeverityTier = "medium"
	SeverityHigh   SeverityTier = "high"
)

// Snapshot is the immutable read model of one petition at deliberation time.
type Snapshot struct {
	ID              string       `json:"id"`
	Text            string       `json:"text"`
	Type            string       `json:"type"`
	CoSignerCount   int          `json:"co_signer_count"`
	SubmitterID     *string      `json:"submitter_id"`
	Realm           string       `json:"realm"`
	SubmittedAt     time.Time    `json:"submitted_at"`
	SeverityTier    SeverityTier `json:"severity_tier"`
	SeveritySignals []string     `json:"severity_signals"`
	State           State        `json:"state"`

	// Set when the petition is routed to ESCALATED.
	EscalationSource string `json:"escalation_source,omitempty"`
	EscalatedToRealm string `json:"escalated_to_realm,omitempty"`
}

// ErrStateConflict is returned by AssignFateCAS when the stored state no
// longer matches the expected state.
var ErrStateConflict = errors.New("petition state conflict")

// ErrNotFound is returned when the petition id is unknown.
var ErrNotFound = errors.New("petition not found")

// Repository is the petition persistence port. Final routing always goes
// through AssignFateCAS; there is no plain update path.
type Repository interface {
	Get(ctx context.Context, id string) (Snapshot, error)
	// AssignFateCAS swaps the state tag from expected to next. The optional
	// escalationSource and escalatedToRealm annotate ESCALATED fates.
	AssignFateCAS(ctx context.Context, id string, expected, next State, escalationSource, escalatedToRealm string) error
}

// fateTable maps terminal dispositions onto petition states. Fixed; there is
// no disposition that defers or drops a petition.
var fateTable = map[types.Disposition]State{
	types.DispositionAcknowledge: StateAcknowledged,
	types.DispositionRefer:       StateReferred,
	types.DispositionEscalate:    StateEscalated,
}

// FateFor returns the petition state a disposition routes to.
func FateFor(d types.Disposition) (State, bool) {
	s, ok := fateTable[d]
	return s, ok
}
