// Package types holds the shared vocabulary of the deliberation engine:
// phases, dispositions, reason codes, the wire shapes of phase results, and
// the domain events every handler emits. All other packages import it; it
// imports nothing above the standard library and uuid.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Phase is one step of the fixed deliberation protocol. Only Complete is
// terminal. The walk is strictly Assess → Position → CrossExamine → Vote →
// Complete, except that the deadlock handler may re-enter CrossExamine from
// Vote when starting a new round.
type Phase string

const (
	PhaseAssess       Phase = "ASSESS"
	PhasePosition     Phase = "POSITION"
	PhaseCrossExamine Phase = "CROSS_EXAMINE"
	PhaseVote         Phase = "VOTE"
	PhaseComplete     Phase = "COMPLETE"
)

// phaseOrder drives Successor and ordered iteration over transcripts.
var phaseOrder = []Phase{PhaseAssess, PhasePosition, PhaseCrossExamine, PhaseVote, PhaseComplete}

// Successor returns the next phase in the monotonic walk and false when p is
// terminal or unknown.
//
// Expectations:
//   - ASSESS → POSITION, POSITION → CROSS_EXAMINE, CROSS_EXAMINE → VOTE, VOTE → COMPLETE
//   - Returns ("", false) for COMPLETE
//   - Returns ("", false) for an unknown phase value
func (p Phase) Successor() (Phase, bool) {
	for i, ph := range phaseOrder {
		if ph == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// Terminal reports whether p is the terminal phase.
func (p Phase) Terminal() bool { return p == PhaseComplete }

// Valid reports whether p is one of the five protocol phases.
func (p Phase) Valid() bool {
	for _, ph := range phaseOrder {
		if ph == p {
			return true
		}
	}
	return false
}

// Phases returns the non-terminal phases in protocol order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder)-1)
	copy(out, phaseOrder[:len(phaseOrder)-1])
	return out
}

// Disposition is a terminal adjudication of a petition. Timeout, deadlock,
// and substitution failure all resolve to Escalate — the engine never fails
// silently.
type Disposition string

const (
	DispositionAcknowledge Disposition = "ACKNOWLEDGE"
	DispositionRefer       Disposition = "REFER"
	DispositionEscalate    Disposition = "ESCALATE"
)

// Valid reports whether d is one of the three legal dispositions.
func (d Disposition) Valid() bool {
	switch d {
	case DispositionAcknowledge, DispositionRefer, DispositionEscalate:
		return true
	}
	return false
}

// FailureReason classifies why an archon failed during phase execution.
// The orchestrator derives it from the free-form reason string on a
// PhaseExecutionFailure before consulting the substitution handler.
type FailureReason string

const (
	ReasonResponseTimeout FailureReason = "RESPONSE_TIMEOUT"
	ReasonAPIError        FailureReason = "API_ERROR"
	ReasonInvalidResponse FailureReason = "INVALID_RESPONSE"
)

// AbortReason explains a forced abort. Only these two values are legal.
type AbortReason string

const (
	AbortInsufficientArchons AbortReason = "INSUFFICIENT_ARCHONS"
	AbortPoolExhausted       AbortReason = "ARCHON_POOL_EXHAUSTED"
)

// DeadlockMaxRoundsExceeded is the single deadlock reason the engine records.
const DeadlockMaxRoundsExceeded = "DEADLOCK_MAX_ROUNDS_EXCEEDED"

// TranscriptHash is the 32-byte content address of a phase transcript.
// It serializes as 64 lowercase hex characters.
type TranscriptHash [32]byte

// Hex returns the 64-char lowercase hex rendering.
func (h TranscriptHash) Hex() string {
	const digits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range h {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0x0f]
	}
	return string(out)
}

// MarshalJSON renders the hash as a hex string.
func (h TranscriptHash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.Hex() + `"`), nil
}

// UnmarshalJSON parses a 64-char hex string.
func (h *TranscriptHash) UnmarshalJSON(data []byte) error {
	if len(data) != 66 || data[0] != '"' || data[65] != '"' {
		return ErrBadTranscriptHash
	}
	hex := data[1:65]
	for i := 0; i < 32; i++ {
		hi, ok1 := hexVal(hex[i*2])
		lo, ok2 := hexVal(hex[i*2+1])
		if !ok1 || !ok2 {
			return ErrBadTranscriptHash
		}
		h[i] = hi<<4 | lo
	}
	return nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// PhaseResult is the product of one phase execution.
//
// For VOTE, Metadata carries a Votes map (archon id → disposition). For
// CROSS_EXAMINE, Metadata carries RoundsCompleted and ChallengesRaised.
type PhaseResult struct {
	Phase          Phase          `json:"phase"`
	Transcript     string         `json:"transcript"`
	TranscriptHash TranscriptHash `json:"transcript_hash"`
	Participants   []string       `json:"participants"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	Metadata       PhaseMetadata  `json:"phase_metadata"`
}

// PhaseMetadata is the phase-specific annex of a PhaseResult.
type PhaseMetadata struct {
	Votes            map[string]Disposition `json:"votes,omitempty"`
	RoundsCompleted  int                    `json:"rounds_completed,omitempty"`
	ChallengesRaised int                    `json:"challenges_raised,omitempty"`
}

// Handoff is the briefing package a substitute archon receives: everything
// the panel has produced so far, keyed so the executor can fold it into the
// substitute's first prompt. It is opaque to the orchestrator.
type Handoff struct {
	TranscriptHashes []PhaseHash            `json:"transcript_hashes"`
	Votes            map[string]Disposition `json:"votes"`
	RoundCount       int                    `json:"round_count"`
	FailedArchonID   string                 `json:"failed_archon_id"`
	SubstituteID     string                 `json:"substitute_id"`
}

// PhaseHash pairs a phase with its recorded transcript hash, in phase order.
type PhaseHash struct {
	Phase Phase          `json:"phase"`
	Hash  TranscriptHash `json:"hash"`
}

// DeliberationResult is the engine's final product for one session.
//
// PhaseResults begins ASSESS, POSITION, then one or more alternating
// CROSS_EXAMINE, VOTE pairs (one pair per round attempted). Aborted results
// carry the partial sequence completed before the abort.
type DeliberationResult struct {
	SessionID     string                 `json:"session_id"`
	PetitionID    string                 `json:"petition_id"`
	Outcome       Disposition            `json:"outcome"`
	Votes         map[string]Disposition `json:"votes,omitempty"`
	DissentArchon string                 `json:"dissent_archon_id,omitempty"`
	PhaseResults  []PhaseResult          `json:"phase_results"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   time.Time              `json:"completed_at"`
	IsAborted     bool                   `json:"is_aborted,omitempty"`
	AbortReason   AbortReason            `json:"abort_reason,omitempty"`
}

// NewID returns a time-ordered unique identifier (UUIDv7). Session and event
// IDs sort by creation time, which keeps the leveldb key space append-mostly.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String() // v4 fallback; only reachable if the entropy source fails
	}
	return id.String()
}
