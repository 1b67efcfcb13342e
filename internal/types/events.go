package types

import "time"

// EventKind labels a domain event for bus routing and the audit log.
type EventKind string

const (
	KindPhaseWitness       EventKind = "phase_witness"
	KindCrossExamineRound  EventKind = "cross_examine_round_triggered"
	KindDeadlockDetected   EventKind = "deadlock_detected"
	KindTimeoutExpired     EventKind = "deliberation_timeout_expired"
	KindArchonSubstituted  EventKind = "archon_substituted"
	KindDeliberationAbort  EventKind = "deliberation_aborted"
	KindDeliberationDone   EventKind = "deliberation_completed"
)

// Event is the interface every domain event satisfies. Events reference the
// session by id only, never by value.
type Event interface {
	Kind() EventKind
	Meta() Envelope
}

// EventSink is the append-only receiver handlers publish domain events to.
type EventSink interface {
	Publish(Event)
}

// Envelope carries the fields common to every domain event.
type Envelope struct {
	EventID       string    `json:"event_id"`
	SessionID     string    `json:"session_id"`
	PetitionID    string    `json:"petition_id"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewEnvelope stamps a fresh envelope for a session/petition pair.
func NewEnvelope(sessionID, petitionID string) Envelope {
	return Envelope{
		EventID:       NewID(),
		SessionID:     sessionID,
		PetitionID:    petitionID,
		SchemaVersion: 1,
		CreatedAt:     time.Now().UTC(),
	}
}

// PhaseWitnessEvent records that a phase transcript was appended to the
// content-addressed witness store. Exactly one is emitted per completed
// phase; the hash matches the one recorded on the session.
type PhaseWitnessEvent struct {
	Envelope
	Phase          Phase          `json:"phase"`
	TranscriptHash TranscriptHash `json:"transcript_hash"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	Participants   []string       `json:"participants"`
	Metadata       PhaseMetadata  `json:"metadata"`
}

func (e PhaseWitnessEvent) Kind() EventKind { return KindPhaseWitness }
func (e PhaseWitnessEvent) Meta() Envelope { return e.Envelope }

// CrossExamineRoundTriggered records the deadlock handler re-entering
// CROSS_EXAMINE with a fresh round after a 1-1-1 split.
type CrossExamineRoundTriggered struct {
	Envelope
	RoundNumber          int                 `json:"round_number"` // ≥ 2
	PreviousDistribution map[Disposition]int `json:"previous_vote_distribution"`
	Participants         []string            `json:"participating_archons"`
}

func (e CrossExamineRoundTriggered) Kind() EventKind { return KindCrossExamineRound }
func (e CrossExamineRoundTriggered) Meta() Envelope { return e.Envelope }

// DeadlockDetected records the round ceiling being hit on a 1-1-1 split; the
// session has been driven to ESCALATE.
type DeadlockDetected struct {
	Envelope
	RoundCount        int                   `json:"round_count"`
	VotesByRound      []map[Disposition]int `json:"votes_by_round"`
	FinalDistribution map[Disposition]int   `json:"final_vote_distribution"`
	PhaseAtDeadlock   Phase                 `json:"phase_at_deadlock"`
	Participants      []string              `json:"participating_archons"`
}

func (e DeadlockDetected) Kind() EventKind { return KindDeadlockDetected }
func (e DeadlockDetected) Meta() Envelope { return e.Envelope }

// DeliberationTimeoutExpired records the deadline job firing before the
// deliberation completed.
type DeliberationTimeoutExpired struct {
	Envelope
	PhaseAtTimeout    Phase     `json:"phase_at_timeout"`
	StartedAt         time.Time `json:"started_at"`
	TimeoutAt         time.Time `json:"timeout_at"`
	ConfiguredSeconds int       `json:"configured_timeout_seconds"`
	Participants      []string  `json:"participating_archons"`
}

func (e DeliberationTimeoutExpired) Kind() EventKind { return KindTimeoutExpired }
func (e DeliberationTimeoutExpired) Meta() Envelope { return e.Envelope }

// ArchonSubstituted records a successful mid-deliberation panel substitution.
type ArchonSubstituted struct {
	Envelope
	FailedArchonID     string        `json:"failed_archon_id"`
	SubstituteArchonID string        `json:"substitute_archon_id"`
	PhaseAtFailure     Phase         `json:"phase_at_failure"`
	FailureReason      FailureReason `json:"failure_reason"`
	LatencyMS          int64         `json:"substitution_latency_ms"`
	TranscriptPages    int           `json:"transcript_pages_provided"`
	MetSLA             bool          `json:"met_sla"`
}

func (e ArchonSubstituted) Kind() EventKind { return KindArchonSubstituted }
func (e ArchonSubstituted) Meta() Envelope { return e.Envelope }

// FailedArchon identifies one archon whose failure contributed to an abort.
type FailedArchon struct {
	ArchonID string        `json:"archon_id"`
	Reason   FailureReason `json:"reason"`
	Phase    Phase         `json:"phase"`
}

// DeliberationAborted records a substitution-impossible abort; the session
// has been driven to ESCALATE.
type DeliberationAborted struct {
	Envelope
	Reason          AbortReason    `json:"reason"`
	FailedArchons   []FailedArchon `json:"failed_archons"`
	PhaseAtAbort    Phase          `json:"phase_at_abort"`
	SurvivingArchon string         `json:"surviving_archon_id,omitempty"`
}

func (e DeliberationAborted) Kind() EventKind { return KindDeliberationAbort }
func (e DeliberationAborted) Meta() Envelope { return e.Envelope }

// DeliberationCompleted records a normal completion with its vote shape.
type DeliberationCompleted struct {
	Envelope
	Outcome       Disposition         `json:"outcome"`
	Distribution  map[Disposition]int `json:"vote_distribution"`
	DissentArchon string              `json:"dissenter,omitempty"`
}

func (e DeliberationCompleted) Kind() EventKind { return KindDeliberationDone }
func (e DeliberationCompleted) Meta() Envelope { return e.Envelope }
