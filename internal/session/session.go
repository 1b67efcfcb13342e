// Package session implements the deliberation session aggregate: an
// immutable record of one petition's walk through the four-phase protocol.
//
// A Session is never mutated in place. Every transition method validates its
// preconditions, deep-copies the receiver, applies the change, bumps Version,
// and returns the new value. Callers persist the new value through the
// repository; stale in-memory copies remain read-only witnesses.
package session

import (
	"fmt"
	"time"

	"github.com/civium/archon/internal/types"
)

// maxSubstitutions is the system-wide cap on panel substitutions per session.
// The configured value is shadowed by this domain constant on purpose: the
// invariant set is only proven for a single substitution.
const maxSubstitutions = 1

// panelSize is the fixed number of archons on a deliberation panel.
const panelSize = 3

// Substitution records one panel substitution.
type Substitution struct {
	FailedID       string              `json:"failed_id"`
	SubstituteID   string              `json:"substitute_id"`
	PhaseAtFailure types.Phase         `json:"phase_at_failure"`
	FailureReason  types.FailureReason `json:"failure_reason"`
	SubstitutedAt  time.Time           `json:"substituted_at"`
}

// Session is the aggregate root for one deliberation. Fields follow the
// persisted snapshot layout exactly; treat constructed values as read-only
// and transition only through the named methods.
type Session struct {
	SessionID        string                            `json:"session_id"`
	PetitionID       string                            `json:"petition_id"`
	AssignedArchons  []string                          `json:"assigned_archons"`
	Phase            types.Phase                       `json:"phase"`
	PhaseTranscripts map[types.Phase]types.TranscriptHash `json:"phase_transcripts,omitempty"`
	Votes            map[string]types.Disposition      `json:"votes,omitempty"`
	Outcome          types.Disposition                 `json:"outcome,omitempty"`
	DissentArchonID  string                            `json:"dissent_archon_id,omitempty"`
	RoundCount       int                               `json:"round_count"`
	VotesByRound     []map[types.Disposition]int       `json:"votes_by_round,omitempty"`
	IsDeadlocked     bool                              `json:"is_deadlocked,omitempty"`
	DeadlockReason   string                            `json:"deadlock_reason,omitempty"`
	TimedOut         bool                              `json:"timed_out,omitempty"`
	TimeoutJobID     string                            `json:"timeout_job_id,omitempty"`
	TimeoutAt        *time.Time                        `json:"timeout_at,omitempty"`
	Substitutions    []Substitution                    `json:"substitutions,omitempty"`
	IsAborted        bool                              `json:"is_aborted,omitempty"`
	AbortReason      types.AbortReason                 `json:"abort_reason,omitempty"`
	Version          int64                             `json:"version"`
	CreatedAt        time.Time                         `json:"created_at"`
	CompletedAt      *time.Time                        `json:"completed_at,omitempty"`
}

// New creates a session at the start of the protocol: phase ASSESS, no
// transcripts, no votes, round 1, version 1.
//
// Expectations:
//   - Refuses panels that are not exactly three distinct archon ids
//   - Refuses empty petition ids
func New(petitionID string, archons []string) (Session, error) {
	if petitionID == "" {
		return Session{}, fmt.Errorf("%w: empty petition id", types.ErrInvalidArchonAssignment)
	}
	if err := validatePanel(archons); err != nil {
		return Session{}, err
	}
	s := Session{
		SessionID:       types.NewID(),
		PetitionID:      petitionID,
		AssignedArchons: append([]string(nil), archons...),
		Phase:           types.PhaseAssess,
		RoundCount:      1,
		Version:         1,
		CreatedAt:       time.Now().UTC(),
	}
	return s, nil
}

func validatePanel(archons []string) error {
	if len(archons) != panelSize {
		return fmt.Errorf("%w: panel size %d, want %d", types.ErrInvalidArchonAssignment, len(archons), panelSize)
	}
	seen := make(map[string]bool, panelSize)
	for _, a := range archons {
		if a == "" {
			return fmt.Errorf("%w: empty archon id", types.ErrInvalidArchonAssignment)
		}
		if seen[a] {
			return fmt.Errorf("%w: duplicate archon %q", types.ErrInvalidArchonAssignment, a)
		}
		seen[a] = true
	}
	return nil
}

// Terminal reports whether the session has reached COMPLETE.
func (s Session) Terminal() bool { return s.Phase.Terminal() }

// CurrentActiveArchons returns the panel with each failed archon replaced by
// its substitute, preserving the assigned order.
func (s Session) CurrentActiveArchons() []string {
	active := append([]string(nil), s.AssignedArchons...)
	for _, sub := range s.Substitutions {
		for i, a := range active {
			if a == sub.FailedID {
				active[i] = sub.SubstituteID
			}
		}
	}
	return active
}

// FailedArchonIDs returns the ids of archons replaced so far, in order.
func (s Session) FailedArchonIDs() []string {
	out := make([]string, 0, len(s.Substitutions))
	for _, sub := range s.Substitutions {
		out = append(out, sub.FailedID)
	}
	return out
}

// OrderedTranscripts returns the recorded transcript hashes in phase order.
func (s Session) OrderedTranscripts() []types.PhaseHash {
	var out []types.PhaseHash
	for _, p := range types.Phases() {
		if h, ok := s.PhaseTranscripts[p]; ok {
			out = append(out, types.PhaseHash{Phase: p, Hash: h})
		}
	}
	return out
}

// Distribution tallies a vote map into disposition counts.
func Distribution(votes map[string]types.Disposition) map[types.Disposition]int {
	dist := make(map[types.Disposition]int, len(votes))
	for _, d := range votes {
		dist[d]++
	}
	return dist
}

// clone deep-copies the session so transition methods never alias the
// receiver's maps and slices.
func (s Session) clone() Session {
	c := s
	c.AssignedArchons = append([]string(nil), s.AssignedArchons...)
	if s.PhaseTranscripts != nil {
		c.PhaseTranscripts = make(map[types.Phase]types.TranscriptHash, len(s.PhaseTranscripts))
		for k, v := range s.PhaseTranscripts {
			c.PhaseTranscripts[k] = v
		}
	}
	if s.Votes != nil {
		c.Votes = make(map[string]types.Disposition, len(s.Votes))
		for k, v := range s.Votes {
			c.Votes[k] = v
		}
	}
	if s.VotesByRound != nil {
		c.VotesByRound = make([]map[types.Disposition]int, 0, len(s.VotesByRound))
		for _, round := range s.VotesByRound {
			rc := make(map[types.Disposition]int, len(round))
			for k, v := range round {
				rc[k] = v
			}
			c.VotesByRound = append(c.VotesByRound, rc)
		}
	}
	c.Substitutions = append([]Substitution(nil), s.Substitutions...)
	if s.TimeoutAt != nil {
		t := *s.TimeoutAt
		c.TimeoutAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

func (s Session) refuseTerminal() error {
	if s.Terminal() {
		return fmt.Errorf("%w: session %s", types.ErrSessionAlreadyComplete, s.SessionID)
	}
	return nil
}

// AdvancePhase moves the session to the immediate successor phase.
//
// Expectations:
//   - Permits only Phase.Successor() = next
//   - Refuses on a terminal session
//   - Increments Version by exactly 1
func (s Session) AdvancePhase(next types.Phase) (Session, error) {
	if err := s.refuseTerminal(); err != nil {
		return s, err
	}
	succ, ok := s.Phase.Successor()
	if !ok || succ != next {
		return s, fmt.Errorf("%w: %s → %s", types.ErrInvalidPhaseTransition, s.Phase, next)
	}
	c := s.clone()
	c.Phase = next
	c.Version++
	return c, nil
}

// RecordTranscript attaches the 32-byte transcript hash for a phase.
//
// Expectations:
//   - Refuses on a terminal session
//   - Refuses unknown or terminal phase keys
func (s Session) RecordTranscript(phase types.Phase, hash types.TranscriptHash) (Session, error) {
	if err := s.refuseTerminal(); err != nil {
		return s, err
	}
	if !phase.Valid() || phase.Terminal() {
		return s, fmt.Errorf("%w: cannot record transcript for phase %q", types.ErrInvalidPhaseTransition, phase)
	}
	c := s.clone()
	if c.PhaseTranscripts == nil {
		c.PhaseTranscripts = make(map[types.Phase]types.TranscriptHash, 4)
	}
	c.PhaseTranscripts[phase] = hash
	c.Version++
	return c, nil
}

// RecordVotes attaches the full vote map for the current round.
//
// Expectations:
//   - Requires exactly three votes
//   - Requires every voter to be on the current active panel
//   - Requires every vote to be a legal disposition
//   - Refuses on a terminal session
func (s Session) RecordVotes(votes map[string]types.Disposition) (Session, error) {
	if err := s.refuseTerminal(); err != nil {
		return s, err
	}
	if len(votes) != panelSize {
		return s, fmt.Errorf("%w: got %d votes, want %d", types.ErrInvalidArchonAssignment, len(votes), panelSize)
	}
	active := make(map[string]bool, panelSize)
	for _, a := range s.CurrentActiveArchons() {
		active[a] = true
	}
	c := s.clone()
	c.Votes = make(map[string]types.Disposition, panelSize)
	for archon, d := range votes {
		if !active[archon] {
			return s, fmt.Errorf("%w: voter %q is not on the panel", types.ErrInvalidArchonAssignment, archon)
		}
		if !d.Valid() {
			return s, fmt.Errorf("%w: illegal disposition %q from %q", types.ErrInvalidArchonAssignment, d, archon)
		}
		c.Votes[archon] = d
	}
	c.Version++
	return c, nil
}

// ResolveConsensus finds the disposition with a supermajority (≥ 2 of 3),
// identifies the single dissenter if any, and completes the session.
//
// Expectations:
//   - Requires three recorded votes
//   - Returns ErrConsensusNotReached on a 1-1-1 split, leaving s unchanged
//   - Sets DissentArchonID only for 2-1 outcomes
//   - Transitions to COMPLETE and stamps CompletedAt
func (s Session) ResolveConsensus() (Session, error) {
	if err := s.refuseTerminal(); err != nil {
		return s, err
	}
	if len(s.Votes) != panelSize {
		return s, fmt.Errorf("%w: have %d votes, need %d", types.ErrConsensusNotReached, len(s.Votes), panelSize)
	}
	dist := Distribution(s.Votes)
	var winner types.Disposition
	for d, n := range dist {
		if n >= 2 {
			winner = d
		}
	}
	if winner == "" {
		return s, fmt.Errorf("%w: 1-1-1 split in round %d", types.ErrConsensusNotReached, s.RoundCount)
	}
	c := s.clone()
	c.Outcome = winner
	for archon, d := range c.Votes {
		if d != winner {
			c.DissentArchonID = archon
		}
	}
	now := time.Now().UTC()
	c.CompletedAt = &now
	c.Phase = types.PhaseComplete
	c.Version++
	return c, nil
}

// BeginNewRound re-enters CROSS_EXAMINE after a non-consensus vote: the
// previous distribution is archived, the round counter advances, and the
// vote map is cleared.
//
// Expectations:
//   - Refuses on a terminal session
//   - Appends prev to VotesByRound and increments RoundCount
//   - Clears Votes and sets Phase to CROSS_EXAMINE
func (s Session) BeginNewRound(prev map[types.Disposition]int) (Session, error) {
	if err := s.refuseTerminal(); err != nil {
		return s, err
	}
	c := s.clone()
	c.VotesByRound = append(c.VotesByRound, copyDist(prev))
	c.RoundCount++
	c.Votes = nil
	c.Phase = types.PhaseCrossExamine
	c.Version++
	return c, nil
}

// ForceDeadlock terminates the session at the round ceiling: the final
// distribution is archived and the outcome forced to ESCALATE.
func (s Session) ForceDeadlock(final map[types.Disposition]int) (Session, error) {
	if err := s.refuseTerminal(); err != nil {
		return s, err
	}
	c := s.clone()
	c.VotesByRound = append(c.VotesByRound, copyDist(final))
	c.Outcome = types.DispositionEscalate
	c.IsDeadlocked = true
	c.DeadlockReason = types.DeadlockMaxRoundsExceeded
	now := time.Now().UTC()
	c.CompletedAt = &now
	c.Phase = types.PhaseComplete
	c.Version++
	return c, nil
}

// ScheduleTimeout attaches the deadline job handle.
//
// Expectations:
//   - Refuses if a timeout is already scheduled
//   - Refuses on a terminal session
//   - Refuses a zero firesAt; stores the instant in UTC
func (s Session) ScheduleTimeout(jobID string, firesAt time.Time) (Session, error) {
	if err := s.refuseTerminal(); err != nil {
		return s, err
	}
	if s.TimeoutJobID != "" {
		return s, fmt.Errorf("%w: timeout job %s already scheduled", types.ErrInvalidPhaseTransition, s.TimeoutJobID)
	}
	if jobID == "" || firesAt.IsZero() {
		return s, fmt.Errorf("%w: timeout handle requires a job id and a concrete deadline", types.ErrInvalidPhaseTransition)
	}
	c := s.clone()
	c.TimeoutJobID = jobID
	utc := firesAt.UTC()
	c.TimeoutAt = &utc
	c.Version++
	return c, nil
}

// CancelTimeout clears the deadline handle. Calling it with no handle
// attached is a no-op that returns the receiver unchanged.
func (s Session) CancelTimeout() (Session, error) {
	if s.TimeoutJobID == "" {
		return s, nil
	}
	c := s.clone()
	c.TimeoutJobID = ""
	c.TimeoutAt = nil
	c.Version++
	return c, nil
}

// ForceTimeout terminates the session because the deadline fired first.
func (s Session) ForceTimeout() (Session, error) {
	if err := s.refuseTerminal(); err != nil {
		return s, err
	}
	c := s.clone()
	c.TimedOut = true
	c.Outcome = types.DispositionEscalate
	c.TimeoutJobID = "" // the fire consumed the handle
	now := time.Now().UTC()
	c.CompletedAt = &now
	c.Phase = types.PhaseComplete
	c.Version++
	return c, nil
}

// ApplySubstitution appends a substitution record, rewriting the active
// panel derived by CurrentActiveArchons.
//
// Expectations:
//   - Refuses when the substitution cap is already reached
//   - Refuses when failedID is not on the current active panel
//   - Refuses when failedID == substituteID
//   - Refuses on a terminal session
func (s Session) ApplySubstitution(failedID, substituteID string, reason types.FailureReason) (Session, error) {
	if err := s.refuseTerminal(); err != nil {
		return s, err
	}
	if len(s.Substitutions) >= maxSubstitutions {
		return s, fmt.Errorf("%w: substitution cap (%d) reached", types.ErrInvalidArchonAssignment, maxSubstitutions)
	}
	if failedID == substituteID {
		return s, fmt.Errorf("%w: substitute equals failed archon %q", types.ErrInvalidArchonAssignment, failedID)
	}
	onPanel := false
	for _, a := range s.CurrentActiveArchons() {
		if a == failedID {
			onPanel = true
			break
		}
	}
	if !onPanel {
		return s, fmt.Errorf("%w: archon %q is not on the active panel", types.ErrInvalidArchonAssignment, failedID)
	}
	c := s.clone()
	c.Substitutions = append(c.Substitutions, Substitution{
		FailedID:       failedID,
		SubstituteID:   substituteID,
		PhaseAtFailure: s.Phase,
		FailureReason:  reason,
		SubstitutedAt:  time.Now().UTC(),
	})
	c.Version++
	return c, nil
}

// ForceAbort terminates the session because substitution could not continue.
//
// Expectations:
//   - Accepts only INSUFFICIENT_ARCHONS or ARCHON_POOL_EXHAUSTED
//   - Refuses on a terminal session
func (s Session) ForceAbort(reason types.AbortReason) (Session, error) {
	if err := s.refuseTerminal(); err != nil {
		return s, err
	}
	if reason != types.AbortInsufficientArchons && reason != types.AbortPoolExhausted {
		return s, fmt.Errorf("%w: illegal abort reason %q", types.ErrInvalidPhaseTransition, reason)
	}
	c := s.clone()
	c.IsAborted = true
	c.AbortReason = reason
	c.Outcome = types.DispositionEscalate
	now := time.Now().UTC()
	c.CompletedAt = &now
	c.Phase = types.PhaseComplete
	c.Version++
	return c, nil
}

func copyDist(d map[types.Disposition]int) map[types.Disposition]int {
	out := make(map[types.Disposition]int, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
