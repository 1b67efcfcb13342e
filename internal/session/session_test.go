package session

import (
	"errors"
	"testing"
	"time"

	"github.com/civium/archon/internal/types"
)

func newTestSession(t *testing.T) Session {
	t.Helper()
	s, err := New("pet-1", []string{"a1", "a2", "a3"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// walk drives a fresh session through ASSESS..VOTE so vote-stage transitions
// can be exercised.
func walkToVote(t *testing.T, s Session) Session {
	t.Helper()
	for _, p := range []types.Phase{types.PhasePosition, types.PhaseCrossExamine, types.PhaseVote} {
		var err error
		s, err = s.AdvancePhase(p)
		if err != nil {
			t.Fatalf("AdvancePhase(%s): %v", p, err)
		}
	}
	return s
}

// --- New ---

func TestNew_StartsAtAssessRoundOne(t *testing.T) {
	// A fresh session is at ASSESS, round 1, version 1, no votes or transcripts
	s := newTestSession(t)
	if s.Phase != types.PhaseAssess || s.RoundCount != 1 || s.Version != 1 {
		t.Errorf("unexpected initial state: phase=%s round=%d version=%d", s.Phase, s.RoundCount, s.Version)
	}
	if len(s.Votes) != 0 || len(s.PhaseTranscripts) != 0 {
		t.Errorf("expected empty votes and transcripts")
	}
	if err := s.Validate(); err != nil {
		t.Errorf("fresh session fails validation: %v", err)
	}
}

func TestNew_RefusesDuplicateArchons(t *testing.T) {
	// Panels with duplicate ids are an InvalidArchonAssignment
	_, err := New("pet-1", []string{"a1", "a1", "a3"})
	if !errors.Is(err, types.ErrInvalidArchonAssignment) {
		t.Errorf("expected ErrInvalidArchonAssignment, got %v", err)
	}
}

func TestNew_RefusesWrongPanelSize(t *testing.T) {
	// Panels must have exactly three archons
	_, err := New("pet-1", []string{"a1", "a2"})
	if !errors.Is(err, types.ErrInvalidArchonAssignment) {
		t.Errorf("expected ErrInvalidArchonAssignment, got %v", err)
	}
}

// --- AdvancePhase ---

func TestAdvancePhase_MonotonicWalk(t *testing.T) {
	// The monotonic walk visits each successor exactly once, bumping version each step
	s := newTestSession(t)
	v := s.Version
	s = walkToVote(t, s)
	if s.Phase != types.PhaseVote {
		t.Errorf("expected VOTE, got %s", s.Phase)
	}
	if s.Version != v+3 {
		t.Errorf("expected version %d, got %d", v+3, s.Version)
	}
}

func TestAdvancePhase_RefusesSkip(t *testing.T) {
	// Skipping a phase is an InvalidPhaseTransition
	s := newTestSession(t)
	_, err := s.AdvancePhase(types.PhaseCrossExamine)
	if !errors.Is(err, types.ErrInvalidPhaseTransition) {
		t.Errorf("expected ErrInvalidPhaseTransition, got %v", err)
	}
}

func TestAdvancePhase_LeavesReceiverUntouched(t *testing.T) {
	// Transitions return new values; the receiver is unchanged
	s := newTestSession(t)
	s2, err := s.AdvancePhase(types.PhasePosition)
	if err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	if s.Phase != types.PhaseAssess || s2.Phase != types.PhasePosition {
		t.Errorf("receiver mutated: s=%s s2=%s", s.Phase, s2.Phase)
	}
}

// --- RecordTranscript ---

func TestRecordTranscript_RoundTrips(t *testing.T) {
	// record_transcript(p, h) then read phase_transcripts[p] yields h
	s := newTestSession(t)
	h := types.TranscriptHash{1, 2, 3}
	s2, err := s.RecordTranscript(types.PhaseAssess, h)
	if err != nil {
		t.Fatalf("RecordTranscript: %v", err)
	}
	if got := s2.PhaseTranscripts[types.PhaseAssess]; got != h {
		t.Errorf("transcript round-trip failed: got %v", got)
	}
	if len(s.PhaseTranscripts) != 0 {
		t.Errorf("receiver transcript map mutated")
	}
}

func TestRecordTranscript_RefusesTerminalPhaseKey(t *testing.T) {
	// COMPLETE never carries a transcript
	s := newTestSession(t)
	_, err := s.RecordTranscript(types.PhaseComplete, types.TranscriptHash{})
	if !errors.Is(err, types.ErrInvalidPhaseTransition) {
		t.Errorf("expected ErrInvalidPhaseTransition, got %v", err)
	}
}

// --- RecordVotes / ResolveConsensus ---

func TestRecordVotes_RefusesUnknownVoter(t *testing.T) {
	// Voters must be on the active panel
	s := walkToVote(t, newTestSession(t))
	_, err := s.RecordVotes(map[string]types.Disposition{
		"a1": types.DispositionAcknowledge,
		"a2": types.DispositionAcknowledge,
		"zz": types.DispositionAcknowledge,
	})
	if !errors.Is(err, types.ErrInvalidArchonAssignment) {
		t.Errorf("expected ErrInvalidArchonAssignment, got %v", err)
	}
}

func TestRecordVotes_RefusesPartialMap(t *testing.T) {
	// The vote map must have exactly three entries
	s := walkToVote(t, newTestSession(t))
	_, err := s.RecordVotes(map[string]types.Disposition{"a1": types.DispositionRefer})
	if !errors.Is(err, types.ErrInvalidArchonAssignment) {
		t.Errorf("expected ErrInvalidArchonAssignment, got %v", err)
	}
}

func TestResolveConsensus_Unanimous(t *testing.T) {
	// 3-0 resolves with no dissenter and completes the session
	s := walkToVote(t, newTestSession(t))
	s, err := s.RecordVotes(map[string]types.Disposition{
		"a1": types.DispositionAcknowledge,
		"a2": types.DispositionAcknowledge,
		"a3": types.DispositionAcknowledge,
	})
	if err != nil {
		t.Fatalf("RecordVotes: %v", err)
	}
	s, err = s.ResolveConsensus()
	if err != nil {
		t.Fatalf("ResolveConsensus: %v", err)
	}
	if s.Outcome != types.DispositionAcknowledge || s.DissentArchonID != "" {
		t.Errorf("outcome=%s dissent=%q", s.Outcome, s.DissentArchonID)
	}
	if !s.Terminal() || s.CompletedAt == nil {
		t.Errorf("expected terminal session with completed_at set")
	}
	if err := s.Validate(); err != nil {
		t.Errorf("resolved session fails validation: %v", err)
	}
}

func TestResolveConsensus_TwoOneNamesDissenter(t *testing.T) {
	// 2-1 resolves to the majority and names the dissenter
	s := walkToVote(t, newTestSession(t))
	s, _ = s.RecordVotes(map[string]types.Disposition{
		"a1": types.DispositionRefer,
		"a2": types.DispositionRefer,
		"a3": types.DispositionAcknowledge,
	})
	s, err := s.ResolveConsensus()
	if err != nil {
		t.Fatalf("ResolveConsensus: %v", err)
	}
	if s.Outcome != types.DispositionRefer || s.DissentArchonID != "a3" {
		t.Errorf("outcome=%s dissent=%q", s.Outcome, s.DissentArchonID)
	}
}

func TestResolveConsensus_SplitReturnsDedicatedError(t *testing.T) {
	// A 1-1-1 split fails with ErrConsensusNotReached and leaves the session open
	s := walkToVote(t, newTestSession(t))
	s, _ = s.RecordVotes(map[string]types.Disposition{
		"a1": types.DispositionAcknowledge,
		"a2": types.DispositionRefer,
		"a3": types.DispositionEscalate,
	})
	s2, err := s.ResolveConsensus()
	if !errors.Is(err, types.ErrConsensusNotReached) {
		t.Fatalf("expected ErrConsensusNotReached, got %v", err)
	}
	if s2.Terminal() {
		t.Errorf("split must not complete the session")
	}
}

func TestResolveConsensus_RefusesWithoutVotes(t *testing.T) {
	// Resolution requires three recorded votes
	s := walkToVote(t, newTestSession(t))
	_, err := s.ResolveConsensus()
	if !errors.Is(err, types.ErrConsensusNotReached) {
		t.Errorf("expected ErrConsensusNotReached, got %v", err)
	}
}

func TestResolveConsensus_Deterministic(t *testing.T) {
	// Equal inputs resolve to equal outcome and dissenter
	build := func() Session {
		s := walkToVote(t, newTestSession(t))
		s, _ = s.RecordVotes(map[string]types.Disposition{
			"a1": types.DispositionRefer,
			"a2": types.DispositionAcknowledge,
			"a3": types.DispositionRefer,
		})
		s, err := s.ResolveConsensus()
		if err != nil {
			t.Fatalf("ResolveConsensus: %v", err)
		}
		return s
	}
	x, y := build(), build()
	if x.Outcome != y.Outcome || x.DissentArchonID != y.DissentArchonID {
		t.Errorf("non-deterministic resolution: (%s,%s) vs (%s,%s)", x.Outcome, x.DissentArchonID, y.Outcome, y.DissentArchonID)
	}
}

// --- Rounds and deadlock ---

func TestBeginNewRound_ArchivesDistribution(t *testing.T) {
	// begin_new_round appends the prior distribution, bumps the round, clears votes
	s := walkToVote(t, newTestSession(t))
	s, _ = s.RecordVotes(map[string]types.Disposition{
		"a1": types.DispositionAcknowledge,
		"a2": types.DispositionRefer,
		"a3": types.DispositionEscalate,
	})
	dist := Distribution(s.Votes)
	s, err := s.BeginNewRound(dist)
	if err != nil {
		t.Fatalf("BeginNewRound: %v", err)
	}
	if s.RoundCount != 2 || len(s.Votes) != 0 || s.Phase != types.PhaseCrossExamine {
		t.Errorf("round=%d votes=%d phase=%s", s.RoundCount, len(s.Votes), s.Phase)
	}
	if len(s.VotesByRound) != 1 || s.VotesByRound[0][types.DispositionRefer] != 1 {
		t.Errorf("distribution not archived: %v", s.VotesByRound)
	}
}

func TestBeginNewRound_RoundMonotonicity(t *testing.T) {
	// round_count strictly increases and |votes_by_round| = round_count - 1
	s := walkToVote(t, newTestSession(t))
	dist := map[types.Disposition]int{
		types.DispositionAcknowledge: 1,
		types.DispositionRefer:       1,
		types.DispositionEscalate:    1,
	}
	for want := 2; want <= 3; want++ {
		var err error
		s, err = s.BeginNewRound(dist)
		if err != nil {
			t.Fatalf("BeginNewRound: %v", err)
		}
		if s.RoundCount != want || len(s.VotesByRound) != want-1 {
			t.Errorf("round=%d archived=%d", s.RoundCount, len(s.VotesByRound))
		}
	}
}

func TestForceDeadlock_EscalatesWithFlag(t *testing.T) {
	// Deadlock termination forces ESCALATE, sets the flag and reason, archives the final split
	s := walkToVote(t, newTestSession(t))
	dist := map[types.Disposition]int{
		types.DispositionAcknowledge: 1,
		types.DispositionRefer:       1,
		types.DispositionEscalate:    1,
	}
	s, err := s.ForceDeadlock(dist)
	if err != nil {
		t.Fatalf("ForceDeadlock: %v", err)
	}
	if s.Outcome != types.DispositionEscalate || !s.IsDeadlocked || s.DeadlockReason != types.DeadlockMaxRoundsExceeded {
		t.Errorf("outcome=%s deadlocked=%v reason=%s", s.Outcome, s.IsDeadlocked, s.DeadlockReason)
	}
	if len(s.VotesByRound) != 1 {
		t.Errorf("final distribution not archived")
	}
	if err := s.Validate(); err != nil {
		t.Errorf("deadlocked session fails validation: %v", err)
	}
}

// --- Timeout handle ---

func TestScheduleTimeout_AttachesHandle(t *testing.T) {
	// schedule_timeout stores the job id and the UTC deadline
	s := newTestSession(t)
	fires := time.Now().Add(5 * time.Minute)
	s, err := s.ScheduleTimeout("job-1", fires)
	if err != nil {
		t.Fatalf("ScheduleTimeout: %v", err)
	}
	if s.TimeoutJobID != "job-1" || s.TimeoutAt == nil {
		t.Errorf("handle not attached")
	}
	if s.TimeoutAt.Location() != time.UTC {
		t.Errorf("deadline not normalized to UTC")
	}
}

func TestScheduleTimeout_RefusesDouble(t *testing.T) {
	// A second schedule with a handle attached is refused
	s := newTestSession(t)
	s, _ = s.ScheduleTimeout("job-1", time.Now().Add(time.Minute))
	_, err := s.ScheduleTimeout("job-2", time.Now().Add(time.Minute))
	if !errors.Is(err, types.ErrInvalidPhaseTransition) {
		t.Errorf("expected ErrInvalidPhaseTransition, got %v", err)
	}
}

func TestCancelTimeout_Idempotent(t *testing.T) {
	// Cancelling with no handle is a no-op; schedule-then-cancel restores the no-handle shape
	s := newTestSession(t)
	s2, err := s.CancelTimeout()
	if err != nil {
		t.Fatalf("CancelTimeout: %v", err)
	}
	if s2.Version != s.Version {
		t.Errorf("no-op cancel must not bump version")
	}
	s3, _ := s.ScheduleTimeout("job-1", time.Now().Add(time.Minute))
	s3, err = s3.CancelTimeout()
	if err != nil {
		t.Fatalf("CancelTimeout: %v", err)
	}
	if s3.TimeoutJobID != "" || s3.TimeoutAt != nil {
		t.Errorf("handle not cleared")
	}
}

func TestForceTimeout_EscalatesAndConsumesHandle(t *testing.T) {
	// force_timeout escalates, flags timed_out, and removes the fired handle
	s := newTestSession(t)
	s, _ = s.ScheduleTimeout("job-1", time.Now().Add(time.Minute))
	s, err := s.ForceTimeout()
	if err != nil {
		t.Fatalf("ForceTimeout: %v", err)
	}
	if !s.TimedOut || s.Outcome != types.DispositionEscalate || s.TimeoutJobID != "" {
		t.Errorf("timed_out=%v outcome=%s job=%q", s.TimedOut, s.Outcome, s.TimeoutJobID)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("timed-out session fails validation: %v", err)
	}
}

func TestForceTimeout_RefusesTerminal(t *testing.T) {
	// The loser of the normal/timeout race gets SessionAlreadyComplete
	s := newTestSession(t)
	s, _ = s.ForceTimeout()
	_, err := s.ForceTimeout()
	if !errors.Is(err, types.ErrSessionAlreadyComplete) {
		t.Errorf("expected ErrSessionAlreadyComplete, got %v", err)
	}
}

// --- Substitution ---

func TestApplySubstitution_RewritesActivePanel(t *testing.T) {
	// current_active_archons replaces the failed id with the substitute in place
	s := newTestSession(t)
	s, err := s.ApplySubstitution("a2", "a4", types.ReasonResponseTimeout)
	if err != nil {
		t.Fatalf("ApplySubstitution: %v", err)
	}
	got := s.CurrentActiveArchons()
	want := []string{"a1", "a4", "a3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("active panel = %v, want %v", got, want)
		}
	}
	if len(s.AssignedArchons) != 3 || s.AssignedArchons[1] != "a2" {
		t.Errorf("assigned panel must stay the original triple")
	}
}

func TestApplySubstitution_RefusesSecond(t *testing.T) {
	// The cap is one substitution per session
	s := newTestSession(t)
	s, _ = s.ApplySubstitution("a2", "a4", types.ReasonAPIError)
	_, err := s.ApplySubstitution("a1", "a5", types.ReasonAPIError)
	if !errors.Is(err, types.ErrInvalidArchonAssignment) {
		t.Errorf("expected ErrInvalidArchonAssignment, got %v", err)
	}
}

func TestApplySubstitution_RefusesOffPanelFailure(t *testing.T) {
	// failed_id must be on the current active panel
	s := newTestSession(t)
	_, err := s.ApplySubstitution("zz", "a4", types.ReasonAPIError)
	if !errors.Is(err, types.ErrInvalidArchonAssignment) {
		t.Errorf("expected ErrInvalidArchonAssignment, got %v", err)
	}
}

func TestApplySubstitution_RefusesSelfSubstitute(t *testing.T) {
	// failed_id == substitute_id is refused
	s := newTestSession(t)
	_, err := s.ApplySubstitution("a1", "a1", types.ReasonAPIError)
	if !errors.Is(err, types.ErrInvalidArchonAssignment) {
		t.Errorf("expected ErrInvalidArchonAssignment, got %v", err)
	}
}

// --- Abort ---

func TestForceAbort_EscalatesWithReason(t *testing.T) {
	// force_abort escalates with the abort flag and reason set
	s := newTestSession(t)
	s, err := s.ForceAbort(types.AbortPoolExhausted)
	if err != nil {
		t.Fatalf("ForceAbort: %v", err)
	}
	if !s.IsAborted || s.AbortReason != types.AbortPoolExhausted || s.Outcome != types.DispositionEscalate {
		t.Errorf("aborted=%v reason=%s outcome=%s", s.IsAborted, s.AbortReason, s.Outcome)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("aborted session fails validation: %v", err)
	}
}

func TestForceAbort_RefusesUnknownReason(t *testing.T) {
	// Only the two sanctioned abort reasons are legal
	s := newTestSession(t)
	_, err := s.ForceAbort(types.AbortReason("BAD_MOOD"))
	if !errors.Is(err, types.ErrInvalidPhaseTransition) {
		t.Errorf("expected ErrInvalidPhaseTransition, got %v", err)
	}
}

// --- Cross-cutting invariants ---

func TestForcingFlags_MutuallyExclusive(t *testing.T) {
	// At most one forcing flag on any reachable session; a second forcing transition is refused
	s := newTestSession(t)
	s, _ = s.ForceTimeout()
	if _, err := s.ForceDeadlock(nil); !errors.Is(err, types.ErrSessionAlreadyComplete) {
		t.Errorf("deadlock after timeout must be refused, got %v", err)
	}
	if _, err := s.ForceAbort(types.AbortInsufficientArchons); !errors.Is(err, types.ErrSessionAlreadyComplete) {
		t.Errorf("abort after timeout must be refused, got %v", err)
	}
}

func TestTerminalSession_RefusesAllTransitions(t *testing.T) {
	// Once COMPLETE, every transition returns SessionAlreadyComplete
	s := walkToVote(t, newTestSession(t))
	s, _ = s.RecordVotes(map[string]types.Disposition{
		"a1": types.DispositionAcknowledge,
		"a2": types.DispositionAcknowledge,
		"a3": types.DispositionRefer,
	})
	s, err := s.ResolveConsensus()
	if err != nil {
		t.Fatalf("ResolveConsensus: %v", err)
	}
	if _, err := s.AdvancePhase(types.PhasePosition); !errors.Is(err, types.ErrSessionAlreadyComplete) {
		t.Errorf("AdvancePhase on terminal: %v", err)
	}
	if _, err := s.RecordTranscript(types.PhaseVote, types.TranscriptHash{}); !errors.Is(err, types.ErrSessionAlreadyComplete) {
		t.Errorf("RecordTranscript on terminal: %v", err)
	}
	if _, err := s.RecordVotes(nil); !errors.Is(err, types.ErrSessionAlreadyComplete) {
		t.Errorf("RecordVotes on terminal: %v", err)
	}
	if _, err := s.BeginNewRound(nil); !errors.Is(err, types.ErrSessionAlreadyComplete) {
		t.Errorf("BeginNewRound on terminal: %v", err)
	}
	if _, err := s.ScheduleTimeout("j", time.Now()); !errors.Is(err, types.ErrSessionAlreadyComplete) {
		t.Errorf("ScheduleTimeout on terminal: %v", err)
	}
	if _, err := s.ApplySubstitution("a1", "a9", types.ReasonAPIError); !errors.Is(err, types.ErrSessionAlreadyComplete) {
		t.Errorf("ApplySubstitution on terminal: %v", err)
	}
}

func TestVersion_MonotonicAcrossTransitions(t *testing.T) {
	// Every successful transition increments version by exactly 1
	s := newTestSession(t)
	prev := s.Version
	steps := []func(Session) (Session, error){
		func(s Session) (Session, error) { return s.ScheduleTimeout("j1", time.Now().Add(time.Minute)) },
		func(s Session) (Session, error) { return s.AdvancePhase(types.PhasePosition) },
		func(s Session) (Session, error) {
			return s.RecordTranscript(types.PhasePosition, types.TranscriptHash{9})
		},
		func(s Session) (Session, error) { return s.CancelTimeout() },
	}
	for i, step := range steps {
		var err error
		s, err = step(s)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if s.Version != prev+1 {
			t.Fatalf("step %d: version %d, want %d", i, s.Version, prev+1)
		}
		prev = s.Version
	}
}
