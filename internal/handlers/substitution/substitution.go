// Package substitution recovers a deliberation from a single archon failure.
// At most one substitution per session: the second failure, or an exhausted
// pool, aborts the deliberation into a forced ESCALATE. Selection is
// positional over the roster, excluding every archon already involved in the
// session (active or previously failed).
package substitution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/civium/archon/internal/config"
	"github.com/civium/archon/internal/pool"
	"github.com/civium/archon/internal/session"
	"github.com/civium/archon/internal/types"
)

// Handler performs panel substitutions and aborts.
type Handler struct {
	pool pool.Pool
	sink types.EventSink
	now  func() time.Time
}

// New creates a Handler selecting substitutes from p.
func New(p pool.Pool, sink types.EventSink) *Handler {
	return &Handler{pool: p, sink: sink, now: time.Now}
}

// Result is the outcome of Execute: either a substitution was applied or the
// session was aborted.
type Result struct {
	Session      session.Session
	SubstituteID string
	Event        types.ArchonSubstituted
	Aborted      bool
	AbortEvent   types.DeliberationAborted
}

// Detect reports whether a failure is substitution-eligible: the session is
// live, the archon sits on the active panel, and the reason is one of the
// three recognized failure codes.
func Detect(s session.Session, archonID string, reason types.FailureReason) bool {
	if s.Terminal() {
		return false
	}
	switch reason {
	case types.ReasonResponseTimeout, types.ReasonAPIError, types.ReasonInvalidResponse:
	default:
		return false
	}
	for _, a := range s.CurrentActiveArchons() {
		if a == archonID {
			return true
		}
	}
	return false
}

// CanSubstitute reports whether the session still has substitution budget.
func CanSubstitute(s session.Session) bool {
	return len(s.Substitutions) < config.MaxSubstitutions
}

// Select picks the first roster archon not already involved in the session:
// not on the active panel, not the failing archon, not previously failed.
// The second return is false when the pool is exhausted.
func (h *Handler) Select(ctx context.Context, s session.Session, failedID string) (pool.Descriptor, bool, error) {
	roster, err := h.pool.ListAll(ctx)
	if err != nil {
		return pool.Descriptor{}, false, fmt.Errorf("substitution: list pool: %w", err)
	}
	involved := mapset.NewThreadUnsafeSet[string](failedID)
	involved.Append(s.CurrentActiveArchons()...)
	involved.Append(s.FailedArchonIDs()...)
	for _, d := range roster {
		if !involved.Contains(d.ID) {
			return d, true, nil
		}
	}
	return pool.Descriptor{}, false, nil
}

// PrepareHandoff assembles the context a substitute needs to join mid-flight:
// every witnessed transcript in phase order, the current votes, and the round
// count. Built from the pre-substitution session.
func PrepareHandoff(s session.Session, failedID, substituteID string) types.Handoff {
	return types.Handoff{
		TranscriptHashes: s.OrderedTranscripts(),
		Votes:            s.Votes,
		RoundCount:       s.RoundCount,
		FailedArchonID:   failedID,
		SubstituteID:     substituteID,
	}
}

// Execute runs the full substitution flow for one failed archon.
//
// Expectations:
//   - Budget exhausted ⇒ abort with INSUFFICIENT_ARCHONS
//   - No eligible roster archon ⇒ abort with ARCHON_POOL_EXHAUSTED
//   - Otherwise the panel is rewritten, an ArchonSubstituted event is
//     published with measured latency and SLA flag, and Result carries the
//     handoff target
//   - Refuses terminal sessions with SessionAlreadyComplete and
//     off-panel or unrecognized failures with InvalidArchonAssignment
func (h *Handler) Execute(ctx context.Context, s session.Session, failedID string, reason types.FailureReason) (Result, error) {
	start := h.now()
	if !Detect(s, failedID, reason) {
		if s.Terminal() {
			return Result{Session: s}, fmt.Errorf("%w: session %s", types.ErrSessionAlreadyComplete, s.SessionID)
		}
		return Result{Session: s}, fmt.Errorf("%w: archon %q is not substitution-eligible", types.ErrInvalidArchonAssignment, failedID)
	}
	if !CanSubstitute(s) {
		slog.Warn("[SUBST] budget exhausted", "session", s.SessionID, "failed", failedID)
		s2, ev, err := h.Abort(ctx, s, types.AbortInsufficientArchons, failedID, reason)
		if err != nil {
			return Result{Session: s}, err
		}
		return Result{Session: s2, Aborted: true, AbortEvent: ev}, nil
	}

	sub, ok, err := h.Select(ctx, s, failedID)
	if err != nil {
		return Result{Session: s}, err
	}
	if !ok {
		slog.Warn("[SUBST] pool exhausted", "session", s.SessionID, "failed", failedID)
		s2, ev, err := h.Abort(ctx, s, types.AbortPoolExhausted, failedID, reason)
		if err != nil {
			return Result{Session: s}, err
		}
		return Result{Session: s2, Aborted: true, AbortEvent: ev}, nil
	}

	handoff := PrepareHandoff(s, failedID, sub.ID)
	s2, err := s.ApplySubstitution(failedID, sub.ID, reason)
	if err != nil {
		return Result{Session: s}, err
	}

	latency := h.now().Sub(start).Milliseconds()
	ev := types.ArchonSubstituted{
		Envelope:           types.NewEnvelope(s.SessionID, s.PetitionID),
		FailedArchonID:     failedID,
		SubstituteArchonID: sub.ID,
		PhaseAtFailure:     s.Phase,
		FailureReason:      reason,
		LatencyMS:          latency,
		TranscriptPages:    len(handoff.TranscriptHashes),
		MetSLA:             latency <= config.MaxSubstitutionLatencyMS,
	}
	if h.sink != nil {
		h.sink.Publish(ev)
	}
	slog.Info("[SUBST] archon substituted", "session", s.SessionID,
		"failed", failedID, "substitute", sub.ID, "latency_ms", latency)
	return Result{Session: s2, SubstituteID: sub.ID, Event: ev}, nil
}

// Abort drives the session to a forced ESCALATE because no substitution was
// possible. The surviving archon is reported only when the failure leaves
// exactly one panelist standing apart from the failing archon's history.
func (h *Handler) Abort(_ context.Context, s session.Session, abortReason types.AbortReason, failedID string, reason types.FailureReason) (session.Session, types.DeliberationAborted, error) {
	s2, err := s.ForceAbort(abortReason)
	if err != nil {
		return s, types.DeliberationAborted{}, err
	}

	failed := make([]types.FailedArchon, 0, len(s.Substitutions)+1)
	for _, prior := range s.Substitutions {
		failed = append(failed, types.FailedArchon{
			ArchonID: prior.FailedID,
			Reason:   prior.FailureReason,
			Phase:    prior.PhaseAtFailure,
		})
	}
	failed = append(failed, types.FailedArchon{ArchonID: failedID, Reason: reason, Phase: s.Phase})

	var surviving string
	var survivors []string
	for _, a := range s.CurrentActiveArchons() {
		if a != failedID {
			survivors = append(survivors, a)
		}
	}
	if len(survivors) == 1 {
		surviving = survivors[0]
	}

	ev := types.DeliberationAborted{
		Envelope:        types.NewEnvelope(s.SessionID, s.PetitionID),
		Reason:          abortReason,
		FailedArchons:   failed,
		PhaseAtAbort:    s.Phase,
		SurvivingArchon: surviving,
	}
	if h.sink != nil {
		h.sink.Publish(ev)
	}
	slog.Warn("[SUBST] deliberation aborted", "session", s.SessionID, "reason", abortReason)
	return s2, ev, nil
}
