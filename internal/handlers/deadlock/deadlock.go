// Package deadlock decides what happens after a VOTE round produces no
// supermajority. A 1-1-1 split either re-enters CROSS_EXAMINE with a fresh
// round or, at the round ceiling, forces the session to ESCALATE. Anything
// that is not a 1-1-1 split must never reach this handler: 2-1 and 3-0
// resolve through consensus.
package deadlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/civium/archon/internal/session"
	"github.com/civium/archon/internal/types"
)

// ErrNotSplit is returned when the distribution handed in is not a 1-1-1
// split. Reaching it is an orchestrator bug.
var ErrNotSplit = errors.New("vote distribution is not a 1-1-1 split")

// Handler arbitrates non-consensus votes.
type Handler struct {
	sink types.EventSink
}

// New creates a Handler publishing to sink (which may be nil).
func New(sink types.EventSink) *Handler {
	return &Handler{sink: sink}
}

// IsOneOneOne reports whether dist is exactly three dispositions with one
// vote each.
func IsOneOneOne(dist map[types.Disposition]int) bool {
	if len(dist) != 3 {
		return false
	}
	total := 0
	for _, n := range dist {
		if n != 1 {
			return false
		}
		total += n
	}
	return total == 3
}

// CanRetry reports whether the session has rounds left under the ceiling.
func CanRetry(s session.Session, maxRounds int) bool {
	return s.RoundCount < maxRounds
}

// HandleNoConsensus routes a 1-1-1 split: a new round while retries remain,
// a forced deadlock at the ceiling. The returned event is either a
// CrossExamineRoundTriggered or a DeadlockDetected.
//
// Expectations:
//   - Refuses terminal sessions with SessionAlreadyComplete
//   - Refuses distributions that are not 1-1-1
func (h *Handler) HandleNoConsensus(ctx context.Context, s session.Session, dist map[types.Disposition]int, maxRounds int) (session.Session, types.Event, error) {
	if s.Terminal() {
		return s, nil, fmt.Errorf("%w: session %s", types.ErrSessionAlreadyComplete, s.SessionID)
	}
	if !IsOneOneOne(dist) {
		return s, nil, fmt.Errorf("%w: %v", ErrNotSplit, dist)
	}
	if CanRetry(s, maxRounds) {
		return h.NewRound(ctx, s, dist)
	}
	return h.DeadlockEscalation(ctx, s, dist)
}

// NewRound archives the split and re-enters CROSS_EXAMINE.
func (h *Handler) NewRound(_ context.Context, s session.Session, dist map[types.Disposition]int) (session.Session, types.Event, error) {
	s2, err := s.BeginNewRound(dist)
	if err != nil {
		return s, nil, err
	}
	ev := types.CrossExamineRoundTriggered{
		Envelope:             types.NewEnvelope(s.SessionID, s.PetitionID),
		RoundNumber:          s2.RoundCount,
		PreviousDistribution: dist,
		Participants:         s2.CurrentActiveArchons(),
	}
	if h.sink != nil {
		h.sink.Publish(ev)
	}
	slog.Info("[DEADLOCK] split — new cross-examine round", "session", s.SessionID, "round", s2.RoundCount)
	return s2, ev, nil
}

// DeadlockEscalation archives the final split and forces ESCALATE.
func (h *Handler) DeadlockEscalation(_ context.Context, s session.Session, dist map[types.Disposition]int) (session.Session, types.Event, error) {
	s2, err := s.ForceDeadlock(dist)
	if err != nil {
		return s, nil, err
	}
	ev := types.DeadlockDetected{
		Envelope:          types.NewEnvelope(s.SessionID, s.PetitionID),
		RoundCount:        s2.RoundCount,
		VotesByRound:      s2.VotesByRound,
		FinalDistribution: dist,
		PhaseAtDeadlock:   s.Phase,
		Participants:      s2.CurrentActiveArchons(),
	}
	if h.sink != nil {
		h.sink.Publish(ev)
	}
	slog.Warn("[DEADLOCK] round ceiling hit — escalating", "session", s.SessionID, "rounds", s2.RoundCount)
	return s2, ev, nil
}
