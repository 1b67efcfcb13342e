package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/civium/archon/internal/types"
)

// Scripted is an Executor with pre-programmed behavior: fixed transcripts,
// per-round vote maps, per-phase failure queues, and optional delays. It
// exists for tests and offline dry runs; it never calls an agent backend.
type Scripted struct {
	// VotesByRound is consumed one entry per VOTE execution; the last entry
	// repeats once exhausted.
	VotesByRound []map[string]types.Disposition
	// Failures queues errors per phase; each execution of that phase pops
	// one entry (nil entries mean success).
	Failures map[types.Phase][]error
	// Delay stalls each listed phase, honoring context cancellation.
	Delay map[types.Phase]time.Duration

	// Calls counts executions per phase.
	Calls map[types.Phase]int

	voteRound int
	now       func() time.Time
}

// NewScripted creates a Scripted executor casting the given votes on every
// round.
func NewScripted(votes map[string]types.Disposition) *Scripted {
	return &Scripted{
		VotesByRound: []map[string]types.Disposition{votes},
		Failures:     map[types.Phase][]error{},
		Delay:        map[types.Phase]time.Duration{},
		Calls:        map[types.Phase]int{},
		now:          time.Now,
	}
}

// FailNext queues an archon-attributable failure for the next execution of
// phase.
func (s *Scripted) FailNext(phase types.Phase, archonID, reason string) *Scripted {
	s.Failures[phase] = append(s.Failures[phase], &types.PhaseExecutionFailure{
		Phase: phase, Reason: reason, ArchonID: archonID,
	})
	return s
}

func (s *Scripted) run(ctx context.Context, phase types.Phase, req Request) (types.PhaseResult, error) {
	s.Calls[phase]++
	if d := s.Delay[phase]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return types.PhaseResult{}, ctx.Err()
		}
	}
	if q := s.Failures[phase]; len(q) > 0 {
		err := q[0]
		s.Failures[phase] = q[1:]
		if err != nil {
			return types.PhaseResult{}, err
		}
	}
	start := s.now().UTC()
	panel := req.Session.CurrentActiveArchons()
	res := types.PhaseResult{
		Phase:        phase,
		Transcript:   fmt.Sprintf("scripted %s transcript for session %s round %d", phase, req.Session.SessionID, req.Session.RoundCount),
		Participants: panel,
		StartedAt:    start,
		CompletedAt:  s.now().UTC(),
	}
	if phase == types.PhaseCrossExamine {
		res.Metadata = types.PhaseMetadata{RoundsCompleted: req.Session.RoundCount, ChallengesRaised: len(panel)}
	}
	if phase == types.PhaseVote {
		idx := s.voteRound
		if idx >= len(s.VotesByRound) {
			idx = len(s.VotesByRound) - 1
		}
		s.voteRound++
		votes := make(map[string]types.Disposition, len(panel))
		script := s.VotesByRound[idx]
		for _, archon := range panel {
			if d, ok := script[archon]; ok {
				votes[archon] = d
			}
		}
		// a substitute inherits the vote scripted for the archon it replaced
		for _, sub := range req.Session.Substitutions {
			if d, ok := script[sub.FailedID]; ok {
				if _, voted := votes[sub.SubstituteID]; !voted {
					votes[sub.SubstituteID] = d
				}
			}
		}
		res.Metadata = types.PhaseMetadata{Votes: votes}
	}
	return res, nil
}

func (s *Scripted) ExecuteAssess(ctx context.Context, req Request) (types.PhaseResult, error) {
	return s.run(ctx, types.PhaseAssess, req)
}

func (s *Scripted) ExecutePosition(ctx context.Context, req Request) (types.PhaseResult, error) {
	return s.run(ctx, types.PhasePosition, req)
}

func (s *Scripted) ExecuteCrossExamine(ctx context.Context, req Request) (types.PhaseResult, error) {
	return s.run(ctx, types.PhaseCrossExamine, req)
}

func (s *Scripted) ExecuteVote(ctx context.Context, req Request) (types.PhaseResult, error) {
	return s.run(ctx, types.PhaseVote, req)
}
