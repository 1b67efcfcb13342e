package session

import (
	"fmt"

	"github.com/civium/archon/internal/types"
)

// Validate checks the full invariant set on a constructed session. Any
// violation is a programming error somewhere in the transition methods, not
// a recoverable condition; Validate exists for the repository's write path
// and for tests.
//
// Expectations:
//   - Panel is exactly three pairwise-distinct archons
//   - A resolved (non-forced) outcome has 3 votes with ≥ 2 for the outcome,
//     and any dissenter voted differently
//   - A forced outcome is ESCALATE with no dissenter
//   - RoundCount ≥ 1, at most one substitution
//   - Phase is COMPLETE iff an outcome is set
//   - At most one forcing flag is true
func (s Session) Validate() error {
	if err := validatePanel(s.AssignedArchons); err != nil {
		return err
	}
	if s.RoundCount < 1 {
		return fmt.Errorf("session %s: round_count %d < 1", s.SessionID, s.RoundCount)
	}
	if len(s.Substitutions) > maxSubstitutions {
		return fmt.Errorf("session %s: %d substitutions exceeds cap %d", s.SessionID, len(s.Substitutions), maxSubstitutions)
	}
	if len(s.Votes) != 0 && len(s.Votes) != panelSize {
		return fmt.Errorf("session %s: vote map has %d entries, want 0 or %d", s.SessionID, len(s.Votes), panelSize)
	}

	forcing := 0
	for _, f := range []bool{s.TimedOut, s.IsDeadlocked, s.IsAborted} {
		if f {
			forcing++
		}
	}
	if forcing > 1 {
		return fmt.Errorf("session %s: %d forcing flags set, at most one allowed", s.SessionID, forcing)
	}

	hasOutcome := s.Outcome != ""
	if hasOutcome != s.Terminal() {
		return fmt.Errorf("session %s: phase %s with outcome %q violates COMPLETE ⇔ outcome", s.SessionID, s.Phase, s.Outcome)
	}

	switch {
	case hasOutcome && forcing == 0:
		if len(s.Votes) != panelSize {
			return fmt.Errorf("session %s: resolved outcome with %d votes", s.SessionID, len(s.Votes))
		}
		if Distribution(s.Votes)[s.Outcome] < 2 {
			return fmt.Errorf("session %s: outcome %s lacks a supermajority", s.SessionID, s.Outcome)
		}
		if s.DissentArchonID != "" {
			v, ok := s.Votes[s.DissentArchonID]
			if !ok || v == s.Outcome {
				return fmt.Errorf("session %s: dissenter %s did not vote against %s", s.SessionID, s.DissentArchonID, s.Outcome)
			}
		}
	case hasOutcome && forcing == 1:
		if s.Outcome != types.DispositionEscalate {
			return fmt.Errorf("session %s: forced outcome %s, must be ESCALATE", s.SessionID, s.Outcome)
		}
		if s.DissentArchonID != "" {
			return fmt.Errorf("session %s: forced outcome carries dissenter %s", s.SessionID, s.DissentArchonID)
		}
	}
	return nil
}
