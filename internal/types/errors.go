package types

import (
	"errors"
	"fmt"
	"strings"
)

// Named failure kinds. Recoverable kinds (ErrConsensusNotReached, classified
// PhaseExecutionFailure) are consumed inside the orchestrator; everything
// else terminates the deliberation.
var (
	// ErrInvalidPhaseTransition marks an illegal phase move. Always a
	// programming error in the orchestrator.
	ErrInvalidPhaseTransition = errors.New("invalid phase transition")

	// ErrConsensusNotReached is returned by ResolveConsensus on a 1-1-1
	// split. The deadlock handler recovers it.
	ErrConsensusNotReached = errors.New("consensus not reached")

	// ErrSessionAlreadyComplete marks a transition attempted on a terminal
	// session. Expected on the loser of the normal/timeout race.
	ErrSessionAlreadyComplete = errors.New("session already complete")

	// ErrSessionNotFound marks a missing session in the repository. Fatal in
	// the worker path.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidArchonAssignment marks a panel of the wrong size or with
	// duplicate archons.
	ErrInvalidArchonAssignment = errors.New("invalid archon assignment")

	// ErrPetitionSessionMismatch marks a context package built for a
	// different petition than the session references.
	ErrPetitionSessionMismatch = errors.New("petition/session mismatch")

	// ErrDeliberationPending marks a summary request for a deliberation that
	// has not completed yet. Soft: upstream observers retry later.
	ErrDeliberationPending = errors.New("deliberation pending")

	// ErrBadTranscriptHash marks a transcript hash that is not 32 bytes of
	// lowercase hex.
	ErrBadTranscriptHash = errors.New("transcript hash must be 32 bytes of lowercase hex")
)

// PhaseExecutionFailure reports that a phase execution attempt failed.
// When ArchonID is set the failure is attributable to a single archon and is
// a candidate for substitution handling; otherwise it propagates.
type PhaseExecutionFailure struct {
	Phase    Phase
	Reason   string
	ArchonID string
}

func (f *PhaseExecutionFailure) Error() string {
	if f.ArchonID != "" {
		return fmt.Sprintf("phase %s execution failed (archon %s): %s", f.Phase, f.ArchonID, f.Reason)
	}
	return fmt.Sprintf("phase %s execution failed: %s", f.Phase, f.Reason)
}

// ClassifyFailureReason maps a free-form failure reason onto the three
// substitution bookkeeping codes.
//
// Expectations:
//   - Reasons containing "timeout" or "timed out" → RESPONSE_TIMEOUT
//   - Reasons containing "invalid" or "parse" → INVALID_RESPONSE
//   - Everything else → API_ERROR
func ClassifyFailureReason(reason string) FailureReason {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "timeout") || strings.Contains(r, "timed out"):
		return ReasonResponseTimeout
	case strings.Contains(r, "invalid") || strings.Contains(r, "parse"):
		return ReasonInvalidResponse
	default:
		return ReasonAPIError
	}
}
