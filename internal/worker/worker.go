// Package worker is the job-queue side of the deadline: it dispatches due
// deliberation_timeout jobs into the timeout handler. It is the sole
// worker-side entrypoint and is idempotent under at-least-once delivery —
// a re-fire for an already-terminal session is a no-op success.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/civium/archon/internal/handlers/timeout"
	"github.com/civium/archon/internal/petition"
	"github.com/civium/archon/internal/scheduler"
	"github.com/civium/archon/internal/types"
)

// ErrMalformedPayload marks a job payload missing or mangling session_id.
// It is a domain error, distinct from transient queue failures: retrying the
// same payload can never succeed, so the job is dropped, loudly.
var ErrMalformedPayload = errors.New("malformed timeout job payload")

// Dispatcher converts due timeout jobs into force_timeout transitions.
type Dispatcher struct {
	timeouts  *timeout.Handler
	petitions petition.Repository // optional fate routing on timeout
}

// New creates a Dispatcher. petitions may be nil.
func New(timeouts *timeout.Handler, petitions petition.Repository) *Dispatcher {
	return &Dispatcher{timeouts: timeouts, petitions: petitions}
}

// Register binds the dispatcher to the scheduler's deliberation_timeout kind.
func (d *Dispatcher) Register(s *scheduler.Durable) {
	s.Register(scheduler.JobKindDeliberationTimeout, d.Dispatch)
}

// Dispatch handles one due job.
//
// Expectations:
//   - Missing or non-string session_id → ErrMalformedPayload, marked
//     permanent so the scheduler drops the job
//   - SessionAlreadyComplete from the handler → no-op success (the normal
//     path won the race, or this is a redelivery)
//   - SessionNotFound → permanent: the session will never appear, the job
//     must not be redelivered
//   - Everything else propagates as retryable
func (d *Dispatcher) Dispatch(ctx context.Context, job scheduler.Job) error {
	raw, ok := job.Payload["session_id"]
	if !ok {
		return scheduler.Permanent(fmt.Errorf("%w: job %s has no session_id", ErrMalformedPayload, job.ID))
	}
	sessionID, ok := raw.(string)
	if !ok || sessionID == "" {
		return scheduler.Permanent(fmt.Errorf("%w: job %s session_id = %v", ErrMalformedPayload, job.ID, raw))
	}

	s, ev, err := d.timeouts.Handle(ctx, sessionID)
	if err != nil {
		if errors.Is(err, types.ErrSessionAlreadyComplete) {
			slog.Info("[WORKER] timeout fire was a no-op", "job", job.ID, "session", sessionID)
			return nil
		}
		if errors.Is(err, types.ErrSessionNotFound) {
			return scheduler.Permanent(err)
		}
		return err
	}
	slog.Info("[WORKER] deliberation forced to timeout",
		"job", job.ID, "session", sessionID, "phase_at_timeout", ev.PhaseAtTimeout, "timeout_at", ev.TimeoutAt)

	if d.petitions != nil {
		if err := d.petitions.AssignFateCAS(ctx, s.PetitionID, petition.StateDeliberating, petition.StateEscalated, "timeout", ""); err != nil {
			slog.Error("[WORKER] fate routing failed", "petition", s.PetitionID, "error", err)
		}
	}
	return nil
}
