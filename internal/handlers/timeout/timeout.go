// Package timeout implements the deliberation-wide deadline. One job of a
// fixed kind is scheduled per session; it is either cancelled on normal
// completion or fires and drives the session to a forced ESCALATE. The job
// queue is the source of truth for deadline firing: exactly one of Cancel
// and Handle completes successfully for any scheduled timeout.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civium/archon/internal/scheduler"
	"github.com/civium/archon/internal/session"
	"github.com/civium/archon/internal/types"
)

// casRetries bounds reloads when the worker write races the orchestrator.
const casRetries = 3

// Handler schedules, cancels, and fires deliberation deadlines.
type Handler struct {
	sched    scheduler.Scheduler
	repo     session.Repository
	sink     types.EventSink
	duration time.Duration
	now      func() time.Time
}

// New creates a Handler with the configured deadline duration.
func New(sched scheduler.Scheduler, repo session.Repository, sink types.EventSink, timeoutSeconds int) *Handler {
	return &Handler{
		sched:    sched,
		repo:     repo,
		sink:     sink,
		duration: time.Duration(timeoutSeconds) * time.Second,
		now:      time.Now,
	}
}

// Duration returns the configured deadline duration.
func (h *Handler) Duration() time.Duration { return h.duration }

// Schedule submits the deadline job and attaches its handle to the session.
//
// Expectations:
//   - fires_at = now + configured duration
//   - Payload carries session_id, petition_id, timeout_seconds
//   - Fails if a timeout is already scheduled or the session is terminal;
//     the submitted job is reclaimed on failure
func (h *Handler) Schedule(ctx context.Context, s session.Session) (session.Session, error) {
	firesAt := h.now().UTC().Add(h.duration)
	payload := map[string]any{
		"session_id":      s.SessionID,
		"petition_id":     s.PetitionID,
		"timeout_seconds": int(h.duration.Seconds()),
	}
	jobID, err := h.sched.Schedule(ctx, scheduler.JobKindDeliberationTimeout, payload, firesAt)
	if err != nil {
		return s, fmt.Errorf("timeout: schedule job: %w", err)
	}
	s2, err := s.ScheduleTimeout(jobID, firesAt)
	if err != nil {
		// The session refused the handle; reclaim the orphan job.
		if cancelErr := h.sched.Cancel(ctx, jobID); cancelErr != nil && !errors.Is(cancelErr, scheduler.ErrJobNotFound) {
			slog.Warn("[TIMEOUT] orphan job reclaim failed", "job", jobID, "error", cancelErr)
		}
		return s, err
	}
	slog.Debug("[TIMEOUT] deadline scheduled", "session", s.SessionID, "job", jobID, "fires_at", firesAt)
	return s2, nil
}

// Cancel clears the deadline. Idempotent: no handle attached is a no-op, and
// a cancel that loses the race with the fire (job not found) is treated as
// cancel-succeeded — the fire path already owns the terminal transition.
func (h *Handler) Cancel(ctx context.Context, s session.Session) (session.Session, error) {
	if s.TimeoutJobID == "" {
		return s, nil
	}
	if err := h.sched.Cancel(ctx, s.TimeoutJobID); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
		return s, fmt.Errorf("timeout: cancel job %s: %w", s.TimeoutJobID, err)
	}
	return s.CancelTimeout()
}

// Handle is the worker path: the deadline fired, so load the session, force
// the timeout transition, persist, and emit the expiry event.
//
// Expectations:
//   - Propagates SessionNotFound for unknown sessions
//   - Propagates SessionAlreadyComplete when the normal path won the race
//   - The event captures the pre-timeout phase, configured duration,
//     elapsed time, and the active panel
func (h *Handler) Handle(ctx context.Context, sessionID string) (session.Session, types.DeliberationTimeoutExpired, error) {
	var zero types.DeliberationTimeoutExpired
	s, err := h.repo.Get(ctx, sessionID)
	if err != nil {
		return session.Session{}, zero, err
	}

	for attempt := 0; ; attempt++ {
		s2, err := s.ForceTimeout()
		if err != nil {
			return s, zero, err // SessionAlreadyComplete: the normal path won
		}
		err = h.repo.Update(ctx, s2, s.Version)
		if err == nil {
			timeoutAt := h.now().UTC()
			if s.TimeoutAt != nil {
				timeoutAt = *s.TimeoutAt
			}
			ev := types.DeliberationTimeoutExpired{
				Envelope:          types.NewEnvelope(s.SessionID, s.PetitionID),
				PhaseAtTimeout:    s.Phase,
				StartedAt:         s.CreatedAt,
				TimeoutAt:         timeoutAt,
				ConfiguredSeconds: int(h.duration.Seconds()),
				Participants:      s.CurrentActiveArchons(),
			}
			if h.sink != nil {
				h.sink.Publish(ev)
			}
			slog.Info("[TIMEOUT] deliberation timed out", "session", s.SessionID, "phase_at_timeout", s.Phase)
			return s2, ev, nil
		}
		if !errors.Is(err, session.ErrVersionConflict) || attempt >= casRetries {
			return s, zero, err
		}
		// Another writer advanced the session; reload and re-arbitrate.
		s, err = h.repo.Get(ctx, sessionID)
		if err != nil {
			return session.Session{}, zero, err
		}
	}
}
