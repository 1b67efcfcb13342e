// Package scheduler provides the durable job-queue port the timeout handler
// consumes, plus a default implementation that persists jobs to a
// write-ahead log so scheduled deadlines survive a process restart.
//
// Delivery is at-least-once: a job that was due but whose completion record
// never landed is re-fired on replay. Consumers must be idempotent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// JobKindDeliberationTimeout is the fixed kind for deliberation deadlines.
const JobKindDeliberationTimeout = "deliberation_timeout"

// ErrJobNotFound is returned by Cancel for unknown or already-fired job ids.
// Callers racing a fire treat it as cancel-succeeded.
var ErrJobNotFound = errors.New("job not found")

// ErrPermanent marks a handler failure that no retry can cure. The scheduler
// drops the job instead of backing off; handlers wrap domain errors with
// Permanent to keep them distinguishable from transient queue failures.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the scheduler drops the job instead of retrying it.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Job is one scheduled unit of work.
type Job struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
	RunAt   time.Time      `json:"run_at"`
}

// Scheduler is the job-queue port.
type Scheduler interface {
	// Schedule enqueues a job of the given kind to run at runAt and returns
	// its id.
	Schedule(ctx context.Context, kind string, payload map[string]any, runAt time.Time) (string, error)
	// Cancel removes a pending job. Returns ErrJobNotFound when the job is
	// unknown or has already fired.
	Cancel(ctx context.Context, jobID string) error
}

// HandlerFunc processes one due job. Returning an error leaves the job
// pending for a retry, unless the error is wrapped with Permanent, which
// drops the job.
type HandlerFunc func(ctx context.Context, job Job) error
