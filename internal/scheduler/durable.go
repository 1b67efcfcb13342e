package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/wal"

	"github.com/civium/archon/internal/types"
)

const (
	pollInterval = 50 * time.Millisecond
	retryDelay   = 5 * time.Second
)

// record is one WAL entry. op is "schedule", "cancel", or "done"; cancel and
// done records carry only the job id.
type record struct {
	Op    string `json:"op"`
	Job   *Job   `json:"job,omitempty"`
	JobID string `json:"job_id,omitempty"`
}

// Durable is the WAL-backed default Scheduler. Every state change is
// appended to the log before it is visible; Open replays the log to rebuild
// the pending set, so jobs that were due during downtime fire immediately.
type Durable struct {
	mu       sync.Mutex
	log      *wal.Log
	lastIdx  uint64
	pending  map[string]Job
	nextTry  map[string]time.Time
	handlers map[string]HandlerFunc
	now      func() time.Time
}

// Open opens (or creates) the WAL at dir and replays it.
func Open(dir string) (*Durable, error) {
	w, err := wal.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open wal: %w", err)
	}
	d := &Durable{
		log:      w,
		pending:  make(map[string]Job),
		nextTry:  make(map[string]time.Time),
		handlers: make(map[string]HandlerFunc),
		now:      time.Now,
	}
	if err := d.replay(); err != nil {
		_ = w.Close()
		return nil, err
	}
	return d, nil
}

func (d *Durable) replay() error {
	first, err := d.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("scheduler: first index: %w", err)
	}
	last, err := d.log.LastIndex()
	if err != nil {
		return fmt.Errorf("scheduler: last index: %w", err)
	}
	d.lastIdx = last
	if last == 0 {
		return nil // empty log
	}
	for i := first; i <= last; i++ {
		data, err := d.log.Read(i)
		if err != nil {
			return fmt.Errorf("scheduler: read entry %d: %w", i, err)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("scheduler: decode entry %d: %w", i, err)
		}
		switch rec.Op {
		case "schedule":
			if rec.Job != nil {
				d.pending[rec.Job.ID] = *rec.Job
			}
		case "cancel", "done":
			delete(d.pending, rec.JobID)
		}
	}
	if n := len(d.pending); n > 0 {
		slog.Info("[SCHED] replayed pending jobs", "count", n)
	}
	return nil
}

func (d *Durable) append(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("scheduler: encode record: %w", err)
	}
	d.lastIdx++
	if err := d.log.Write(d.lastIdx, data); err != nil {
		d.lastIdx--
		return fmt.Errorf("scheduler: append record: %w", err)
	}
	return nil
}

// Register binds a handler to a job kind. Jobs of unregistered kinds stay
// pending until a handler appears.
func (d *Durable) Register(kind string, fn HandlerFunc) {
	d.mu.Lock()
	d.handlers[kind] = fn
	d.mu.Unlock()
}

// Schedule persists and enqueues a job.
func (d *Durable) Schedule(_ context.Context, kind string, payload map[string]any, runAt time.Time) (string, error) {
	job := Job{
		ID:      types.NewID(),
		Kind:    kind,
		Payload: payload,
		RunAt:   runAt.UTC(),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.append(record{Op: "schedule", Job: &job}); err != nil {
		return "", err
	}
	d.pending[job.ID] = job
	slog.Debug("[SCHED] scheduled", "job", job.ID, "kind", kind, "run_at", job.RunAt)
	return job.ID, nil
}

// Cancel removes a pending job, persisting the cancellation first.
func (d *Durable) Cancel(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err := d.append(record{Op: "cancel", JobID: jobID}); err != nil {
		return err
	}
	delete(d.pending, jobID)
	delete(d.nextTry, jobID)
	slog.Debug("[SCHED] cancelled", "job", jobID)
	return nil
}

// Run fires due jobs until ctx is cancelled. Handler errors leave the job
// pending and back off before the next attempt.
func (d *Durable) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.fireDue(ctx)
		}
	}
}

func (d *Durable) fireDue(ctx context.Context) {
	now := d.now()
	d.mu.Lock()
	var due []Job
	for id, job := range d.pending {
		if job.RunAt.After(now) {
			continue
		}
		if t, ok := d.nextTry[id]; ok && t.After(now) {
			continue
		}
		if _, ok := d.handlers[job.Kind]; !ok {
			continue
		}
		due = append(due, job)
	}
	// Copy so a concurrent Register cannot race the reads below.
	handlers := make(map[string]HandlerFunc, len(d.handlers))
	for kind, fn := range d.handlers {
		handlers[kind] = fn
	}
	d.mu.Unlock()

	for _, job := range due {
		err := handlers[job.Kind](ctx, job)
		d.mu.Lock()
		if err != nil && !errors.Is(err, ErrPermanent) {
			slog.Warn("[SCHED] job handler failed, will retry", "job", job.ID, "kind", job.Kind, "error", err)
			d.nextTry[job.ID] = d.now().Add(retryDelay)
			d.mu.Unlock()
			continue
		}
		if err != nil {
			// No retry can cure this job; drop it rather than poison the queue.
			slog.Error("[SCHED] job failed permanently, dropping", "job", job.ID, "kind", job.Kind, "error", err)
		}
		if appendErr := d.append(record{Op: "done", JobID: job.ID}); appendErr != nil {
			// The job ran but the completion record did not land; a replay
			// re-fires it, which the idempotent worker path absorbs.
			slog.Error("[SCHED] completion record append failed", "job", job.ID, "error", appendErr)
		}
		delete(d.pending, job.ID)
		delete(d.nextTry, job.ID)
		d.mu.Unlock()
		slog.Debug("[SCHED] fired", "job", job.ID, "kind", job.Kind)
	}
}

// Pending returns the number of jobs awaiting their deadline.
func (d *Durable) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close closes the underlying log.
func (d *Durable) Close() error {
	return d.log.Close()
}
