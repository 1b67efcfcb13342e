// Package seslog provides per-session structured logging for deliberations.
//
// Each session gets one JSONL file in a configurable directory. Lines capture
// every key stage: phase witnessing, vote rounds, substitutions, deadlocks,
// timeouts, and the terminal outcome. The log is the human-readable audit
// trail downstream of the transcript hash chain: the hashes prove what was
// said, the session log shows when and by whom.
//
// Design constraints:
//   - All SessionLog methods are nil-safe (no-op on nil receiver) so callers
//     don't need nil checks before every log call.
//   - Registry is the sole owner of JSONL persistence; nothing else opens
//     files.
//   - Consume drains a bus tap: it auto-opens a log on the first event for a
//     session and closes it on the terminal event.
package seslog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/civium/archon/internal/types"
)

// LineKind labels a single structured line in the session log.
type LineKind string

const (
	KindSessionBegin   LineKind = "session_begin"
	KindSessionEnd     LineKind = "session_end"
	KindPhaseWitnessed LineKind = "phase_witnessed"
	KindRoundTriggered LineKind = "round_triggered"
	KindDeadlock       LineKind = "deadlock"
	KindTimeout        LineKind = "timeout"
	KindSubstitution   LineKind = "substitution"
	KindAbort          LineKind = "abort"
	KindCompleted      LineKind = "completed"
)

// Line is one JSONL line in the session log.
// Fields are omitempty so each line only serialises relevant data.
type Line struct {
	Kind      LineKind `json:"kind"`
	Timestamp string   `json:"ts"`

	// session_begin / session_end
	SessionID  string `json:"session_id,omitempty"`
	PetitionID string `json:"petition_id,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms,omitempty"`

	// phase_witnessed
	Phase          string   `json:"phase,omitempty"`
	TranscriptHash string   `json:"transcript_hash,omitempty"`
	Participants   []string `json:"participants,omitempty"`

	// round_triggered / deadlock
	Round        int            `json:"round,omitempty"`
	Distribution map[string]int `json:"distribution,omitempty"`

	// timeout
	PhaseAtTimeout string `json:"phase_at_timeout,omitempty"`
	ConfiguredSecs int    `json:"configured_timeout_seconds,omitempty"`

	// substitution
	FailedArchon    string `json:"failed_archon,omitempty"`
	SubstituteID    string `json:"substitute,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	LatencyMs       int64  `json:"latency_ms,omitempty"`
	MetSLA          *bool  `json:"met_sla,omitempty"` // pointer: false must be serialised
	TranscriptPages int    `json:"transcript_pages,omitempty"`

	// abort
	AbortReason string `json:"abort_reason,omitempty"`

	// completed
	Dissenter string `json:"dissenter,omitempty"`
}

// SessionLog is a handle for writing structured lines for one deliberation.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *SessionLog)
//   - Concurrent writes are safe (mutex-protected)
type SessionLog struct {
	sessionID string
	started   time.Time
	mu        sync.Mutex
	f         *os.File
}

// Registry maps session IDs to open SessionLogs.
// It is the sole authority for creating and closing session log files.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a session_begin line as the first JSONL line
//   - Open returns the existing log without re-opening when called twice
//   - Get returns nil for unknown session IDs
//   - Close writes session_end with outcome and elapsed_ms before flushing
//   - Close removes the sessionID so subsequent Get returns nil
//   - Close no-ops gracefully when sessionID is not registered
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*SessionLog
}

// NewRegistry creates a Registry writing one JSONL file per session under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, logs: make(map[string]*SessionLog)}
}

// Open creates a new SessionLog for sessionID, writes a session_begin line,
// and registers it. If a log is already open it returns the existing one.
func (r *Registry) Open(sessionID, petitionID string) *SessionLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sl, ok := r.logs[sessionID]; ok {
		return sl
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[SESLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := filepath.Join(r.dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[SESLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	sl := &SessionLog{sessionID: sessionID, started: time.Now(), f: f}
	r.logs[sessionID] = sl
	sl.write(Line{
		Kind:       KindSessionBegin,
		SessionID:  sessionID,
		PetitionID: petitionID,
	})
	return sl
}

// Get returns the SessionLog for sessionID, or nil if not found.
// Nil is safe to pass to all SessionLog methods.
func (r *Registry) Get(sessionID string) *SessionLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[sessionID]
}

// Close writes a session_end line, flushes and closes the file, and removes
// the entry. Safe to call on a nil *Registry or unknown sessionID.
func (r *Registry) Close(sessionID, outcome string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	sl, ok := r.logs[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.logs, sessionID)
	r.mu.Unlock()

	sl.write(Line{
		Kind:      KindSessionEnd,
		SessionID: sessionID,
		Outcome:   outcome,
		ElapsedMs: time.Since(sl.started).Milliseconds(),
	})

	sl.mu.Lock()
	if sl.f != nil {
		_ = sl.f.Close()
		sl.f = nil
	}
	sl.mu.Unlock()
}

// Consume drains a bus tap until ctx is cancelled or the channel closes,
// routing every domain event to the owning session's log. Logs are opened on
// a session's first event and closed on its terminal event.
func (r *Registry) Consume(ctx context.Context, ch <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ev)
		}
	}
}

func (r *Registry) record(ev types.Event) {
	meta := ev.Meta()
	sl := r.Open(meta.SessionID, meta.PetitionID)

	switch e := ev.(type) {
	case types.PhaseWitnessEvent:
		sl.PhaseWitnessed(e)
	case types.CrossExamineRoundTriggered:
		sl.RoundTriggered(e)
	case types.DeadlockDetected:
		sl.Deadlock(e)
		r.Close(meta.SessionID, "ESCALATE")
	case types.DeliberationTimeoutExpired:
		sl.Timeout(e)
		r.Close(meta.SessionID, "ESCALATE")
	case types.ArchonSubstituted:
		sl.Substitution(e)
	case types.DeliberationAborted:
		sl.Abort(e)
		r.Close(meta.SessionID, "ESCALATE")
	case types.DeliberationCompleted:
		sl.Completed(e)
		r.Close(meta.SessionID, string(e.Outcome))
	}
}

// PhaseWitnessed writes a phase_witnessed line.
func (sl *SessionLog) PhaseWitnessed(e types.PhaseWitnessEvent) {
	if sl == nil {
		return
	}
	sl.write(Line{
		Kind:           KindPhaseWitnessed,
		Phase:          string(e.Phase),
		TranscriptHash: e.TranscriptHash.Hex(),
		Participants:   e.Participants,
	})
}

// RoundTriggered writes a round_triggered line.
func (sl *SessionLog) RoundTriggered(e types.CrossExamineRoundTriggered) {
	if sl == nil {
		return
	}
	sl.write(Line{
		Kind:         KindRoundTriggered,
		Round:        e.RoundNumber,
		Distribution: distLine(e.PreviousDistribution),
		Participants: e.Participants,
	})
}

// Deadlock writes a deadlock line.
func (sl *SessionLog) Deadlock(e types.DeadlockDetected) {
	if sl == nil {
		return
	}
	sl.write(Line{
		Kind:         KindDeadlock,
		Round:        e.RoundCount,
		Distribution: distLine(e.FinalDistribution),
		Phase:        string(e.PhaseAtDeadlock),
		Participants: e.Participants,
	})
}

// Timeout writes a timeout line.
func (sl *SessionLog) Timeout(e types.DeliberationTimeoutExpired) {
	if sl == nil {
		return
	}
	sl.write(Line{
		Kind:           KindTimeout,
		PhaseAtTimeout: string(e.PhaseAtTimeout),
		ConfiguredSecs: e.ConfiguredSeconds,
		Participants:   e.Participants,
	})
}

// Substitution writes a substitution line.
func (sl *SessionLog) Substitution(e types.ArchonSubstituted) {
	if sl == nil {
		return
	}
	met := e.MetSLA
	sl.write(Line{
		Kind:            KindSubstitution,
		Phase:           string(e.PhaseAtFailure),
		FailedArchon:    e.FailedArchonID,
		SubstituteID:    e.SubstituteArchonID,
		FailureReason:   string(e.FailureReason),
		LatencyMs:       e.LatencyMS,
		MetSLA:          &met,
		TranscriptPages: e.TranscriptPages,
	})
}

// Abort writes an abort line.
func (sl *SessionLog) Abort(e types.DeliberationAborted) {
	if sl == nil {
		return
	}
	sl.write(Line{
		Kind:        KindAbort,
		Phase:       string(e.PhaseAtAbort),
		AbortReason: string(e.Reason),
	})
}

// Completed writes a completed line.
func (sl *SessionLog) Completed(e types.DeliberationCompleted) {
	if sl == nil {
		return
	}
	sl.write(Line{
		Kind:         KindCompleted,
		Outcome:      string(e.Outcome),
		Distribution: distLine(e.Distribution),
		Dissenter:    e.DissentArchon,
	})
}

func distLine(d map[types.Disposition]int) map[string]int {
	if len(d) == 0 {
		return nil
	}
	out := make(map[string]int, len(d))
	for k, v := range d {
		out[string(k)] = v
	}
	return out
}

// write appends one JSON line to the session log file. Adds timestamp,
// mutex-protected.
func (sl *SessionLog) write(l Line) {
	l.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(l)
	if err != nil {
		slog.Error("[SESLOG] marshal line", "error", err)
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(sl.f, "%s\n", data); err != nil {
		slog.Error("[SESLOG] write line", "error", err)
	}
}
