package seslog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/civium/archon/internal/types"
)

// readLines parses all JSONL lines from a file into a slice of Lines.
func readLines(t *testing.T, path string) []Line {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readLines: %v", err)
	}
	var lines []Line
	for _, raw := range splitLines(string(data)) {
		if raw == "" {
			continue
		}
		var l Line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			t.Fatalf("readLines: unmarshal %q: %v", raw, err)
		}
		lines = append(lines, l)
	}
	return lines
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// --- Registry.Open ---

func TestRegistry_Open_WritesSessionBegin(t *testing.T) {
	// Open creates the log directory and writes session_begin as the first JSONL line
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "sessions"))
	sl := r.Open("sess1", "pet-1")
	if sl == nil {
		t.Fatal("expected non-nil SessionLog")
	}
	r.Close("sess1", "ACKNOWLEDGE")

	lines := readLines(t, filepath.Join(dir, "sessions", "sess1.jsonl"))
	if len(lines) == 0 {
		t.Fatal("expected at least one line")
	}
	if lines[0].Kind != KindSessionBegin {
		t.Errorf("first line kind = %q, want %q", lines[0].Kind, KindSessionBegin)
	}
	if lines[0].SessionID != "sess1" {
		t.Errorf("session_id = %q, want %q", lines[0].SessionID, "sess1")
	}
	if lines[0].PetitionID != "pet-1" {
		t.Errorf("petition_id = %q, want %q", lines[0].PetitionID, "pet-1")
	}
}

func TestRegistry_Open_ReturnsExistingOnDuplicate(t *testing.T) {
	// Open returns the existing log without re-opening when called twice for the same sessionID
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "sessions"))
	sl1 := r.Open("sess1", "pet-1")
	sl2 := r.Open("sess1", "pet-other")
	if sl1 != sl2 {
		t.Errorf("expected same *SessionLog pointer on second Open, got different pointers")
	}
	r.Close("sess1", "ACKNOWLEDGE")

	lines := readLines(t, filepath.Join(dir, "sessions", "sess1.jsonl"))
	beginCount := 0
	for _, l := range lines {
		if l.Kind == KindSessionBegin {
			beginCount++
		}
	}
	if beginCount != 1 {
		t.Errorf("expected 1 session_begin, got %d", beginCount)
	}
}

// --- Registry.Get ---

func TestRegistry_Get_ReturnsNilForUnknown(t *testing.T) {
	// Get returns nil when sessionID has no open log
	dir := t.TempDir()
	r := NewRegistry(dir)
	if got := r.Get("nonexistent"); got != nil {
		t.Errorf("expected nil for unknown sessionID, got %v", got)
	}
}

// --- Registry.Close ---

func TestRegistry_Close_WritesSessionEnd(t *testing.T) {
	// Close writes session_end with outcome, elapsed_ms, and removes sessionID from registry
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "sessions"))
	r.Open("sess1", "pet-1")
	r.Close("sess1", "REFER")

	lines := readLines(t, filepath.Join(dir, "sessions", "sess1.jsonl"))
	last := lines[len(lines)-1]
	if last.Kind != KindSessionEnd {
		t.Errorf("last line kind = %q, want %q", last.Kind, KindSessionEnd)
	}
	if last.Outcome != "REFER" {
		t.Errorf("outcome = %q, want %q", last.Outcome, "REFER")
	}
	if last.ElapsedMs < 0 {
		t.Errorf("elapsed_ms = %d, want >= 0", last.ElapsedMs)
	}
	if got := r.Get("sess1"); got != nil {
		t.Errorf("expected nil after Close, got %v", got)
	}
}

func TestRegistry_Close_NoopsForUnknown(t *testing.T) {
	// Close no-ops gracefully when sessionID is not registered
	dir := t.TempDir()
	r := NewRegistry(dir)
	r.Close("nonexistent", "ACKNOWLEDGE")
}

// --- nil SessionLog safety ---

func TestSessionLog_NilReceiverNoops(t *testing.T) {
	// All SessionLog methods are no-ops when called on nil *SessionLog
	var sl *SessionLog
	// None of these should panic:
	sl.PhaseWitnessed(types.PhaseWitnessEvent{})
	sl.RoundTriggered(types.CrossExamineRoundTriggered{})
	sl.Deadlock(types.DeadlockDetected{})
	sl.Timeout(types.DeliberationTimeoutExpired{})
	sl.Substitution(types.ArchonSubstituted{})
	sl.Abort(types.DeliberationAborted{})
	sl.Completed(types.DeliberationCompleted{})
}

// --- substitution: met_sla false must be serialised ---

func TestSessionLog_Substitution_FalseSLAIsSerialised(t *testing.T) {
	// Substitution with MetSLA=false must include "met_sla":false in JSON (pointer ensures this)
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "sessions"))
	sl := r.Open("sess1", "pet-1")
	sl.Substitution(types.ArchonSubstituted{
		FailedArchonID:     "a2",
		SubstituteArchonID: "a4",
		PhaseAtFailure:     types.PhasePosition,
		FailureReason:      types.ReasonResponseTimeout,
		LatencyMS:          6200,
		MetSLA:             false,
	})
	r.Close("sess1", "ESCALATE")

	lines := readLines(t, filepath.Join(dir, "sessions", "sess1.jsonl"))
	for _, l := range lines {
		if l.Kind != KindSubstitution {
			continue
		}
		if l.MetSLA == nil {
			t.Fatal("met_sla field is nil (not serialised), want false")
		}
		if *l.MetSLA != false {
			t.Errorf("met_sla = %v, want false", *l.MetSLA)
		}
		if l.FailedArchon != "a2" || l.SubstituteID != "a4" {
			t.Errorf("archons = %q -> %q, want a2 -> a4", l.FailedArchon, l.SubstituteID)
		}
		return
	}
	t.Fatal("no substitution line found")
}

// --- Consume ---

func TestRegistry_Consume_RoutesAndClosesOnTerminal(t *testing.T) {
	// Consume auto-opens on the first event for a session and closes on the terminal event
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "sessions"))

	env := types.NewEnvelope("sess1", "pet-1")
	ch := make(chan types.Event, 4)
	ch <- types.PhaseWitnessEvent{
		Envelope:       env,
		Phase:          types.PhaseAssess,
		TranscriptHash: types.TranscriptHash{0xab},
		Participants:   []string{"a1", "a2", "a3"},
	}
	ch <- types.DeliberationCompleted{
		Envelope:     env,
		Outcome:      types.DispositionAcknowledge,
		Distribution: map[types.Disposition]int{types.DispositionAcknowledge: 3},
	}
	close(ch)

	r.Consume(context.Background(), ch)

	if got := r.Get("sess1"); got != nil {
		t.Errorf("expected log closed after terminal event, got %v", got)
	}
	lines := readLines(t, filepath.Join(dir, "sessions", "sess1.jsonl"))
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines (begin, phase, completed, end), got %d", len(lines))
	}
	if lines[1].Kind != KindPhaseWitnessed || lines[1].Phase != "ASSESS" {
		t.Errorf("second line = %q phase %q, want phase_witnessed ASSESS", lines[1].Kind, lines[1].Phase)
	}
	if lines[1].TranscriptHash == "" {
		t.Error("phase_witnessed line has empty transcript_hash")
	}
	if lines[2].Kind != KindCompleted || lines[2].Outcome != "ACKNOWLEDGE" {
		t.Errorf("third line = %q outcome %q, want completed ACKNOWLEDGE", lines[2].Kind, lines[2].Outcome)
	}
	if lines[3].Kind != KindSessionEnd || lines[3].Outcome != "ACKNOWLEDGE" {
		t.Errorf("last line = %q outcome %q, want session_end ACKNOWLEDGE", lines[3].Kind, lines[3].Outcome)
	}
}

func TestRegistry_Consume_TimeoutEscalates(t *testing.T) {
	// A timeout event closes the session log with the ESCALATE outcome
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "sessions"))

	ch := make(chan types.Event, 1)
	ch <- types.DeliberationTimeoutExpired{
		Envelope:          types.NewEnvelope("sess1", "pet-1"),
		PhaseAtTimeout:    types.PhasePosition,
		ConfiguredSeconds: 300,
	}
	close(ch)
	r.Consume(context.Background(), ch)

	lines := readLines(t, filepath.Join(dir, "sessions", "sess1.jsonl"))
	last := lines[len(lines)-1]
	if last.Kind != KindSessionEnd || last.Outcome != "ESCALATE" {
		t.Errorf("last line = %q outcome %q, want session_end ESCALATE", last.Kind, last.Outcome)
	}
	found := false
	for _, l := range lines {
		if l.Kind == KindTimeout && l.PhaseAtTimeout == "POSITION" && l.ConfiguredSecs == 300 {
			found = true
		}
	}
	if !found {
		t.Error("no timeout line with phase POSITION and 300s found")
	}
}
