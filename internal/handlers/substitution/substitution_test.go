package substitution

import (
	"context"
	"errors"
	"testing"

	"github.com/civium/archon/internal/pool"
	"github.com/civium/archon/internal/session"
	"github.com/civium/archon/internal/types"
)

type captureSink struct {
	events []types.Event
}

func (c *captureSink) Publish(ev types.Event) { c.events = append(c.events, ev) }

func roster(ids ...string) pool.Pool {
	ds := make([]pool.Descriptor, 0, len(ids))
	for _, id := range ids {
		ds = append(ds, pool.Descriptor{ID: id, Name: id})
	}
	return pool.NewStatic(ds...)
}

func newTestSession(t *testing.T) session.Session {
	t.Helper()
	s, err := session.New("pet-1", []string{"a1", "a2", "a3"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err = s.AdvancePhase(types.PhasePosition)
	if err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	return s
}

func TestDetect(t *testing.T) {
	s := newTestSession(t)
	if !Detect(s, "a2", types.ReasonAPIError) {
		t.Fatal("panel member with a recognized reason must be eligible")
	}
	if Detect(s, "a9", types.ReasonAPIError) {
		t.Fatal("off-panel archon must not be eligible")
	}
	if Detect(s, "a2", types.FailureReason("WEATHER")) {
		t.Fatal("unrecognized reason must not be eligible")
	}
	term, err := s.ForceAbort(types.AbortPoolExhausted)
	if err != nil {
		t.Fatalf("ForceAbort: %v", err)
	}
	if Detect(term, "a2", types.ReasonAPIError) {
		t.Fatal("terminal session must not be eligible")
	}
}

func TestExecuteRefusesOffPanel(t *testing.T) {
	h := New(roster("a1", "a2", "a3", "a4"), nil)
	s := newTestSession(t)
	_, err := h.Execute(context.Background(), s, "a9", types.ReasonAPIError)
	if !errors.Is(err, types.ErrInvalidArchonAssignment) {
		t.Fatalf("err = %v, want InvalidArchonAssignment", err)
	}
}

func TestSelectSkipsInvolvedArchons(t *testing.T) {
	h := New(roster("a1", "a2", "a3", "a4", "a5"), nil)
	s := newTestSession(t)

	// panel members and the failing archon are ineligible; a4 is first clear
	d, ok, err := h.Select(context.Background(), s, "a2")
	if err != nil || !ok {
		t.Fatalf("Select: ok=%v err=%v", ok, err)
	}
	if d.ID != "a4" {
		t.Fatalf("selected %s, want a4", d.ID)
	}
}

func TestSelectExhausted(t *testing.T) {
	h := New(roster("a1", "a2", "a3"), nil)
	s := newTestSession(t)
	_, ok, err := h.Select(context.Background(), s, "a1")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if ok {
		t.Fatal("expected exhausted pool")
	}
}

func TestPrepareHandoffCarriesTranscriptsAndVotes(t *testing.T) {
	s := newTestSession(t)
	s, err := s.RecordTranscript(types.PhaseAssess, types.TranscriptHash{0x01})
	if err != nil {
		t.Fatalf("RecordTranscript: %v", err)
	}

	ho := PrepareHandoff(s, "a2", "a4")
	if len(ho.TranscriptHashes) != 1 || ho.TranscriptHashes[0].Phase != types.PhaseAssess {
		t.Fatalf("handoff transcripts = %+v", ho.TranscriptHashes)
	}
	if ho.FailedArchonID != "a2" || ho.SubstituteID != "a4" {
		t.Fatalf("handoff ids = %s/%s", ho.FailedArchonID, ho.SubstituteID)
	}
	if ho.RoundCount != 1 {
		t.Fatalf("handoff round = %d", ho.RoundCount)
	}
}

func TestExecuteSubstitutes(t *testing.T) {
	sink := &captureSink{}
	h := New(roster("a1", "a2", "a3", "a4"), sink)
	s := newTestSession(t)

	res, err := h.Execute(context.Background(), s, "a2", types.ReasonResponseTimeout)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Aborted {
		t.Fatal("expected substitution, got abort")
	}
	if res.SubstituteID != "a4" {
		t.Fatalf("substitute = %s, want a4", res.SubstituteID)
	}
	// the active panel is rewritten in place
	active := res.Session.CurrentActiveArchons()
	want := map[string]bool{"a1": true, "a3": true, "a4": true}
	for _, a := range active {
		if !want[a] {
			t.Fatalf("unexpected active archon %s", a)
		}
	}
	if len(res.Session.Substitutions) != 1 {
		t.Fatalf("substitution records = %d", len(res.Session.Substitutions))
	}
	ev := res.Event
	if ev.FailedArchonID != "a2" || ev.SubstituteArchonID != "a4" {
		t.Fatalf("event ids = %s/%s", ev.FailedArchonID, ev.SubstituteArchonID)
	}
	if ev.PhaseAtFailure != types.PhasePosition {
		t.Fatalf("phase at failure = %s", ev.PhaseAtFailure)
	}
	if !ev.MetSLA {
		t.Fatal("in-memory substitution must meet the SLA")
	}
	if len(sink.events) != 1 {
		t.Fatalf("published = %d events, want 1", len(sink.events))
	}
}

func TestExecuteSecondFailureAborts(t *testing.T) {
	sink := &captureSink{}
	h := New(roster("a1", "a2", "a3", "a4", "a5"), sink)
	s := newTestSession(t)

	res, err := h.Execute(context.Background(), s, "a2", types.ReasonAPIError)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	res2, err := h.Execute(context.Background(), res.Session, "a4", types.ReasonResponseTimeout)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !res2.Aborted {
		t.Fatal("expected abort on second failure")
	}
	if res2.AbortEvent.Reason != types.AbortInsufficientArchons {
		t.Fatalf("abort reason = %s", res2.AbortEvent.Reason)
	}
	// both failures are reported, oldest first
	if len(res2.AbortEvent.FailedArchons) != 2 {
		t.Fatalf("failed archons = %d, want 2", len(res2.AbortEvent.FailedArchons))
	}
	if res2.AbortEvent.FailedArchons[0].ArchonID != "a2" || res2.AbortEvent.FailedArchons[1].ArchonID != "a4" {
		t.Fatalf("failed order = %+v", res2.AbortEvent.FailedArchons)
	}
	if !res2.Session.IsAborted || res2.Session.Outcome != types.DispositionEscalate {
		t.Fatalf("session aborted=%v outcome=%s", res2.Session.IsAborted, res2.Session.Outcome)
	}
}

func TestExecutePoolExhaustedAborts(t *testing.T) {
	h := New(roster("a1", "a2", "a3"), nil)
	s := newTestSession(t)

	res, err := h.Execute(context.Background(), s, "a1", types.ReasonInvalidResponse)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Aborted {
		t.Fatal("expected abort")
	}
	if res.AbortEvent.Reason != types.AbortPoolExhausted {
		t.Fatalf("abort reason = %s", res.AbortEvent.Reason)
	}
	if res.AbortEvent.PhaseAtAbort != types.PhasePosition {
		t.Fatalf("phase at abort = %s", res.AbortEvent.PhaseAtAbort)
	}
}

func TestExecuteRefusesTerminal(t *testing.T) {
	h := New(roster("a1", "a2", "a3", "a4"), nil)
	s := newTestSession(t)
	s, err := s.ForceAbort(types.AbortPoolExhausted)
	if err != nil {
		t.Fatalf("ForceAbort: %v", err)
	}
	_, err = h.Execute(context.Background(), s, "a1", types.ReasonAPIError)
	if !errors.Is(err, types.ErrSessionAlreadyComplete) {
		t.Fatalf("err = %v, want SessionAlreadyComplete", err)
	}
}
