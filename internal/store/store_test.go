package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/civium/archon/internal/petition"
	"github.com/civium/archon/internal/session"
	"github.com/civium/archon/internal/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(t *testing.T) session.Session {
	t.Helper()
	s, err := session.New("pet-1", []string{"a1", "a2", "a3"})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s
}

// --- sessions ---

func TestSessionRoundTrip(t *testing.T) {
	// Create then Get returns the same snapshot, transitions included
	st := openStore(t)
	ctx := context.Background()
	s := newSession(t)

	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := st.Get(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != s.SessionID || got.PetitionID != "pet-1" || got.Phase != types.PhaseAssess {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if panel := got.CurrentActiveArchons(); len(panel) != 3 || panel[1] != "a2" {
		t.Fatalf("panel = %v", panel)
	}
}

func TestCreateRefusesDuplicate(t *testing.T) {
	// Create is first-writer-wins for a session id
	st := openStore(t)
	ctx := context.Background()
	s := newSession(t)

	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Create(ctx, s); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("duplicate Create = %v, want already-exists error", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	st := openStore(t)
	_, err := st.Get(context.Background(), "ghost")
	if !errors.Is(err, types.ErrSessionNotFound) {
		t.Fatalf("err = %v, want SessionNotFound", err)
	}
}

func TestUpdateCAS(t *testing.T) {
	// Update succeeds against the stored version and rejects a stale one
	st := openStore(t)
	ctx := context.Background()
	s := newSession(t)
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	advanced, err := s.AdvancePhase(types.PhasePosition)
	if err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	if err := st.Update(ctx, advanced, s.Version); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// a second writer holding the old version loses
	stale, err := s.AdvancePhase(types.PhasePosition)
	if err != nil {
		t.Fatalf("AdvancePhase stale: %v", err)
	}
	err = st.Update(ctx, stale, s.Version)
	if !errors.Is(err, session.ErrVersionConflict) {
		t.Fatalf("stale Update = %v, want VersionConflict", err)
	}

	got, err := st.Get(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != advanced.Version || got.Phase != types.PhasePosition {
		t.Fatalf("stored version=%d phase=%s, want winner's", got.Version, got.Phase)
	}
}

func TestUpdateUnknownSession(t *testing.T) {
	st := openStore(t)
	s := newSession(t)
	err := st.Update(context.Background(), s, 0)
	if !errors.Is(err, types.ErrSessionNotFound) {
		t.Fatalf("err = %v, want SessionNotFound", err)
	}
}

// --- events ---

func TestAppendEventIsAppendOnly(t *testing.T) {
	// The same event id is never overwritten
	st := openStore(t)
	ctx := context.Background()

	ev := types.DeliberationCompleted{
		Envelope: types.NewEnvelope("sess1", "pet-1"),
		Outcome:  types.DispositionAcknowledge,
	}
	if err := st.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := st.AppendEvent(ctx, ev); err == nil || !strings.Contains(err.Error(), "already recorded") {
		t.Fatalf("second AppendEvent = %v, want already-recorded error", err)
	}

	kind, data, err := st.GetEventRecord(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("GetEventRecord: %v", err)
	}
	if kind != types.KindDeliberationDone {
		t.Errorf("kind = %q, want %q", kind, types.KindDeliberationDone)
	}
	if !strings.Contains(string(data), `"ACKNOWLEDGE"`) {
		t.Errorf("record data missing outcome: %s", data)
	}
}

// --- petitions ---

func TestPetitionFateCAS(t *testing.T) {
	// AssignFateCAS swaps DELIBERATING to a terminal state exactly once
	st := openStore(t)
	ctx := context.Background()
	pets := st.Petitions()

	if err := st.PutPetition(ctx, petition.Snapshot{ID: "pet-1", State: petition.StateDeliberating}); err != nil {
		t.Fatalf("PutPetition: %v", err)
	}

	err := pets.AssignFateCAS(ctx, "pet-1", petition.StateDeliberating, petition.StateAcknowledged, "", "")
	if err != nil {
		t.Fatalf("AssignFateCAS: %v", err)
	}
	// a second fate assignment loses the CAS
	err = pets.AssignFateCAS(ctx, "pet-1", petition.StateDeliberating, petition.StateReferred, "", "")
	if !errors.Is(err, petition.ErrStateConflict) {
		t.Fatalf("second CAS = %v, want StateConflict", err)
	}

	snap, err := pets.Get(ctx, "pet-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.State != petition.StateAcknowledged {
		t.Fatalf("state = %s, want ACKNOWLEDGED", snap.State)
	}
}

func TestPetitionEscalationAnnotations(t *testing.T) {
	// ESCALATED fates record their source and target realm on the snapshot
	st := openStore(t)
	ctx := context.Background()
	pets := st.Petitions()

	if err := st.PutPetition(ctx, petition.Snapshot{ID: "pet-2", State: petition.StateDeliberating, Realm: "attica"}); err != nil {
		t.Fatalf("PutPetition: %v", err)
	}
	if err := pets.AssignFateCAS(ctx, "pet-2", petition.StateDeliberating, petition.StateEscalated, "deadlock", "attica"); err != nil {
		t.Fatalf("AssignFateCAS: %v", err)
	}

	snap, err := pets.Get(ctx, "pet-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.State != petition.StateEscalated || snap.EscalationSource != "deadlock" || snap.EscalatedToRealm != "attica" {
		t.Fatalf("snapshot = %+v, want ESCALATED/deadlock/attica", snap)
	}
}

func TestPetitionUnknown(t *testing.T) {
	st := openStore(t)
	_, err := st.Petitions().Get(context.Background(), "ghost")
	if !errors.Is(err, petition.ErrNotFound) {
		t.Fatalf("err = %v, want petition.ErrNotFound", err)
	}
}
