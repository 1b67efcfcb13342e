// Package store persists the engine's state in a single LevelDB database.
//
// Key scheme — "|" separates segments so ids containing colons stay safe:
//
//	s|<session_id>  → session snapshot JSON     (replaced on every transition)
//	e|<event_id>    → domain event record JSON  (append-only)
//	p|<petition_id> → petition snapshot JSON
//
// Session writes go through a per-session CAS mutex plus a version
// compare-and-swap, so the timeout worker and the orchestrator can both
// write concurrently and exactly one of a conflicting pair wins.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/syndtr/goleveldb/leveldb"
	lock "github.com/viney-shih/go-lock"

	"github.com/civium/archon/internal/petition"
	"github.com/civium/archon/internal/session"
	"github.com/civium/archon/internal/types"
)

const (
	prefixSession  = "s|"
	prefixEvent    = "e|"
	prefixPetition = "p|"
)

// Store is the LevelDB-backed implementation of the session repository, the
// event store, and the petition repository.
type Store struct {
	db *leveldb.DB

	mu    sync.Mutex
	locks map[string]*lock.CASMutex // per-session write mutex, created lazily
}

// Open opens (or creates) the LevelDB database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open leveldb at %s: %w", path, err)
	}
	return &Store{db: db, locks: make(map[string]*lock.CASMutex)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) sessionLock(id string) *lock.CASMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = lock.NewCASMutex()
		s.locks[id] = m
	}
	return m
}

// --- session.Repository ---

// Create stores a fresh session snapshot. Refuses ids that already exist.
func (s *Store) Create(ctx context.Context, sess session.Session) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("store: refusing invalid session: %w", err)
	}
	m := s.sessionLock(sess.SessionID)
	if !m.TryLockWithContext(ctx) {
		return ctx.Err()
	}
	defer m.Unlock()

	key := []byte(prefixSession + sess.SessionID)
	if _, err := s.db.Get(key, nil); err == nil {
		return fmt.Errorf("store: session %s already exists", sess.SessionID)
	}
	return s.putSession(key, sess)
}

// Get loads a session snapshot.
func (s *Store) Get(_ context.Context, id string) (session.Session, error) {
	data, err := s.db.Get([]byte(prefixSession+id), nil)
	if err == leveldb.ErrNotFound {
		return session.Session{}, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("store: get session %s: %w", id, err)
	}
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return session.Session{}, fmt.Errorf("store: decode session %s: %w", id, err)
	}
	return sess, nil
}

// Update replaces the snapshot iff the persisted version equals expected.
func (s *Store) Update(ctx context.Context, sess session.Session, expected int64) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("store: refusing invalid session: %w", err)
	}
	m := s.sessionLock(sess.SessionID)
	if !m.TryLockWithContext(ctx) {
		return ctx.Err()
	}
	defer m.Unlock()

	stored, err := s.Get(ctx, sess.SessionID)
	if err != nil {
		return err
	}
	if stored.Version != expected {
		return fmt.Errorf("%w: session %s at version %d, expected %d",
			session.ErrVersionConflict, sess.SessionID, stored.Version, expected)
	}
	return s.putSession([]byte(prefixSession+sess.SessionID), sess)
}

func (s *Store) putSession(key []byte, sess session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: encode session %s: %w", sess.SessionID, err)
	}
	if err := s.db.Put(key, data, nil); err != nil {
		return fmt.Errorf("store: put session %s: %w", sess.SessionID, err)
	}
	slog.Debug("[STORE] session persisted", "session", sess.SessionID, "phase", sess.Phase, "version", sess.Version)
	return nil
}

// --- event store ---

// eventRecord wraps a domain event with its kind for decoding.
type eventRecord struct {
	Kind types.EventKind `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// AppendEvent persists one domain event keyed by event id. Append-only:
// an existing id is never overwritten.
func (s *Store) AppendEvent(_ context.Context, ev types.Event) error {
	id := ev.Meta().EventID
	key := []byte(prefixEvent + id)
	if _, err := s.db.Get(key, nil); err == nil {
		return fmt.Errorf("store: event %s already recorded", id)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: encode event %s: %w", id, err)
	}
	rec, err := json.Marshal(eventRecord{Kind: ev.Kind(), Data: data})
	if err != nil {
		return fmt.Errorf("store: encode event record %s: %w", id, err)
	}
	if err := s.db.Put(key, rec, nil); err != nil {
		return fmt.Errorf("store: put event %s: %w", id, err)
	}
	return nil
}

// GetEventRecord loads the raw record for one event id.
func (s *Store) GetEventRecord(_ context.Context, id string) (types.EventKind, []byte, error) {
	data, err := s.db.Get([]byte(prefixEvent+id), nil)
	if err == leveldb.ErrNotFound {
		return "", nil, fmt.Errorf("store: event %s not found", id)
	}
	if err != nil {
		return "", nil, fmt.Errorf("store: get event %s: %w", id, err)
	}
	var rec eventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", nil, fmt.Errorf("store: decode event %s: %w", id, err)
	}
	return rec.Kind, rec.Data, nil
}

// --- petition.Repository ---

// PutPetition seeds or replaces a petition snapshot. Used by intake, tests,
// and the CLI; the engine itself only reads and CASes the state tag.
func (s *Store) PutPetition(_ context.Context, snap petition.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: encode petition %s: %w", snap.ID, err)
	}
	if err := s.db.Put([]byte(prefixPetition+snap.ID), data, nil); err != nil {
		return fmt.Errorf("store: put petition %s: %w", snap.ID, err)
	}
	return nil
}

// GetPetition loads a petition snapshot.
func (s *Store) GetPetition(_ context.Context, id string) (petition.Snapshot, error) {
	data, err := s.db.Get([]byte(prefixPetition+id), nil)
	if err == leveldb.ErrNotFound {
		return petition.Snapshot{}, fmt.Errorf("%w: %s", petition.ErrNotFound, id)
	}
	if err != nil {
		return petition.Snapshot{}, fmt.Errorf("store: get petition %s: %w", id, err)
	}
	var snap petition.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return petition.Snapshot{}, fmt.Errorf("store: decode petition %s: %w", id, err)
	}
	return snap, nil
}

// Get implements petition.Repository.Get. The name collides with the session
// getter, so petition reads go through the Petitions view.
type petitionView struct{ s *Store }

// Petitions returns the petition.Repository view of the store.
func (s *Store) Petitions() petition.Repository {
	return petitionView{s: s}
}

func (v petitionView) Get(ctx context.Context, id string) (petition.Snapshot, error) {
	return v.s.GetPetition(ctx, id)
}

// AssignFateCAS swaps the petition state tag from expected to next under the
// store mutex. ESCALATED fates carry their source and target-realm
// annotations on the snapshot.
func (v petitionView) AssignFateCAS(ctx context.Context, id string, expected, next petition.State, escalationSource, escalatedToRealm string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	snap, err := v.s.GetPetition(ctx, id)
	if err != nil {
		return err
	}
	if snap.State != expected {
		return fmt.Errorf("%w: petition %s in state %s, expected %s", petition.ErrStateConflict, id, snap.State, expected)
	}
	snap.State = next
	if next == petition.StateEscalated {
		snap.EscalationSource = escalationSource
		snap.EscalatedToRealm = escalatedToRealm
	}
	return v.s.PutPetition(ctx, snap)
}
