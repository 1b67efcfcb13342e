// Package witness implements the content-addressed transcript store. Every
// completed phase is witnessed exactly once: the full transcript text is
// stored under its SHA-256 hash and a PhaseWitnessEvent carrying that hash
// is returned. The session records the hash only after the append is
// acknowledged, which is what makes the result independently verifiable.
package witness

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/civium/archon/internal/types"
)

const prefixTranscript = "t|"

// Witness is the transcript witness port.
type Witness interface {
	// Append stores the transcript and returns the witness event carrying
	// the computed hash.
	Append(ctx context.Context, sessionID, petitionID string, phase types.Phase,
		transcript []byte, meta types.PhaseMetadata, participants []string,
		startedAt, completedAt time.Time) (types.PhaseWitnessEvent, error)
	// Fetch retrieves a transcript by hash, verifying content integrity.
	Fetch(ctx context.Context, hash types.TranscriptHash) ([]byte, error)
}

// LevelStore is the LevelDB-backed Witness. Appends are idempotent: storing
// the same transcript twice lands on the same key with the same bytes.
type LevelStore struct {
	db *leveldb.DB
}

// Open opens (or creates) the witness database at path.
func Open(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("witness: open leveldb at %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

// Close closes the database.
func (w *LevelStore) Close() error { return w.db.Close() }

// record persists the transcript with enough metadata to audit it offline.
type record struct {
	SessionID    string              `json:"session_id"`
	Phase        types.Phase         `json:"phase"`
	Transcript   []byte              `json:"transcript"`
	Participants []string            `json:"participants"`
	Metadata     types.PhaseMetadata `json:"metadata"`
	StartedAt    time.Time           `json:"started_at"`
	CompletedAt  time.Time           `json:"completed_at"`
}

// Append hashes the transcript, stores it content-addressed, and returns the
// witness event.
func (w *LevelStore) Append(_ context.Context, sessionID, petitionID string, phase types.Phase,
	transcript []byte, meta types.PhaseMetadata, participants []string,
	startedAt, completedAt time.Time) (types.PhaseWitnessEvent, error) {

	hash := types.TranscriptHash(sha256.Sum256(transcript))
	rec := record{
		SessionID:    sessionID,
		Phase:        phase,
		Transcript:   transcript,
		Participants: participants,
		Metadata:     meta,
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return types.PhaseWitnessEvent{}, fmt.Errorf("witness: encode record: %w", err)
	}
	if err := w.db.Put([]byte(prefixTranscript+hash.Hex()), data, nil); err != nil {
		return types.PhaseWitnessEvent{}, fmt.Errorf("witness: append transcript: %w", err)
	}
	return types.PhaseWitnessEvent{
		Envelope:       types.NewEnvelope(sessionID, petitionID),
		Phase:          phase,
		TranscriptHash: hash,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		Participants:   participants,
		Metadata:       meta,
	}, nil
}

// Fetch retrieves and verifies a transcript by hash.
func (w *LevelStore) Fetch(_ context.Context, hash types.TranscriptHash) ([]byte, error) {
	data, err := w.db.Get([]byte(prefixTranscript+hash.Hex()), nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("witness: transcript %s not found", hash.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("witness: fetch %s: %w", hash.Hex(), err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("witness: decode %s: %w", hash.Hex(), err)
	}
	if got := types.TranscriptHash(sha256.Sum256(rec.Transcript)); got != hash {
		return nil, fmt.Errorf("witness: content integrity violation for %s", hash.Hex())
	}
	return rec.Transcript, nil
}
