// Package contextpkg builds the immutable, content-hashed context package
// the archons deliberate over. The hash is SHA-256 over a canonical JSON
// rendering of every field except the hash itself, so any receiver can
// recompute and compare.
package contextpkg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/civium/archon/internal/petition"
	"github.com/civium/archon/internal/session"
	"github.com/civium/archon/internal/types"
)

// SchemaVersion identifies the context package layout.
const SchemaVersion = "1.1.0"

const hashField = "content_hash"

// Package is the deliberation input bundle. Treat as immutable once built.
// SimilarPetitions is reserved-empty: similarity search is deferred, and the
// flag records that the absence is deliberate rather than a miss.
type Package struct {
	PetitionID         string                `json:"petition_id"`
	PetitionText       string                `json:"petition_text"`
	PetitionType       string                `json:"petition_type"`
	CoSignerCount      int                   `json:"co_signer_count"`
	SubmitterID        *string               `json:"submitter_id"`
	Realm              string                `json:"realm"`
	SubmittedAt        time.Time             `json:"submitted_at"`
	SessionID          string                `json:"session_id"`
	AssignedArchons    []string              `json:"assigned_archons"`
	SimilarPetitions   []string              `json:"similar_petitions"`
	SimilarityDeferred bool                  `json:"similarity_deferred"`
	SeverityTier       petition.SeverityTier `json:"severity_tier"`
	SeveritySignals    []string              `json:"severity_signals"`
	SchemaVersion      string                `json:"schema_version"`
	BuiltAt            time.Time             `json:"built_at"`
	ContentHash        string                `json:"content_hash"`
}

// Builder assembles context packages. The clock is injectable so builds are
// reproducible in tests; production uses the single wall-clock source.
type Builder struct {
	now func() time.Time
}

// NewBuilder returns a Builder on the wall clock.
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// NewBuilderAt returns a Builder on a fixed clock, for deterministic builds.
func NewBuilderAt(now func() time.Time) *Builder {
	return &Builder{now: now}
}

// Build assembles the package for one petition/session pair and attaches the
// content hash.
//
// Expectations:
//   - Refuses with PetitionSessionMismatch when session.petition_id ≠ petition.id
//   - SimilarPetitions is an empty (non-nil) sequence with the deferred flag set
//   - ContentHash is 64 lowercase hex chars over the canonical JSON of all
//     other fields
func (b *Builder) Build(pet petition.Snapshot, sess session.Session) (Package, error) {
	if sess.PetitionID != pet.ID {
		return Package{}, fmt.Errorf("%w: session references %q, snapshot is %q",
			types.ErrPetitionSessionMismatch, sess.PetitionID, pet.ID)
	}
	p := Package{
		PetitionID:         pet.ID,
		PetitionText:       pet.Text,
		PetitionType:       pet.Type,
		CoSignerCount:      pet.CoSignerCount,
		SubmitterID:        pet.SubmitterID,
		Realm:              pet.Realm,
		SubmittedAt:        pet.SubmittedAt.UTC(),
		SessionID:          sess.SessionID,
		AssignedArchons:    append([]string(nil), sess.AssignedArchons...),
		SimilarPetitions:   []string{},
		SimilarityDeferred: true,
		SeverityTier:       pet.SeverityTier,
		SeveritySignals:    append([]string(nil), pet.SeveritySignals...),
		SchemaVersion:      SchemaVersion,
		BuiltAt:            b.now().UTC(),
	}
	hash, err := Hash(p)
	if err != nil {
		return Package{}, err
	}
	p.ContentHash = hash
	return p, nil
}

// Hash computes the 64-char lowercase hex SHA-256 of the canonical rendering
// of p with the content_hash field excluded.
func Hash(p Package) (string, error) {
	canon, err := CanonicalBytes(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalBytes returns the canonical JSON of p without the hash field.
// Re-canonicalizing the same built package always reproduces the same bytes.
func CanonicalBytes(p Package) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("contextpkg: marshal: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("contextpkg: decode: %w", err)
	}
	delete(tree, hashField)
	return CanonicalJSON(tree)
}

// Verify recomputes the hash and reports whether it matches the attached one.
func Verify(p Package) (bool, error) {
	want, err := Hash(p)
	if err != nil {
		return false, err
	}
	return want == p.ContentHash, nil
}
