package session

import (
	"context"
	"errors"
)

// ErrVersionConflict is returned by Repository.Update when the persisted
// version no longer matches the expected one (another writer got there
// first). Callers reload and re-arbitrate via the terminal-state refusals.
var ErrVersionConflict = errors.New("session version conflict")

// Repository is the single source of truth for session state. Mutation
// happens by replacing the snapshot; implementations must provide optimistic
// concurrency on Version (Update is a compare-and-swap) or serialize access
// per session id.
type Repository interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// Update stores s iff the persisted version equals expected.
	Update(ctx context.Context, s Session, expected int64) error
}
