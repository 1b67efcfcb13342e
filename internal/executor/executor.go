// Package executor defines the phase-executor port: the seam between the
// deliberation engine and the agent backend. The orchestrator treats each
// call as a single opaque suspension point; everything about prompting,
// per-agent parallelism, and response parsing lives behind this interface.
package executor

import (
	"context"

	"github.com/civium/archon/internal/contextpkg"
	"github.com/civium/archon/internal/session"
	"github.com/civium/archon/internal/types"
)

// Request carries everything one phase execution needs.
type Request struct {
	Session session.Session
	Package contextpkg.Package
	// Prior is the immediately preceding phase result; nil for ASSESS.
	Prior *types.PhaseResult
	// Handoff is set only on the retry following a substitution. The
	// executor folds it into the substitute's first prompt; the engine
	// treats it as opaque.
	Handoff *types.Handoff
}

// Executor runs the four non-terminal phases. Failures attributable to a
// single agent are reported as *types.PhaseExecutionFailure with ArchonID
// set; those are candidates for substitution.
type Executor interface {
	ExecuteAssess(ctx context.Context, req Request) (types.PhaseResult, error)
	ExecutePosition(ctx context.Context, req Request) (types.PhaseResult, error)
	ExecuteCrossExamine(ctx context.Context, req Request) (types.PhaseResult, error)
	ExecuteVote(ctx context.Context, req Request) (types.PhaseResult, error)
}
