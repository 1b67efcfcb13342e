// Package orchestrator sequences one deliberation start to finish: deadline
// scheduling, the four phases, witnessing, the cross-examine/vote loop, and
// terminal routing of the petition's fate. It consumes the executor, the
// three failure handlers, the witness store, and the session repository, and
// owns no policy of its own beyond the sequencing rules.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civium/archon/internal/config"
	"github.com/civium/archon/internal/contextpkg"
	"github.com/civium/archon/internal/executor"
	"github.com/civium/archon/internal/handlers/deadlock"
	"github.com/civium/archon/internal/handlers/substitution"
	"github.com/civium/archon/internal/handlers/timeout"
	"github.com/civium/archon/internal/petition"
	"github.com/civium/archon/internal/session"
	"github.com/civium/archon/internal/types"
	"github.com/civium/archon/internal/witness"
)

// Deps wires an Orchestrator. Executor, Repo, and Witness are required.
// Timeouts, Deadlock, Substitution, Petitions, and Sink are optional: a nil
// deadlock handler propagates ConsensusNotReached, a nil substitution handler
// propagates archon-attributable failures, a nil petition repository skips
// fate routing.
type Deps struct {
	Executor     executor.Executor
	Repo         session.Repository
	Witness      witness.Witness
	Timeouts     *timeout.Handler
	Deadlock     *deadlock.Handler
	Substitution *substitution.Handler
	Petitions    petition.Repository
	Sink         types.EventSink
	Config       config.Config
}

// Orchestrator drives deliberations. One Orchestrator serves many concurrent
// sessions; each Orchestrate call is internally sequential.
type Orchestrator struct {
	d   Deps
	now func() time.Time
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{d: d, now: time.Now}
}

// persist CASes the session into the repository against the version recorded
// at the last successful write. On a version conflict it reloads: a terminal
// stored session means the timeout worker won the race, surfaced as
// SessionAlreadyComplete.
func (o *Orchestrator) persist(ctx context.Context, s session.Session, lastSaved *int64) error {
	if o.d.Repo == nil {
		return nil
	}
	err := o.d.Repo.Update(ctx, s, *lastSaved)
	if err == nil {
		*lastSaved = s.Version
		return nil
	}
	if errors.Is(err, session.ErrVersionConflict) {
		stored, getErr := o.d.Repo.Get(ctx, s.SessionID)
		if getErr == nil && stored.Terminal() {
			return fmt.Errorf("%w: session %s was forced terminal concurrently", types.ErrSessionAlreadyComplete, s.SessionID)
		}
	}
	return err
}

// Orchestrate runs the whole deliberation for one session and built context
// package. On success the returned session is terminal and the result carries
// the full phase sequence; on an abort the result is partial with IsAborted
// set. Failures during orchestration leave the scheduled timeout in place so
// the deadline can still fire.
func (o *Orchestrator) Orchestrate(ctx context.Context, s session.Session, pkg contextpkg.Package) (session.Session, types.DeliberationResult, error) {
	var result types.DeliberationResult
	if pkg.PetitionID != s.PetitionID {
		return s, result, fmt.Errorf("%w: package %s vs session %s", types.ErrPetitionSessionMismatch, pkg.PetitionID, s.PetitionID)
	}
	lastSaved := s.Version
	startedAt := o.now().UTC()

	if o.d.Timeouts != nil && o.d.Config.TimeoutSeconds > 0 {
		s2, err := o.d.Timeouts.Schedule(ctx, s)
		if err != nil {
			return s, result, err
		}
		s = s2
		if err := o.persist(ctx, s, &lastSaved); err != nil {
			return s, result, err
		}
	}
	slog.Info("[ORCH] deliberation started", "session", s.SessionID, "petition", s.PetitionID, "panel", s.CurrentActiveArchons())

	var phaseResults []types.PhaseResult
	finish := func(s session.Session) (session.Session, types.DeliberationResult, error) {
		result = o.assembleResult(s, phaseResults, startedAt)
		o.routeFate(ctx, s, pkg)
		return s, result, nil
	}

	// ASSESS, then POSITION, each with the one-substitution retry budget.
	var prior *types.PhaseResult
	for _, phase := range []types.Phase{types.PhaseAssess, types.PhasePosition} {
		res, s2, aborted, err := o.executePhaseWithSubstitution(ctx, phase, s, pkg, prior, &lastSaved)
		if err != nil {
			return s2, result, err
		}
		if aborted {
			return finish(s2)
		}
		s = s2
		s, res, err = o.witnessAndRecord(ctx, s, res, &lastSaved)
		if err != nil {
			return s, result, err
		}
		phaseResults = append(phaseResults, res)
		prior = &phaseResults[len(phaseResults)-1]

		next, _ := phase.Successor()
		s, err = s.AdvancePhase(next)
		if err != nil {
			return s, result, err
		}
		if err := o.persist(ctx, s, &lastSaved); err != nil {
			return s, result, err
		}
	}

	// Cross-examine/vote loop. Entered with phase == CROSS_EXAMINE; a new
	// round re-enters here via BeginNewRound.
	for {
		ceRes, s2, aborted, err := o.executePhaseWithSubstitution(ctx, types.PhaseCrossExamine, s, pkg, prior, &lastSaved)
		if err != nil {
			return s2, result, err
		}
		if aborted {
			return finish(s2)
		}
		s = s2
		s, ceRes, err = o.witnessAndRecord(ctx, s, ceRes, &lastSaved)
		if err != nil {
			return s, result, err
		}
		phaseResults = append(phaseResults, ceRes)
		cePrior := &phaseResults[len(phaseResults)-1]

		s, err = s.AdvancePhase(types.PhaseVote)
		if err != nil {
			return s, result, err
		}
		if err := o.persist(ctx, s, &lastSaved); err != nil {
			return s, result, err
		}

		voteRes, s2, aborted, err := o.executePhaseWithSubstitution(ctx, types.PhaseVote, s, pkg, cePrior, &lastSaved)
		if err != nil {
			return s2, result, err
		}
		if aborted {
			return finish(s2)
		}
		s = s2
		s, voteRes, err = o.witnessAndRecord(ctx, s, voteRes, &lastSaved)
		if err != nil {
			return s, result, err
		}
		phaseResults = append(phaseResults, voteRes)

		s, err = s.RecordVotes(voteRes.Metadata.Votes)
		if err != nil {
			return s, result, err
		}

		resolved, err := s.ResolveConsensus()
		if err == nil {
			s = resolved
			if err := o.persist(ctx, s, &lastSaved); err != nil {
				return s, result, err
			}
			break
		}
		if !errors.Is(err, types.ErrConsensusNotReached) {
			return s, result, err
		}
		if o.d.Deadlock == nil {
			return s, result, err
		}

		dist := session.Distribution(s.Votes)
		s2, ev, err := o.d.Deadlock.HandleNoConsensus(ctx, s, dist, o.d.Config.MaxRounds)
		if err != nil {
			return s, result, err
		}
		s = s2
		if err := o.persist(ctx, s, &lastSaved); err != nil {
			return s, result, err
		}
		if ev.Kind() == types.KindDeadlockDetected {
			// terminal: deadline cleanup, then the deadlocked result
			s, err = o.cancelTimeout(ctx, s, &lastSaved)
			if err != nil {
				return s, result, err
			}
			slog.Warn("[ORCH] deliberation deadlocked", "session", s.SessionID, "rounds", s.RoundCount)
			return finish(s)
		}
		// new round: next CROSS_EXAMINE builds on the one just completed
		prior = cePrior
	}

	s, err := o.cancelTimeout(ctx, s, &lastSaved)
	if err != nil {
		return s, result, err
	}

	if o.d.Sink != nil {
		o.d.Sink.Publish(types.DeliberationCompleted{
			Envelope:      types.NewEnvelope(s.SessionID, s.PetitionID),
			Outcome:       s.Outcome,
			Distribution:  session.Distribution(s.Votes),
			DissentArchon: s.DissentArchonID,
		})
	}
	slog.Info("[ORCH] deliberation complete", "session", s.SessionID, "outcome", s.Outcome, "dissent", s.DissentArchonID)
	return finish(s)
}

// executePhaseWithSubstitution runs one phase with the two-attempt budget:
// the original call and, after a successful substitution, one retry carrying
// the handoff. An abort from the substitution handler stops orchestration;
// failures without an attributable archon propagate untouched.
func (o *Orchestrator) executePhaseWithSubstitution(ctx context.Context, phase types.Phase, s session.Session, pkg contextpkg.Package, prior *types.PhaseResult, lastSaved *int64) (types.PhaseResult, session.Session, bool, error) {
	req := executor.Request{Session: s, Package: pkg, Prior: prior}
	res, err := o.execute(ctx, phase, req)
	if err == nil {
		return res, s, false, nil
	}

	var pef *types.PhaseExecutionFailure
	if !errors.As(err, &pef) || pef.ArchonID == "" || o.d.Substitution == nil {
		return types.PhaseResult{}, s, false, err
	}

	code := types.ClassifyFailureReason(pef.Reason)
	slog.Warn("[ORCH] phase failure attributed", "session", s.SessionID, "phase", phase, "archon", pef.ArchonID, "code", code)
	handoffBase := s
	subRes, subErr := o.d.Substitution.Execute(ctx, s, pef.ArchonID, code)
	if subErr != nil {
		return types.PhaseResult{}, s, false, subErr
	}
	s = subRes.Session
	if err := o.persist(ctx, s, lastSaved); err != nil {
		return types.PhaseResult{}, s, false, err
	}
	if subRes.Aborted {
		return types.PhaseResult{}, s, true, nil
	}

	handoff := substitution.PrepareHandoff(handoffBase, pef.ArchonID, subRes.SubstituteID)
	req = executor.Request{Session: s, Package: pkg, Prior: prior, Handoff: &handoff}
	res, err = o.execute(ctx, phase, req)
	if err == nil {
		return res, s, false, nil
	}

	// Second failure. Attributable reasons go back through the substitution
	// handler, which aborts at the cap; anything else propagates.
	var pef2 *types.PhaseExecutionFailure
	if !errors.As(err, &pef2) || pef2.ArchonID == "" {
		return types.PhaseResult{}, s, false, err
	}
	subRes, subErr = o.d.Substitution.Execute(ctx, s, pef2.ArchonID, types.ClassifyFailureReason(pef2.Reason))
	if subErr != nil {
		return types.PhaseResult{}, s, false, subErr
	}
	s = subRes.Session
	if err := o.persist(ctx, s, lastSaved); err != nil {
		return types.PhaseResult{}, s, false, err
	}
	if subRes.Aborted {
		return types.PhaseResult{}, s, true, nil
	}
	// A second successful substitution is impossible under the cap of one.
	return types.PhaseResult{}, s, false, err
}

func (o *Orchestrator) execute(ctx context.Context, phase types.Phase, req executor.Request) (types.PhaseResult, error) {
	switch phase {
	case types.PhaseAssess:
		return o.d.Executor.ExecuteAssess(ctx, req)
	case types.PhasePosition:
		return o.d.Executor.ExecutePosition(ctx, req)
	case types.PhaseCrossExamine:
		return o.d.Executor.ExecuteCrossExamine(ctx, req)
	case types.PhaseVote:
		return o.d.Executor.ExecuteVote(ctx, req)
	default:
		return types.PhaseResult{}, fmt.Errorf("%w: no executor operation for phase %q", types.ErrInvalidPhaseTransition, phase)
	}
}

// witnessAndRecord appends the transcript to the witness store, publishes the
// witness event, and records the acknowledged hash on the session. The hash
// lands on the session only after the store acknowledges.
func (o *Orchestrator) witnessAndRecord(ctx context.Context, s session.Session, res types.PhaseResult, lastSaved *int64) (session.Session, types.PhaseResult, error) {
	ev, err := o.d.Witness.Append(ctx, s.SessionID, s.PetitionID, res.Phase,
		[]byte(res.Transcript), res.Metadata, res.Participants, res.StartedAt, res.CompletedAt)
	if err != nil {
		return s, res, fmt.Errorf("witness %s: %w", res.Phase, err)
	}
	if o.d.Sink != nil {
		o.d.Sink.Publish(ev)
	}
	s2, err := s.RecordTranscript(res.Phase, ev.TranscriptHash)
	if err != nil {
		return s, res, err
	}
	if err := o.persist(ctx, s2, lastSaved); err != nil {
		return s, res, err
	}
	res.TranscriptHash = ev.TranscriptHash
	return s2, res, nil
}

func (o *Orchestrator) cancelTimeout(ctx context.Context, s session.Session, lastSaved *int64) (session.Session, error) {
	if o.d.Timeouts == nil || s.TimeoutJobID == "" {
		return s, nil
	}
	s2, err := o.d.Timeouts.Cancel(ctx, s)
	if err != nil {
		return s, err
	}
	if err := o.persist(ctx, s2, lastSaved); err != nil {
		return s2, err
	}
	return s2, nil
}

func (o *Orchestrator) assembleResult(s session.Session, phaseResults []types.PhaseResult, startedAt time.Time) types.DeliberationResult {
	completedAt := o.now().UTC()
	if s.CompletedAt != nil {
		completedAt = *s.CompletedAt
	}
	return types.DeliberationResult{
		SessionID:     s.SessionID,
		PetitionID:    s.PetitionID,
		Outcome:       s.Outcome,
		Votes:         s.Votes,
		DissentArchon: s.DissentArchonID,
		PhaseResults:  phaseResults,
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
		IsAborted:     s.IsAborted,
		AbortReason:   s.AbortReason,
	}
}

// routeFate CASes the petition from DELIBERATING into the state the outcome
// maps to. Routing failures are logged, never propagated: the session is the
// engine's record of truth, the petition tag is downstream bookkeeping.
func (o *Orchestrator) routeFate(ctx context.Context, s session.Session, pkg contextpkg.Package) {
	if o.d.Petitions == nil || !s.Terminal() {
		return
	}
	next, ok := petition.FateFor(s.Outcome)
	if !ok {
		slog.Error("[ORCH] no fate for outcome", "session", s.SessionID, "outcome", s.Outcome)
		return
	}
	var source, toRealm string
	if next == petition.StateEscalated {
		source = escalationSource(s)
		toRealm = pkg.Realm
	}
	if err := o.d.Petitions.AssignFateCAS(ctx, s.PetitionID, petition.StateDeliberating, next, source, toRealm); err != nil {
		slog.Error("[ORCH] fate routing failed", "petition", s.PetitionID, "state", next, "error", err)
	}
}

// escalationSource names which path forced (or voted) the ESCALATE.
func escalationSource(s session.Session) string {
	switch {
	case s.TimedOut:
		return "timeout"
	case s.IsDeadlocked:
		return "deadlock"
	case s.IsAborted:
		return "abort"
	default:
		return "panel_vote"
	}
}

// Summary returns the deliberation result for a completed session, rebuilt
// from the persisted snapshot. A live session is reported as
// DeliberationPending so upstream observers can retry later.
func (o *Orchestrator) Summary(ctx context.Context, sessionID string) (types.DeliberationResult, error) {
	s, err := o.d.Repo.Get(ctx, sessionID)
	if err != nil {
		return types.DeliberationResult{}, err
	}
	if !s.Terminal() {
		return types.DeliberationResult{}, fmt.Errorf("%w: session %s in phase %s", types.ErrDeliberationPending, sessionID, s.Phase)
	}
	completedAt := time.Time{}
	if s.CompletedAt != nil {
		completedAt = *s.CompletedAt
	}
	res := types.DeliberationResult{
		SessionID:     s.SessionID,
		PetitionID:    s.PetitionID,
		Outcome:       s.Outcome,
		Votes:         s.Votes,
		DissentArchon: s.DissentArchonID,
		StartedAt:     s.CreatedAt,
		CompletedAt:   completedAt,
		IsAborted:     s.IsAborted,
		AbortReason:   s.AbortReason,
	}
	for _, ph := range s.OrderedTranscripts() {
		res.PhaseResults = append(res.PhaseResults, types.PhaseResult{
			Phase:          ph.Phase,
			TranscriptHash: ph.Hash,
			Participants:   s.CurrentActiveArchons(),
		})
	}
	return res, nil
}
