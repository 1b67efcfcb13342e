package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/civium/archon/internal/llm"
	"github.com/civium/archon/internal/types"
)

const assessSystemPrompt = `You are an Archon — one of three magistrates deliberating a citizen petition. This is the ASSESS phase.

Read the petition context package and produce an independent assessment:
- What is the petitioner actually asking for?
- Which facts in the package are load-bearing, which are noise?
- What severity does the petition genuinely warrant, regardless of the submitted tier?

Work alone. You have not seen the other archons' assessments and must not speculate about them. Output plain prose, no JSON, no markdown fences.`

const positionSystemPrompt = `You are an Archon — one of three magistrates deliberating a citizen petition. This is the POSITION phase.

You have the full ASSESS transcript from all three archons and the positions stated before yours. State your provisional position: which disposition you currently favor and why.

Dispositions:
- ACKNOWLEDGE: the petition is heard; no referral or escalation warranted.
- REFER: route to the competent realm authority for ordinary handling.
- ESCALATE: severity or scope demands attention above the realm.

Commit to exactly one. Output plain prose ending with a line "POSITION: <disposition>".`

const crossExamineSystemPrompt = `You are an Archon — one of three magistrates deliberating a citizen petition. This is the CROSS_EXAMINE phase.

Challenge the weakest link in your peers' positions: an unsupported inference, an ignored fact from the context package, a severity misjudgment. One or two pointed challenges, not a rebuttal essay. If a peer's challenge to you holds, say so plainly.

Output plain prose.`

const voteSystemPrompt = `You are an Archon — one of three magistrates deliberating a citizen petition. This is the VOTE phase.

Cast your final vote. Output ONLY a JSON object (no markdown, no prose):
{
  "disposition": "ACKNOWLEDGE" | "REFER" | "ESCALATE",
  "rationale": "<one or two sentences>"
}`

// Chat is the slice of the LLM client the executor consumes. One Chat per
// archon lets each archon run on its own model or endpoint.
type Chat interface {
	Chat(ctx context.Context, system, user string) (string, llm.Usage, error)
}

// Agent binds an archon id to its backing chat client.
type Agent struct {
	ID   string
	Name string
	Chat Chat
}

// LLM is the default Executor: it prompts one chat client per archon and
// assembles the phase transcripts. ASSESS and VOTE fan out in parallel;
// POSITION runs sequentially so each archon sees the positions stated before
// it; CROSS_EXAMINE runs a challenge pass followed by a response pass.
type LLM struct {
	agents map[string]Agent
	now    func() time.Time
}

// NewLLM creates the default executor over the given agents. The roster must
// cover every archon that can appear on a panel, substitutes included.
func NewLLM(agents ...Agent) *LLM {
	m := make(map[string]Agent, len(agents))
	for _, a := range agents {
		m[a.ID] = a
	}
	return &LLM{agents: m, now: time.Now}
}

func (e *LLM) agentFor(phase types.Phase, id string) (Agent, error) {
	a, ok := e.agents[id]
	if !ok {
		return Agent{}, &types.PhaseExecutionFailure{Phase: phase, Reason: "no chat client for archon", ArchonID: id}
	}
	return a, nil
}

// failf wraps a raw chat error as an archon-attributable failure. Errors
// that are already attributed pass through untouched.
func failf(phase types.Phase, archonID string, err error) error {
	var pef *types.PhaseExecutionFailure
	if errors.As(err, &pef) {
		return err
	}
	return &types.PhaseExecutionFailure{Phase: phase, Reason: err.Error(), ArchonID: archonID}
}

// contextBlock renders the petition context package for a prompt.
func contextBlock(req Request) string {
	data, err := json.MarshalIndent(req.Package, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("(context package unavailable: %v)", err))
	}
	var b strings.Builder
	b.WriteString("CONTEXT PACKAGE:\n")
	b.Write(data)
	b.WriteString("\n")
	if req.Handoff != nil {
		b.WriteString("\n")
		b.WriteString(handoffBriefing(req.Handoff))
	}
	return b.String()
}

// handoffBriefing renders the substitution handoff for the substitute's
// first prompt: which archon it replaces and what the panel produced so far.
func handoffBriefing(h *types.Handoff) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SUBSTITUTION BRIEFING: you (%s) replace archon %s mid-deliberation.\n", h.SubstituteID, h.FailedArchonID)
	fmt.Fprintf(&b, "Round %d. Witnessed transcripts so far:\n", h.RoundCount)
	for _, ph := range h.TranscriptHashes {
		fmt.Fprintf(&b, "  %s: %s\n", ph.Phase, ph.Hash.Hex())
	}
	if len(h.Votes) > 0 {
		b.WriteString("Votes recorded before the failure:\n")
		for archon, d := range h.Votes {
			fmt.Fprintf(&b, "  %s: %s\n", archon, d)
		}
	}
	b.WriteString("Honor the deliberation so far; do not restart it.\n")
	return b.String()
}

// section renders one archon's contribution in the phase transcript.
func section(phase types.Phase, archonID, text string) string {
	return fmt.Sprintf("=== %s — %s ===\n%s\n", archonID, phase, strings.TrimSpace(text))
}

// fanOut prompts every panel archon in parallel and returns their outputs in
// panel order. The first failure in panel order wins so retries are
// deterministic.
func (e *LLM) fanOut(ctx context.Context, phase types.Phase, panel []string, system, user string) ([]string, error) {
	outputs := make([]string, len(panel))
	failures := make([]error, len(panel))
	var wg sync.WaitGroup
	for i, id := range panel {
		agent, err := e.agentFor(phase, id)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, agent Agent) {
			defer wg.Done()
			out, _, err := agent.Chat.Chat(ctx, system, user)
			if err != nil {
				failures[i] = failf(phase, agent.ID, err)
				return
			}
			outputs[i] = out
		}(i, agent)
	}
	wg.Wait()
	for _, err := range failures {
		if err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

// ExecuteAssess fans the context package out to all three archons in
// parallel and concatenates their independent assessments.
func (e *LLM) ExecuteAssess(ctx context.Context, req Request) (types.PhaseResult, error) {
	start := e.now().UTC()
	panel := req.Session.CurrentActiveArchons()
	user := contextBlock(req)

	outputs, err := e.fanOut(ctx, types.PhaseAssess, panel, assessSystemPrompt, user)
	if err != nil {
		return types.PhaseResult{}, err
	}
	var b strings.Builder
	for i, id := range panel {
		b.WriteString(section(types.PhaseAssess, id, outputs[i]))
	}
	slog.Debug("[EXEC] assess complete", "session", req.Session.SessionID, "panel", panel)
	return types.PhaseResult{
		Phase:        types.PhaseAssess,
		Transcript:   b.String(),
		Participants: panel,
		StartedAt:    start,
		CompletedAt:  e.now().UTC(),
	}, nil
}

// ExecutePosition runs sequentially: each archon sees the ASSESS transcript
// and every position stated before its own.
func (e *LLM) ExecutePosition(ctx context.Context, req Request) (types.PhaseResult, error) {
	start := e.now().UTC()
	panel := req.Session.CurrentActiveArchons()

	var transcript strings.Builder
	for _, id := range panel {
		agent, err := e.agentFor(types.PhasePosition, id)
		if err != nil {
			return types.PhaseResult{}, err
		}
		var user strings.Builder
		user.WriteString(contextBlock(req))
		if req.Prior != nil {
			user.WriteString("\nASSESS TRANSCRIPT:\n")
			user.WriteString(req.Prior.Transcript)
		}
		if transcript.Len() > 0 {
			user.WriteString("\nPOSITIONS STATED SO FAR:\n")
			user.WriteString(transcript.String())
		}
		out, _, err := agent.Chat.Chat(ctx, positionSystemPrompt, user.String())
		if err != nil {
			return types.PhaseResult{}, failf(types.PhasePosition, id, err)
		}
		transcript.WriteString(section(types.PhasePosition, id, out))
	}
	slog.Debug("[EXEC] position complete", "session", req.Session.SessionID)
	return types.PhaseResult{
		Phase:        types.PhasePosition,
		Transcript:   transcript.String(),
		Participants: panel,
		StartedAt:    start,
		CompletedAt:  e.now().UTC(),
	}, nil
}

// ExecuteCrossExamine runs a challenge pass then a response pass. Every
// archon challenges its peers' positions, then answers the challenges aimed
// at it.
func (e *LLM) ExecuteCrossExamine(ctx context.Context, req Request) (types.PhaseResult, error) {
	start := e.now().UTC()
	panel := req.Session.CurrentActiveArchons()

	base := contextBlock(req)
	if req.Prior != nil {
		base += "\nPRIOR TRANSCRIPT:\n" + req.Prior.Transcript
	}

	challenges := 0
	var transcript strings.Builder
	for pass, label := range []string{"CHALLENGE", "RESPONSE"} {
		for _, id := range panel {
			agent, err := e.agentFor(types.PhaseCrossExamine, id)
			if err != nil {
				return types.PhaseResult{}, err
			}
			user := base
			if transcript.Len() > 0 {
				user += "\nEXCHANGE SO FAR:\n" + transcript.String()
			}
			user += fmt.Sprintf("\nThis is the %s pass.", label)
			out, _, err := agent.Chat.Chat(ctx, crossExamineSystemPrompt, user)
			if err != nil {
				return types.PhaseResult{}, failf(types.PhaseCrossExamine, id, err)
			}
			if pass == 0 && strings.TrimSpace(out) != "" {
				challenges++
			}
			transcript.WriteString(section(types.PhaseCrossExamine, id, out))
		}
	}
	slog.Debug("[EXEC] cross-examine complete", "session", req.Session.SessionID, "challenges", challenges)
	return types.PhaseResult{
		Phase:        types.PhaseCrossExamine,
		Transcript:   transcript.String(),
		Participants: panel,
		StartedAt:    start,
		CompletedAt:  e.now().UTC(),
		Metadata: types.PhaseMetadata{
			RoundsCompleted:  req.Session.RoundCount,
			ChallengesRaised: challenges,
		},
	}, nil
}

// ballot is the strict JSON shape each archon must return in VOTE.
type ballot struct {
	Disposition string `json:"disposition"`
	Rationale   string `json:"rationale"`
}

// ExecuteVote fans out in parallel and parses one strict-JSON ballot per
// archon. A ballot that fails to parse or names an unknown disposition is an
// archon-attributable failure.
func (e *LLM) ExecuteVote(ctx context.Context, req Request) (types.PhaseResult, error) {
	start := e.now().UTC()
	panel := req.Session.CurrentActiveArchons()

	user := contextBlock(req)
	if req.Prior != nil {
		user += "\nCROSS_EXAMINE TRANSCRIPT:\n" + req.Prior.Transcript
	}

	outputs, err := e.fanOut(ctx, types.PhaseVote, panel, voteSystemPrompt, user)
	if err != nil {
		return types.PhaseResult{}, err
	}

	votes := make(map[string]types.Disposition, len(panel))
	var transcript strings.Builder
	for i, id := range panel {
		raw := llm.StripFences(outputs[i])
		var b ballot
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return types.PhaseResult{}, &types.PhaseExecutionFailure{
				Phase: types.PhaseVote, Reason: fmt.Sprintf("invalid ballot: parse: %v", err), ArchonID: id,
			}
		}
		d := types.Disposition(b.Disposition)
		if !d.Valid() {
			return types.PhaseResult{}, &types.PhaseExecutionFailure{
				Phase: types.PhaseVote, Reason: fmt.Sprintf("invalid ballot: unknown disposition %q", b.Disposition), ArchonID: id,
			}
		}
		votes[id] = d
		transcript.WriteString(section(types.PhaseVote, id, fmt.Sprintf("%s — %s", d, b.Rationale)))
	}
	slog.Debug("[EXEC] vote complete", "session", req.Session.SessionID, "votes", votes)
	return types.PhaseResult{
		Phase:        types.PhaseVote,
		Transcript:   transcript.String(),
		Participants: panel,
		StartedAt:    start,
		CompletedAt:  e.now().UTC(),
		Metadata:     types.PhaseMetadata{Votes: votes},
	}, nil
}
