// Command archond runs the petition deliberation engine.
//
// Modes:
//
//	archond deliberate <petition.json>   run one deliberation and print the result
//	archond worker                       run the durable timeout worker loop
//
// Configuration comes from the environment (a .env file is loaded when
// present). ARCHON_DATA_DIR overrides the default state directory
// (~/.cache/archond). ARCHON_ROSTER is a comma-separated list of env prefixes,
// one per archon; each prefix names its own _BASE_URL/_API_KEY/_MODEL triple.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/civium/archon/internal/bus"
	"github.com/civium/archon/internal/config"
	"github.com/civium/archon/internal/contextpkg"
	"github.com/civium/archon/internal/executor"
	"github.com/civium/archon/internal/handlers/deadlock"
	"github.com/civium/archon/internal/handlers/substitution"
	"github.com/civium/archon/internal/handlers/timeout"
	"github.com/civium/archon/internal/llm"
	"github.com/civium/archon/internal/orchestrator"
	"github.com/civium/archon/internal/petition"
	"github.com/civium/archon/internal/pool"
	"github.com/civium/archon/internal/scheduler"
	"github.com/civium/archon/internal/seslog"
	"github.com/civium/archon/internal/session"
	"github.com/civium/archon/internal/store"
	"github.com/civium/archon/internal/types"
	"github.com/civium/archon/internal/witness"
	"github.com/civium/archon/internal/worker"
)

// panelSize is the fixed number of archons empaneled per deliberation.
const panelSize = 3

// engine holds everything a mode needs after wiring.
type engine struct {
	store    *store.Store
	witness  *witness.LevelStore
	sched    *scheduler.Durable
	bus      *bus.Bus
	seslog   *seslog.Registry
	pool     *pool.Static
	orch     *orchestrator.Orchestrator
	timeouts *timeout.Handler
	cfg      config.Config
}

// persistingSink appends every event to the durable store before fanning it
// out on the bus. Store failures are logged, never fatal: the event record is
// an audit trail, not a correctness dependency.
type persistingSink struct {
	store *store.Store
	bus   *bus.Bus
}

func (s persistingSink) Publish(ev types.Event) {
	if err := s.store.AppendEvent(context.Background(), ev); err != nil {
		log.Printf("[ARCHOND] ERROR: event %s not persisted: %v", ev.Meta().EventID, err)
	}
	s.bus.Publish(ev)
}

func main() {
	_ = godotenv.Load(".env")

	dataDir := os.Getenv("ARCHON_DATA_DIR")
	if dataDir == "" {
		homeDir, _ := os.UserHomeDir()
		dataDir = filepath.Join(homeDir, ".cache", "archond")
	}

	eng, err := wire(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archond: %v\n", err)
		os.Exit(1)
	}
	defer eng.store.Close()
	defer eng.witness.Close()
	defer eng.sched.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\narchond: shutting down")
		cancel()
	}()

	// Audit log consumer drains the bus tap for the whole process lifetime.
	go eng.seslog.Consume(ctx, eng.bus.Tap())

	mode := "worker"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "deliberate":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: archond deliberate <petition.json>")
			cancel()
			os.Exit(2)
		}
		err = runDeliberate(ctx, eng, os.Args[2])
		// Let the tap consumer flush the terminal audit lines before exit.
		cancel()
		time.Sleep(200 * time.Millisecond)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "worker":
		log.Printf("[ARCHOND] worker mode, data dir %s, %d pending jobs", dataDir, eng.sched.Pending())
		eng.sched.Run(ctx)
	default:
		fmt.Fprintf(os.Stderr, "archond: unknown mode %q (want deliberate or worker)\n", mode)
		cancel()
		os.Exit(2)
	}
}

// wire opens the durable state and assembles the engine graph.
func wire(dataDir string) (*engine, error) {
	st, err := store.Open(filepath.Join(dataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	wit, err := witness.Open(filepath.Join(dataDir, "witness.db"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open witness: %w", err)
	}
	sched, err := scheduler.Open(filepath.Join(dataDir, "jobs"))
	if err != nil {
		wit.Close()
		st.Close()
		return nil, fmt.Errorf("open scheduler: %w", err)
	}

	b := bus.New()
	sink := persistingSink{store: st, bus: b}
	logs := seslog.NewRegistry(filepath.Join(dataDir, "sessions"))
	cfg := config.FromEnv()

	roster := rosterFromEnv()
	timeouts := timeout.New(sched, st, sink, cfg.TimeoutSeconds)
	deadlocks := deadlock.New(sink)
	substitutions := substitution.New(roster, sink)

	orch := orchestrator.New(orchestrator.Deps{
		Executor:     executorFromEnv(roster),
		Repo:         st,
		Witness:      wit,
		Timeouts:     timeouts,
		Deadlock:     deadlocks,
		Substitution: substitutions,
		Petitions:    st.Petitions(),
		Sink:         sink,
		Config:       cfg,
	})

	worker.New(timeouts, st.Petitions()).Register(sched)

	return &engine{
		store:    st,
		witness:  wit,
		sched:    sched,
		bus:      b,
		seslog:   logs,
		pool:     roster,
		orch:     orch,
		timeouts: timeouts,
		cfg:      cfg,
	}, nil
}

// rosterFromEnv builds the archon pool from ARCHON_ROSTER, a comma-separated
// list of env prefixes. Defaults to SOLON, DRACO, PERIKLES, LYKOURGOS when
// unset: three panelists plus one substitute candidate.
func rosterFromEnv() *pool.Static {
	raw := os.Getenv("ARCHON_ROSTER")
	if raw == "" {
		raw = "SOLON,DRACO,PERIKLES,LYKOURGOS"
	}
	var descs []pool.Descriptor
	for _, prefix := range strings.Split(raw, ",") {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		descs = append(descs, pool.Descriptor{
			ID:    strings.ToLower(prefix),
			Name:  prefix,
			Model: os.Getenv(prefix + "_MODEL"),
		})
	}
	return pool.NewStatic(descs...)
}

// executorFromEnv binds one chat client per roster entry. A client that fails
// validation still joins the roster; the first call against it surfaces the
// configuration error as an archon-attributable failure.
func executorFromEnv(roster *pool.Static) executor.Executor {
	descs, _ := roster.ListAll(context.Background())
	agents := make([]executor.Agent, 0, len(descs))
	for _, d := range descs {
		c := llm.NewArchon(d.Name)
		if err := c.Validate(); err != nil {
			log.Printf("[ARCHOND] WARNING: archon %s misconfigured: %v", d.ID, err)
		}
		agents = append(agents, executor.Agent{ID: d.ID, Name: d.Name, Chat: c})
	}
	return executor.NewLLM(agents...)
}

// runDeliberate executes one full deliberation for the petition described in
// the given JSON file and prints the result to stdout.
func runDeliberate(ctx context.Context, eng *engine, petitionPath string) error {
	snap, err := loadPetition(petitionPath)
	if err != nil {
		return err
	}
	if err := eng.store.PutPetition(ctx, snap); err != nil {
		return fmt.Errorf("store petition: %w", err)
	}

	descs, err := eng.pool.ListAll(ctx)
	if err != nil {
		return err
	}
	if len(descs) < panelSize {
		return fmt.Errorf("roster has %d archons, need at least %d", len(descs), panelSize)
	}
	panel := make([]string, panelSize)
	for i := 0; i < panelSize; i++ {
		panel[i] = descs[i].ID
	}

	s, err := session.New(snap.ID, panel)
	if err != nil {
		return err
	}
	if err := eng.store.Create(ctx, s); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	pkg, err := contextpkg.NewBuilder().Build(snap, s)
	if err != nil {
		return fmt.Errorf("build context package: %w", err)
	}

	log.Printf("[ARCHOND] deliberating petition=%s session=%s panel=%v timeout=%ds max_rounds=%d",
		snap.ID, s.SessionID, panel, eng.cfg.TimeoutSeconds, eng.cfg.MaxRounds)

	// The deadline job must be able to fire while the deliberation runs.
	runCtx, stopSched := context.WithCancel(ctx)
	defer stopSched()
	go eng.sched.Run(runCtx)

	_, result, err := eng.orch.Orchestrate(ctx, s, pkg)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// loadPetition reads a petition snapshot from a JSON file. The state tag is
// forced to DELIBERATING: archond only ever sees petitions mid-flight.
func loadPetition(path string) (petition.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return petition.Snapshot{}, fmt.Errorf("read petition: %w", err)
	}
	var snap petition.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return petition.Snapshot{}, fmt.Errorf("parse petition: %w", err)
	}
	if snap.ID == "" {
		return petition.Snapshot{}, fmt.Errorf("petition file %s has no id", path)
	}
	if snap.SubmittedAt.IsZero() {
		snap.SubmittedAt = time.Now().UTC()
	}
	if snap.SeverityTier == "" {
		snap.SeverityTier = petition.SeverityLow
	}
	snap.State = petition.StateDeliberating
	return snap, nil
}
