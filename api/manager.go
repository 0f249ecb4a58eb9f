package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/stepflow/bus"
	"github.com/petal-labs/stepflow/engine"
	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/kernel"
	"github.com/petal-labs/stepflow/runstate"
	"github.com/petal-labs/stepflow/store"
)

// Config wires a Manager's process-wide collaborators. Engine is an
// opaque external collaborator — the API never constructs one itself.
type Config struct {
	Engine engine.Adapter

	States         store.RunStateStore
	EventsDir      string
	Bus            bus.EventBus
	Logger         *slog.Logger
	Clock          kernel.Clock
	Tracer         kernel.Tracer
	Meter          kernel.Metrics
	StepController kernel.StepController

	// EventStore, if set, receives every event this process's kernels
	// publish and backs ListRuns' cross-process run index. Requires Bus
	// to be set — Manager subscribes to it to feed
	// the store. bus.NewSQLiteEventStore is the durable choice;
	// bus.NewMemEventStore is fine for a single process that only needs
	// to see its own completed runs after they drop out of m.kernels.
	EventStore bus.EventStore

	// LeaseTTL bounds how long a worker may hold a run before a
	// crash-recovered worker is permitted to reclaim it. Defaults to 60s.
	LeaseTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 60 * time.Second
	}
}

// Manager is the process-wide entry point for the external control
// surface: it resolves flow ids to loaded graphs, owns one *kernel.Kernel
// per active run, and enforces the etag/lease discipline required of API
// writers (the kernel itself never passes an etag; only Manager does, on
// the caller's behalf).
type Manager struct {
	cfg Config

	mu      sync.Mutex
	flows   map[string]*flowgraph.Graph
	kernels map[string]*kernel.Kernel

	indexSub  bus.Subscription
	indexPump *bus.IndexPump
}

// NewManager constructs a Manager. cfg.States is required; cfg.Engine is
// required to actually drive any run (RegisterFlow/CreateRun/GetState/
// ListRuns work without it, for read-only or registration-only callers).
// If cfg.EventStore and cfg.Bus are both set, NewManager starts a
// background subscriber that persists every published event to the
// store, so ListRuns can later recover runs this process no longer holds
// in memory.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:     cfg,
		flows:   make(map[string]*flowgraph.Graph),
		kernels: make(map[string]*kernel.Kernel),
	}
	if cfg.EventStore != nil && cfg.Bus != nil {
		m.indexSub = cfg.Bus.SubscribeAll()
		m.indexPump = bus.StartIndexPump(m.indexSub, cfg.EventStore, cfg.Logger)
	}
	return m
}

// Close stops the background run-index subscriber, if one was started.
// It does not close cfg.Bus, cfg.EventStore, or cfg.States — those
// outlive any one Manager and are the caller's to close.
func (m *Manager) Close() error {
	if m.indexSub != nil {
		_ = m.indexSub.Close()
		m.indexPump.Wait()
	}
	return nil
}

// RegisterFlow makes a loaded flow graph addressable by flowID for
// create_run. Loading (via the loader package) is the caller's
// responsibility.
func (m *Manager) RegisterFlow(flowID string, g *flowgraph.Graph) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[flowID] = g
}

func (m *Manager) kernelConfig(g *flowgraph.Graph, events *store.EventLog) kernel.Config {
	return kernel.Config{
		Graph:          g,
		Engine:         m.cfg.Engine,
		States:         m.cfg.States,
		EventsDir:      m.cfg.EventsDir,
		Events:         events,
		Bus:            m.cfg.Bus,
		Logger:         m.cfg.Logger,
		Clock:          m.cfg.Clock,
		Tracer:         m.cfg.Tracer,
		Meter:          m.cfg.Meter,
		StepController: m.cfg.StepController,
	}
}

// CreateRun implements the create_run(flow_id, params) verb: builds a
// fresh RunState positioned at the graph's entry node, seeds params into
// the initial envelope's Extra bag (the first node's engine call receives
// them in NodeContext.Envelope.Extra; routing expressions read the
// envelope that node returns, not this seeded one), checkpoints, and
// returns the new run's id and etag.
func (m *Manager) CreateRun(flowID string, params map[string]any) (runID, etag string, err error) {
	m.mu.Lock()
	g, ok := m.flows[flowID]
	m.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownFlow, flowID)
	}

	runID = uuid.NewString()
	events, err := m.openEventLog(runID)
	if err != nil {
		return "", "", fmt.Errorf("api: create_run: %w", err)
	}
	cfg := m.kernelConfig(g, events)
	k, err := kernel.CreateRun(cfg, runID, flowID)
	if err != nil {
		return "", "", fmt.Errorf("api: create_run: %w", err)
	}

	if len(params) > 0 {
		rs := k.RunState()
		rs.LastEnvelope = &runstate.Envelope{Extra: params}
	}
	ownerToken := uuid.NewString()
	k.RunState().OwnerToken = ownerToken
	k.RunState().LeaseExpiresAt = m.clock().Add(m.cfg.LeaseTTL)

	etag, err = m.cfg.States.Save(runID, k.RunState(), "")
	if err != nil {
		return "", "", fmt.Errorf("api: create_run: checkpoint: %w", err)
	}

	m.mu.Lock()
	m.kernels[runID] = k
	m.mu.Unlock()
	return runID, etag, nil
}

// GetState implements the get_state(run_id) verb.
func (m *Manager) GetState(runID string) (*runstate.RunState, string, error) {
	m.mu.Lock()
	k, live := m.kernels[runID]
	m.mu.Unlock()
	if live {
		rs := k.RunState()
		etag, err := m.committedEtag(runID)
		return rs, etag, err
	}
	rs, etag, err := m.cfg.States.Load(runID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnknownRun, err)
	}
	return rs, etag, nil
}

// committedEtag reads back the etag of the last committed run_state. The
// in-memory kernel state may be mid-tick; the etag handed to API callers
// must always describe what is durably on disk.
func (m *Manager) committedEtag(runID string) (string, error) {
	_, etag, err := m.cfg.States.Load(runID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownRun, err)
	}
	return etag, nil
}

// RunSummary is the list_runs(filter) row shape.
type RunSummary struct {
	RunID     string
	FlowID    string
	Status    runstate.Status
	StepCount int
	UpdatedAt time.Time
}

// ListFilter narrows list_runs by status; the zero value matches every run.
type ListFilter struct {
	Status runstate.Status
}

// ListRuns implements the list_runs(filter) verb. In-process
// (this Manager instance's live kernels) runs always take precedence; if
// cfg.EventStore is configured, runs it has recorded but that have since
// dropped out of m.kernels (completed, or claimed by a worker that has
// exited) are folded in too via cfg.States, closing the gap a purely
// in-memory listing would otherwise have.
func (m *Manager) ListRuns(filter ListFilter) []RunSummary {
	m.mu.Lock()
	seen := make(map[string]bool, len(m.kernels))
	out := make([]RunSummary, 0, len(m.kernels))
	for runID, k := range m.kernels {
		seen[runID] = true
		rs := k.RunState()
		if filter.Status != "" && rs.Status != filter.Status {
			continue
		}
		out = append(out, RunSummary{
			RunID:     runID,
			FlowID:    rs.FlowID,
			Status:    rs.Status,
			StepCount: rs.StepCount,
			UpdatedAt: rs.UpdatedAt,
		})
	}
	m.mu.Unlock()

	if m.cfg.EventStore == nil || m.cfg.States == nil {
		return out
	}
	indexed, err := m.cfg.EventStore.RunIDs(context.Background())
	if err != nil {
		m.cfg.Logger.Error("list_runs: run index unavailable", "error", err)
		return out
	}
	for _, runID := range indexed {
		if seen[runID] {
			continue
		}
		rs, _, err := m.cfg.States.Load(runID)
		if err != nil {
			continue
		}
		if filter.Status != "" && rs.Status != filter.Status {
			continue
		}
		out = append(out, RunSummary{
			RunID:     runID,
			FlowID:    rs.FlowID,
			Status:    rs.Status,
			StepCount: rs.StepCount,
			UpdatedAt: rs.UpdatedAt,
		})
	}
	return out
}

// Reclaim rehydrates a kernel from durable storage for a run that isn't
// currently held in-process (e.g. after a process restart), honoring the
// crash-recovery lease rule: a fresh worker refuses to take over a run
// whose previous lease has not yet expired. This is distinct
// from the resume(run_id, etag) control verb (control.go's Resume), which
// unpauses an already-attached run.
func (m *Manager) Reclaim(runID string) error {
	m.mu.Lock()
	if _, live := m.kernels[runID]; live {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	rs, _, err := m.cfg.States.Load(runID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownRun, err)
	}
	if !rs.LeaseExpiresAt.IsZero() && m.clock().Before(rs.LeaseExpiresAt) {
		return fmt.Errorf("api: run %q lease held by %q until %s", runID, rs.OwnerToken, rs.LeaseExpiresAt)
	}

	m.mu.Lock()
	g, ok := m.flows[rs.FlowID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFlow, rs.FlowID)
	}

	events, err := m.openEventLog(runID)
	if err != nil {
		return fmt.Errorf("api: resume: %w", err)
	}
	k, err := kernel.Resume(m.kernelConfig(g, events), runID)
	if err != nil {
		return fmt.Errorf("api: resume: %w", err)
	}
	k.RunState().OwnerToken = uuid.NewString()
	k.RunState().LeaseExpiresAt = m.clock().Add(m.cfg.LeaseTTL)

	m.mu.Lock()
	m.kernels[runID] = k
	m.mu.Unlock()
	return nil
}

// openEventLog opens the durable append handle for runID if EventsDir is
// configured; returns a nil *store.EventLog (events.log disabled) otherwise.
func (m *Manager) openEventLog(runID string) (*store.EventLog, error) {
	if m.cfg.EventsDir == "" {
		return nil, nil
	}
	return store.OpenEventLog(m.cfg.EventsDir, runID)
}

func (m *Manager) clock() time.Time {
	if m.cfg.Clock != nil {
		return m.cfg.Clock()
	}
	return time.Now()
}

// kernelFor is a package-internal accessor used by control.go and drive.go.
func (m *Manager) kernelFor(runID string) (*kernel.Kernel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.kernels[runID]
	return k, ok
}
