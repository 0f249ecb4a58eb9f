// Package kernel implements the orchestrator's main loop, wiring together
// the candidate generator and router (routing), engine adapter (engine),
// state store (store), and event bus (bus) around the RunState a Kernel
// exclusively owns for the lifetime of one run. A run advances one tick
// at a time — execute the current node, route, apply, checkpoint — and
// may suspend only at the engine call, the store write, the pause/cancel
// handoff, and the tie-breaker oracle.
package kernel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/stepflow/bus"
	"github.com/petal-labs/stepflow/engine"
	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/routing"
	"github.com/petal-labs/stepflow/runstate"
	"github.com/petal-labs/stepflow/store"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Config wires a Kernel's collaborators. Graph and Engine are required;
// everything else defaults to a usable zero value.
type Config struct {
	Graph  *flowgraph.Graph
	Engine engine.Adapter

	States    store.RunStateStore
	EventsDir string          // base directory of events.log, for crash recovery on Resume
	Events    *store.EventLog // open append handle for this run; may be nil (events.log disabled)
	Bus       bus.EventBus    // fan-out to live subscribers; may be nil
	Logger    *slog.Logger
	Clock     Clock
	Tracer    Tracer // optional OTel span emitter, see otel.go
	Meter     Metrics

	// StepController, if set, is consulted before and after every node
	// execution (the step-through debugging hook).
	StepController StepController
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Tracer == nil {
		c.Tracer = noopTracer{}
	}
	if c.Meter == nil {
		c.Meter = noopMetrics{}
	}
}

// Kernel drives one run's ticks. A Kernel instance is not safe for
// concurrent use by more than one goroutine — one worker per run — but
// independent Kernel instances for independent runs share no mutable
// state.
type Kernel struct {
	cfg    Config
	router *routing.Router
	rs     *runstate.RunState
	seq    uint64

	ctrlMu sync.Mutex
	ctrl   control
}

// New builds a Kernel for an already-loaded RunState (e.g. after Resume).
// Use CreateRun to both construct a fresh RunState and wrap it.
func New(cfg Config, rs *runstate.RunState) *Kernel {
	cfg.setDefaults()
	return &Kernel{
		cfg:    cfg,
		router: routing.NewRouter(cfg.Graph.Policy, tieBreakerOf(cfg.Engine)),
		rs:     rs,
		seq:    0,
	}
}

// tieBreakerOf extracts the tie-breaker surface from an Adapter when it
// also implements engine.TieBreaker; the two are separate interfaces but
// a single adapter implementation commonly satisfies both.
func tieBreakerOf(a engine.Adapter) engine.TieBreaker {
	if tb, ok := a.(engine.TieBreaker); ok {
		return tb
	}
	return nil
}

// RunState returns the kernel's current, in-memory RunState snapshot.
// Callers must not mutate the returned value.
func (k *Kernel) RunState() *runstate.RunState {
	return k.rs
}

// CreateRun constructs a fresh RunState positioned at the graph's entry
// node, persists it, and emits run_created. It does not start ticking.
func CreateRun(cfg Config, runID, flowID string) (*Kernel, error) {
	cfg.setDefaults()
	rs := runstate.New(runID, flowID, cfg.Graph.Entry, cfg.Clock())
	k := New(cfg, rs)
	if err := k.checkpoint(); err != nil {
		return nil, err
	}
	k.emit(bus.KindRunCreated, "", nil)
	return k, nil
}

// Resume rehydrates a Kernel from durable storage: the committed
// run_state plus any events.log records beyond it. Replay is
// informational only; the state document is authoritative.
func Resume(cfg Config, runID string) (*Kernel, error) {
	cfg.setDefaults()
	rs, _, err := cfg.States.Load(runID)
	if err != nil {
		return nil, err
	}
	k := New(cfg, rs)
	if cfg.EventsDir != "" {
		events, err := store.RecoverEventLog(cfg.EventsDir, runID)
		if err == nil {
			k.seq = store.LatestSeq(events)
		}
	}
	return k, nil
}
