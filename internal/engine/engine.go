// Package engine wires the memory, namespace, projection, provenance and
// trust layers into the operation surface used by the CLI and the transport.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/memmesh/internal/config"
	"github.com/KafClaw/memmesh/internal/delivery"
	"github.com/KafClaw/memmesh/internal/memory"
	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/projection"
	"github.com/KafClaw/memmesh/internal/provenance"
	"github.com/KafClaw/memmesh/internal/store"
	"github.com/KafClaw/memmesh/internal/trust"
)

var (
	// ErrAgentNotFound is returned for unknown or deregistered agents.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrMemoryNotFound is returned when an agent holds no replica of a memory.
	ErrMemoryNotFound = errors.New("memory not found")
	// ErrMultiAgentDisabled is returned by multi-agent operations when the
	// engine runs with a single default agent.
	ErrMultiAgentDisabled = errors.New("multi-agent support is disabled")
	// ErrSyncTimeout is returned when SyncAgents runs out of time. Work done
	// before the deadline is kept.
	ErrSyncTimeout = errors.New("sync timed out")
	// ErrEdgeNotFound is returned when removing an edge the graph lacks.
	ErrEdgeNotFound = errors.New("causal edge not found")
)

// Publisher carries deltas to another agent's inbox.
type Publisher interface {
	PublishDelta(ctx context.Context, sender, target string, d memory.Delta) error
}

// inboxPublisher delivers through the local delta_queue table.
type inboxPublisher struct {
	store *store.Store
	now   func() time.Time
}

func (p inboxPublisher) PublishDelta(ctx context.Context, _, target string, d memory.Delta) error {
	_, err := p.store.EnqueueDelta(ctx, target, d, p.now())
	return err
}

// Option customises an Engine.
type Option func(*Engine)

// WithPublisher replaces the local inbox publisher, for example with Kafka.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithConflictHandler registers a callback for concurrent content writes.
// It is called from its own goroutine.
func WithConflictHandler(h memory.ConflictHandler) Option {
	return func(e *Engine) { e.onConflict = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the multi-agent memory engine over one store. Every agent it
// serves keeps its own replicas; agents exchange deltas through the
// Publisher and never read each other's replicas directly.
type Engine struct {
	store       *store.Store
	cfg         *config.Config
	namespaces  *namespace.Manager
	tracker     *provenance.Tracker
	corrections *provenance.CorrectionPropagator
	scorer      *trust.Scorer
	validator   *trust.Validator
	projections *projection.Manager
	publisher   Publisher
	onConflict  memory.ConflictHandler
	now         func() time.Time

	locks keyedMutex

	mu      sync.Mutex
	inboxes map[string]*inbox
}

// New builds an engine over st. Live projections stored earlier resume
// immediately.
func New(ctx context.Context, st *store.Store, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		store:      st,
		cfg:        cfg,
		namespaces: namespace.NewManager(st),
		tracker:    provenance.NewTracker(st),
		scorer:     trust.NewScorer(st, cfg.Trust),
		validator:  trust.NewValidator(cfg.Trust.ContradictionThreshold),
		now:        time.Now,
		inboxes:    map[string]*inbox{},
	}
	e.corrections = provenance.NewCorrectionPropagator(e.tracker, cfg.Correction)
	for _, opt := range opts {
		opt(e)
	}
	if e.publisher == nil {
		e.publisher = inboxPublisher{store: st, now: e.now}
	}
	e.projections = projection.NewManager(st, e, cfg.Subscription)

	if !cfg.MultiAgent.Enabled {
		if err := e.ensureDefaultAgent(ctx); err != nil {
			return nil, err
		}
		return e, nil
	}
	if err := e.projections.Load(ctx); err != nil {
		return nil, fmt.Errorf("load projections: %w", err)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Store returns the underlying store.
func (e *Engine) Store() *store.Store { return e.store }

// MultiAgent reports whether multi-agent operations are enabled.
func (e *Engine) MultiAgent() bool { return e.cfg.MultiAgent.Enabled }

func (e *Engine) requireMultiAgent() error {
	if !e.cfg.MultiAgent.Enabled {
		return ErrMultiAgentDisabled
	}
	return nil
}

func (e *Engine) decay() memory.Decay { return memory.DefaultDecay }

// audit appends a row for a cross-agent interaction. Trust is the source's
// trust in the target at the time of the action. Failures are logged only.
func (e *Engine) audit(ctx context.Context, source, target, action string, ids []string, outcome, details string) {
	entry := store.AuditEntry{
		Timestamp:   e.now().UTC(),
		SourceAgent: source,
		TargetAgent: target,
		Action:      action,
		MemoryIDs:   ids,
		Outcome:     outcome,
		Details:     details,
	}
	if target != "" && target != source && e.cfg.MultiAgent.Enabled {
		if t, err := e.scorer.Score(ctx, source, target, ""); err == nil {
			entry.Trust = t
		}
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		slog.Warn("Engine: audit append failed", "action", action, "error", err)
	}
}

// outcome maps an operation error to an audit outcome.
func outcome(err error) string {
	switch {
	case err == nil:
		return store.OutcomeOK
	case errors.Is(err, namespace.ErrPermissionDenied):
		return store.OutcomeDenied
	}
	return store.OutcomeFailed
}

// keyedMutex serialises work on one (agent, memory) record.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refMutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func recordKey(agent, memoryID string) string {
	return agent + "/" + memoryID
}

// inbox returns agent's inbox state, creating it on first use.
func (e *Engine) inbox(agent string) *inbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.inboxes[agent]
	if !ok {
		in = &inbox{agent: agent, buf: delivery.NewBuffer()}
		e.inboxes[agent] = in
	}
	return in
}
