package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/store"
)

// RegisterAgent registers a new agent with a generated id and creates its
// private namespace.
func (e *Engine) RegisterAgent(ctx context.Context, name string, capabilities []string) (store.Agent, error) {
	if err := e.requireMultiAgent(); err != nil {
		return store.Agent{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Agent{}, fmt.Errorf("register agent: empty name")
	}
	id := uuid.New().String()
	return e.registerAgent(ctx, id, name, "", capabilities)
}

// SpawnAgent registers a sub-agent of parent. The child gets its own private
// namespace like any other agent; the parent link is kept in the registry.
func (e *Engine) SpawnAgent(ctx context.Context, parent, name string, capabilities []string) (store.Agent, error) {
	if err := e.requireMultiAgent(); err != nil {
		return store.Agent{}, err
	}
	parent, err := e.agent(ctx, parent)
	if err != nil {
		return store.Agent{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Agent{}, fmt.Errorf("spawn agent: empty name")
	}
	a, err := e.registerAgent(ctx, uuid.New().String(), name, parent, capabilities)
	if err != nil {
		return store.Agent{}, err
	}
	e.audit(ctx, parent, a.ID, "spawn_agent", nil, store.OutcomeOK, name)
	return a, nil
}

func (e *Engine) registerAgent(ctx context.Context, id, name, parent string, capabilities []string) (store.Agent, error) {
	now := e.now().UTC()
	ns := namespace.ForAgent(id)
	a := store.Agent{
		ID:           id,
		Name:         name,
		Namespace:    ns.String(),
		Capabilities: capabilities,
		Status:       store.AgentActive,
		Parent:       parent,
		RegisteredAt: now,
		LastActive:   now,
	}
	if err := e.store.InsertAgent(ctx, a); err != nil {
		return store.Agent{}, fmt.Errorf("register agent: %w", err)
	}
	if _, err := e.namespaces.Ensure(ctx, ns, id); err != nil {
		return store.Agent{}, fmt.Errorf("register agent: %w", err)
	}
	slog.Info("Engine: agent registered", "agent", id, "name", name, "namespace", a.Namespace, "parent", parent)
	return a, nil
}

func (e *Engine) ensureDefaultAgent(ctx context.Context) error {
	id := e.defaultAgent()
	if _, err := e.store.GetAgent(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	_, err := e.registerAgent(ctx, id, id, "", nil)
	return err
}

func (e *Engine) defaultAgent() string {
	if a := strings.TrimSpace(e.cfg.MultiAgent.DefaultAgent); a != "" {
		return a
	}
	return namespace.Default.Name
}

// DeregisterAgent marks an agent deregistered. Its replicas, provenance and
// trust rows are kept.
func (e *Engine) DeregisterAgent(ctx context.Context, id string) error {
	if err := e.requireMultiAgent(); err != nil {
		return err
	}
	if _, err := e.agent(ctx, id); err != nil {
		return err
	}
	if err := e.store.SetAgentStatus(ctx, id, store.AgentDeregistered, e.now().UTC()); err != nil {
		return fmt.Errorf("deregister agent: %w", err)
	}
	e.mu.Lock()
	delete(e.inboxes, id)
	e.mu.Unlock()
	e.audit(ctx, id, "", "deregister_agent", nil, store.OutcomeOK, "")
	slog.Info("Engine: agent deregistered", "agent", id)
	return nil
}

// GetAgent returns a registered agent, deregistered ones included.
func (e *Engine) GetAgent(ctx context.Context, id string) (store.Agent, error) {
	a, err := e.store.GetAgent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, err
}

// ListAgents returns active agents, or every agent when all is set.
func (e *Engine) ListAgents(ctx context.Context, all bool) ([]store.Agent, error) {
	return e.store.ListAgents(ctx, all)
}

// agent resolves the acting agent. With multi-agent disabled every call acts
// as the default agent and naming another one is an error.
func (e *Engine) agent(ctx context.Context, id string) (string, error) {
	if !e.cfg.MultiAgent.Enabled {
		def := e.defaultAgent()
		if id != "" && id != def {
			return "", fmt.Errorf("%w: agent %s", ErrMultiAgentDisabled, id)
		}
		return def, nil
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty agent id", ErrAgentNotFound)
	}
	a, err := e.GetAgent(ctx, id)
	if err != nil {
		return "", err
	}
	if a.Status == store.AgentDeregistered {
		return "", fmt.Errorf("%w: %s is deregistered", ErrAgentNotFound, id)
	}
	e.touch(ctx, a)
	return id, nil
}

// touchEvery limits last-active writes for busy agents.
const touchEvery = time.Minute

// touch records activity for a, waking it if it was idle.
func (e *Engine) touch(ctx context.Context, a store.Agent) {
	now := e.now().UTC()
	if a.Status != store.AgentIdle && now.Sub(a.LastActive) < touchEvery {
		return
	}
	if err := e.store.TouchAgent(ctx, a.ID, now); err != nil {
		slog.Warn("Engine: touch agent failed", "agent", a.ID, "error", err)
		return
	}
	if a.Status == store.AgentIdle {
		slog.Info("Engine: agent active again", "agent", a.ID)
	}
}

// MarkIdle moves agents inactive for longer than MultiAgent.IdleAfter to
// idle. Idle agents keep receiving deltas and wake on their next operation.
func (e *Engine) MarkIdle(ctx context.Context) ([]string, error) {
	after := e.cfg.MultiAgent.IdleAfter
	if !e.cfg.MultiAgent.Enabled || after <= 0 {
		return nil, nil
	}
	ids, err := e.store.MarkIdleAgents(ctx, e.now().Add(-after))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		slog.Info("Engine: agent marked idle", "agent", id, "idle_after", after)
	}
	return ids, nil
}

// activeMembers lists the non-deregistered agents holding a grant in ns.
func (e *Engine) activeMembers(ctx context.Context, ns namespace.ID) ([]string, error) {
	members, err := e.namespaces.Members(ctx, ns)
	if err != nil {
		return nil, err
	}
	out := members[:0]
	for _, m := range members {
		a, err := e.store.GetAgent(ctx, m)
		if err != nil || a.Status == store.AgentDeregistered {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
