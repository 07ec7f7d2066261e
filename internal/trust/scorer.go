package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSelfEvidence is returned when an agent records evidence about itself.
var ErrSelfEvidence = errors.New("agent cannot record trust evidence about itself")

// Kind is a type of trust evidence.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindContradiction Kind = "contradiction"
	KindUsage         Kind = "usage"
)

// Store persists trust records. Records are never deleted.
type Store interface {
	GetTrust(ctx context.Context, agent, target string) (AgentTrust, bool, error)
	UpsertTrust(ctx context.Context, t AgentTrust) error
	ListTrust(ctx context.Context, agent string) ([]AgentTrust, error)
}

// Config tunes scoring.
type Config struct {
	// HalfLife is how long without evidence halves the distance to neutral.
	HalfLife time.Duration `json:"half_life" envconfig:"HALF_LIFE"`
	// ContradictionThreshold is the trust gap above which the more trusted
	// agent wins a contradiction outright.
	ContradictionThreshold float64 `json:"contradiction_threshold" envconfig:"CONTRADICTION_THRESHOLD"`
}

// DefaultConfig returns a 30 day half-life and a 0.3 auto-resolve gap.
func DefaultConfig() Config {
	return Config{HalfLife: 30 * 24 * time.Hour, ContradictionThreshold: 0.3}
}

// Scorer records evidence and serves decayed trust.
type Scorer struct {
	mu    sync.Mutex
	store Store
	cfg   Config
	now   func() time.Time
}

// NewScorer returns a scorer over store.
func NewScorer(store Store, cfg Config) *Scorer {
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = DefaultConfig().HalfLife
	}
	if cfg.ContradictionThreshold <= 0 {
		cfg.ContradictionThreshold = DefaultConfig().ContradictionThreshold
	}
	return &Scorer{store: store, cfg: cfg, now: time.Now}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config { return s.cfg }

// Get returns agent's trust in target, decayed to now. An agent with no
// history toward target gets the neutral bootstrap record (not persisted).
func (s *Scorer) Get(ctx context.Context, agent, target string) (AgentTrust, error) {
	t, ok, err := s.store.GetTrust(ctx, agent, target)
	if err != nil {
		return AgentTrust{}, fmt.Errorf("get trust %s->%s: %w", agent, target, err)
	}
	now := s.now().UTC()
	if !ok {
		return Bootstrap(agent, target, now), nil
	}
	return t.Decayed(now, s.cfg.HalfLife), nil
}

// Score is the decayed trust agent holds toward target in domain ("" for
// overall). An agent fully trusts itself.
func (s *Scorer) Score(ctx context.Context, agent, target, domain string) (float64, error) {
	if agent == target {
		return 1, nil
	}
	t, err := s.Get(ctx, agent, target)
	if err != nil {
		return 0, err
	}
	return t.For(domain), nil
}

// List returns every record agent holds, decayed to now.
func (s *Scorer) List(ctx context.Context, agent string) ([]AgentTrust, error) {
	ts, err := s.store.ListTrust(ctx, agent)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	for i := range ts {
		ts[i] = ts[i].Decayed(now, s.cfg.HalfLife)
	}
	return ts, nil
}

func (s *Scorer) RecordValidation(ctx context.Context, agent, target, domain string) (AgentTrust, error) {
	return s.Record(ctx, KindValidation, agent, target, domain)
}

func (s *Scorer) RecordContradiction(ctx context.Context, agent, target, domain string) (AgentTrust, error) {
	return s.Record(ctx, KindContradiction, agent, target, domain)
}

func (s *Scorer) RecordUsage(ctx context.Context, agent, target, domain string) (AgentTrust, error) {
	return s.Record(ctx, KindUsage, agent, target, domain)
}

// Record adds one piece of evidence from agent about target, bootstrapping
// the record on first interaction, and recomputes the scores.
func (s *Scorer) Record(ctx context.Context, kind Kind, agent, target, domain string) (AgentTrust, error) {
	if agent == target {
		return AgentTrust{}, ErrSelfEvidence
	}
	if agent == "" || target == "" {
		return AgentTrust{}, fmt.Errorf("trust evidence: empty agent")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok, err := s.store.GetTrust(ctx, agent, target)
	if err != nil {
		return AgentTrust{}, fmt.Errorf("get trust %s->%s: %w", agent, target, err)
	}
	now := s.now().UTC()
	if !ok {
		t = Bootstrap(agent, target, now)
	}
	t.Evidence, err = add(t.Evidence, kind)
	if err != nil {
		return AgentTrust{}, err
	}
	t.OverallTrust = t.Evidence.Score()
	if domain != "" {
		if t.DomainEvidence == nil {
			t.DomainEvidence = map[string]Evidence{}
		}
		if t.DomainTrust == nil {
			t.DomainTrust = map[string]float64{}
		}
		ev, _ := add(t.DomainEvidence[domain], kind)
		t.DomainEvidence[domain] = ev
		t.DomainTrust[domain] = ev.Score()
	}
	t.LastUpdated = now

	if err := s.store.UpsertTrust(ctx, t); err != nil {
		return AgentTrust{}, fmt.Errorf("upsert trust %s->%s: %w", agent, target, err)
	}
	slog.Debug("Trust: evidence recorded", "agent", agent, "target", target, "kind", kind, "domain", domain, "trust", t.OverallTrust)
	return t, nil
}

func add(e Evidence, kind Kind) (Evidence, error) {
	switch kind {
	case KindValidation:
		e.Validated++
	case KindContradiction:
		e.Contradicted++
	case KindUsage:
		e.Useful++
	default:
		return e, fmt.Errorf("unknown trust evidence kind %q", kind)
	}
	e.Total++
	return e, nil
}
