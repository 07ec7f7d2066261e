package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/KafClaw/memmesh/internal/memory"
	"github.com/KafClaw/memmesh/internal/namespace"
)

// ErrNotFound is returned for unknown projection ids.
var ErrNotFound = errors.New("projection not found")

// Store persists projection definitions.
type Store interface {
	InsertProjection(ctx context.Context, p Projection) error
	GetProjection(ctx context.Context, id string) (Projection, bool, error)
	ListProjections(ctx context.Context) ([]Projection, error)
	DeleteProjection(ctx context.Context, id string) error
}

// Pusher delivers a projected delta into the target namespace.
type Pusher interface {
	Push(ctx context.Context, p Projection, d memory.Delta) error
}

// Config tunes subscriptions.
type Config struct {
	QueueCapacity int           `json:"queue_capacity" envconfig:"QUEUE_CAPACITY"`
	FlushInterval time.Duration `json:"flush_interval" envconfig:"FLUSH_INTERVAL"`
	// RatePerSecond paces streaming pushes per subscription. Zero means
	// unlimited.
	RatePerSecond float64 `json:"rate_per_second" envconfig:"RATE_PER_SECOND"`
	Burst         int     `json:"burst" envconfig:"BURST"`
	// ResyncWorkers bounds concurrent pushes during a full resync.
	ResyncWorkers int `json:"resync_workers" envconfig:"RESYNC_WORKERS"`
}

// DefaultConfig returns the subscription defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 256,
		FlushInterval: 500 * time.Millisecond,
		RatePerSecond: 200,
		Burst:         50,
		ResyncWorkers: 4,
	}
}

// Manager owns projections and their live subscriptions.
type Manager struct {
	store  Store
	pusher Pusher
	cfg    Config
	now    func() time.Time

	mu   sync.RWMutex
	subs map[string]*Subscription // by projection id

	background atomic.Bool
}

// NewManager returns a manager over store that delivers through pusher.
func NewManager(store Store, pusher Pusher, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.ResyncWorkers < 1 {
		cfg.ResyncWorkers = def.ResyncWorkers
	}
	return &Manager{
		store:  store,
		pusher: pusher,
		cfg:    cfg,
		now:    time.Now,
		subs:   map[string]*Subscription{},
	}
}

// Create validates and stores p, assigning its id. Live projections start a
// subscription immediately.
func (m *Manager) Create(ctx context.Context, p Projection) (Projection, error) {
	if err := p.Validate(); err != nil {
		return Projection{}, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now().UTC()
	}
	if err := m.store.InsertProjection(ctx, p); err != nil {
		return Projection{}, fmt.Errorf("insert projection: %w", err)
	}
	if p.Live {
		m.subscribe(p)
	}
	slog.Info("Projection: created", "id", p.ID, "source", p.Source, "target", p.Target, "live", p.Live, "level", p.CompressionLevel)
	return p, nil
}

// Load starts subscriptions for every stored live projection.
func (m *Manager) Load(ctx context.Context) error {
	ps, err := m.store.ListProjections(ctx)
	if err != nil {
		return err
	}
	for _, p := range ps {
		if p.Live {
			m.subscribe(p)
		}
	}
	return nil
}

// Delete removes a projection and stops its subscription. Copies already
// pushed stay in the target.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, ok, err := m.store.GetProjection(ctx, id); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := m.store.DeleteProjection(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	if sub, ok := m.subs[id]; ok {
		queueDepth.DeleteLabelValues(sub.ID)
		delete(m.subs, id)
	}
	m.mu.Unlock()
	slog.Info("Projection: deleted", "id", id)
	return nil
}

// Get returns a stored projection.
func (m *Manager) Get(ctx context.Context, id string) (Projection, error) {
	p, ok, err := m.store.GetProjection(ctx, id)
	if err != nil {
		return Projection{}, err
	}
	if !ok {
		return Projection{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// List returns every stored projection.
func (m *Manager) List(ctx context.Context) ([]Projection, error) {
	return m.store.ListProjections(ctx)
}

// Subscription returns the live subscription of a projection.
func (m *Manager) Subscription(projectionID string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[projectionID]
	return s, ok
}

func (m *Manager) subscribe(p Projection) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[p.ID]; ok {
		return s
	}
	var limiter *rate.Limiter
	if m.cfg.RatePerSecond > 0 {
		burst := max(m.cfg.Burst, 1)
		limiter = rate.NewLimiter(rate.Limit(m.cfg.RatePerSecond), burst)
	}
	s := newSubscription(uuid.New().String(), p, m.cfg.QueueCapacity, limiter)
	m.subs[p.ID] = s
	return s
}

// OnMutation offers a change to every live subscription on ns. The first
// time a memory reaches a subscription its whole state is sent, since the
// target never saw the earlier edits; afterwards only d is. Without a
// background flusher the queues are flushed before returning.
func (m *Manager) OnMutation(ctx context.Context, ns namespace.ID, r *memory.Replica, d memory.Delta) error {
	m.mu.RLock()
	var matched []*Subscription
	snap := r.Snapshot()
	now := m.now()
	for _, s := range m.subs {
		if s.Projection.Source == ns && s.Projection.Filter.Matches(snap, now) {
			matched = append(matched, s)
		}
	}
	m.mu.RUnlock()

	var errs []error
	for _, s := range matched {
		out := d
		if s.firstSeen(r.ID) {
			out = memory.Diff(memory.State{}, r.State)
			out.Origin = d.Origin
			out.CreatedAt = d.CreatedAt
		}
		out, err := memory.Compress(out, s.Projection.CompressionLevel)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if out.Empty() {
			continue
		}
		if err := m.enqueue(ctx, s, out); err != nil {
			errs = append(errs, err)
		}
	}
	if !m.background.Load() {
		errs = append(errs, m.FlushAll(ctx))
	}
	return errors.Join(errs...)
}

func (m *Manager) enqueue(ctx context.Context, s *Subscription, d memory.Delta) error {
	err := s.Enqueue(d)
	if !errors.Is(err, ErrQueueOverflow) {
		return err
	}
	slog.Warn("Projection: queue overflow, flushing", "subscription", s.ID, "queued", s.Len())
	if _, err := s.Flush(ctx, m.pushFunc(s)); err != nil {
		return err
	}
	return s.Enqueue(d)
}

func (m *Manager) pushFunc(s *Subscription) func(context.Context, memory.Delta) error {
	return func(ctx context.Context, d memory.Delta) error {
		return m.pusher.Push(ctx, s.Projection, d)
	}
}

// FlushAll drains every subscription.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if s.Len() == 0 {
			continue
		}
		if _, err := s.Flush(ctx, m.pushFunc(s)); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", s.Projection.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Run flushes subscriptions every FlushInterval until ctx is done.
// OnMutation only enqueues while Run is active.
func (m *Manager) Run(ctx context.Context) error {
	m.background.Store(true)
	defer m.background.Store(false)
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	slog.Info("Projection: flusher started", "interval", m.cfg.FlushInterval)
	for {
		select {
		case <-ctx.Done():
			// Best-effort final flush with a fresh deadline.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			err := m.FlushAll(fctx)
			cancel()
			if err != nil {
				slog.Warn("Projection: final flush failed", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := m.FlushAll(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Projection: flush failed", "error", err)
			}
		}
	}
}

// Resync pushes the full state of every replica that matches the
// projection's filter, bypassing the subscription queue. It returns how
// many memories were pushed.
func (m *Manager) Resync(ctx context.Context, projectionID string, replicas []*memory.Replica) (int, error) {
	p, err := m.Get(ctx, projectionID)
	if err != nil {
		return 0, err
	}
	sub, live := m.Subscription(projectionID)
	now := m.now()

	var pushed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ResyncWorkers)
	for _, r := range replicas {
		if r.Namespace.Value() != p.Source.String() || !p.Filter.Matches(r.Snapshot(), now) {
			continue
		}
		g.Go(func() error {
			d := memory.Diff(memory.State{}, r.State)
			d.Origin = r.Owner
			d, err := memory.Compress(d, p.CompressionLevel)
			if err != nil || d.Empty() {
				return err
			}
			if err := m.pusher.Push(gctx, p, d); err != nil {
				pushesTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("resync %s: %w", r.ID, err)
			}
			pushesTotal.WithLabelValues("ok").Inc()
			if live {
				sub.firstSeen(r.ID)
			}
			pushed.Add(1)
			return nil
		})
	}
	err = g.Wait()
	slog.Info("Projection: resync finished", "id", projectionID, "pushed", pushed.Load(), "error", err)
	return int(pushed.Load()), err
}
