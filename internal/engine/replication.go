package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/memmesh/internal/crdt"
	"github.com/KafClaw/memmesh/internal/delivery"
	"github.com/KafClaw/memmesh/internal/memory"
	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/store"
	"github.com/KafClaw/memmesh/internal/transport"
)

// maxDeliveryAttempts is how often a queued delta may fail to apply before
// it is taken out of the inbox. Anti-entropy repairs what it carried.
const maxDeliveryAttempts = 5

// inbox is the receive side of one local agent. Rows handed to the
// delivery queue are tracked in fed until the replica clock covers them;
// only then is the row marked delivered.
type inbox struct {
	agent string
	buf   *delivery.Buffer
	queue *delivery.Queue

	mu  sync.Mutex
	fed map[int64]store.QueuedDelta
}

// claim records row as handed to the queue. It reports false when the row
// is already in flight.
func (in *inbox) claim(row store.QueuedDelta) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.fed == nil {
		in.fed = map[int64]store.QueuedDelta{}
	}
	if _, ok := in.fed[row.ID]; ok {
		return false
	}
	in.fed[row.ID] = row
	return true
}

// unclaim forgets in-flight rows carrying d and returns them.
func (in *inbox) unclaim(d memory.Delta) []store.QueuedDelta {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []store.QueuedDelta
	for id, row := range in.fed {
		if row.Delta.MemoryID == d.MemoryID && row.Delta.Origin == d.Origin && row.Delta.Seq() == d.Seq() {
			out = append(out, row)
			delete(in.fed, id)
		}
	}
	return out
}

func (in *inbox) inFlight() []store.QueuedDelta {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]store.QueuedDelta, 0, len(in.fed))
	for _, row := range in.fed {
		out = append(out, row)
	}
	return out
}

func (in *inbox) settled(id int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.fed, id)
}

// applier joins deltas into one agent's replicas.
type applier struct {
	ctx   context.Context
	e     *Engine
	agent string
}

func (a applier) Clock(memoryID string) (crdt.VectorClock, error) {
	r, err := a.e.store.GetReplica(a.ctx, a.agent, memoryID)
	if errors.Is(err, store.ErrNotFound) {
		return crdt.NewVectorClock(), nil
	}
	if err != nil {
		return nil, err
	}
	return r.Clock.Clone(), nil
}

func (a applier) Apply(d memory.Delta) (crdt.VectorClock, error) {
	return a.e.applyRemote(a.ctx, a.agent, d)
}

// applyRemote joins a delta from another agent into agent's replica,
// creating the replica on first contact.
func (e *Engine) applyRemote(ctx context.Context, agent string, d memory.Delta) (crdt.VectorClock, error) {
	unlock := e.locks.lock(recordKey(agent, d.MemoryID))
	defer unlock()

	now := e.now()
	r, err := e.store.GetReplica(ctx, agent, d.MemoryID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r = memory.NewReplica(agent, memory.State{}, now, e.decay())
	case err != nil:
		return nil, err
	}
	prev := r.ContentVersions.Values()
	st, err := memory.Apply(r.State, d)
	if err != nil {
		if errors.Is(err, memory.ErrMergeInvariantViolation) {
			slog.Error("Engine: merge invariant violated", "agent", agent, "memory_id", d.MemoryID, "origin", d.Origin, "error", err)
			e.audit(ctx, agent, d.Origin, "apply", []string{d.MemoryID}, store.OutcomeFailed, err.Error())
		}
		return nil, err
	}
	r.State = st
	if _, ok := st.Metadata.Get(metaProjection); ok {
		r.ReadOnly = true
	}
	r.Refresh(now, e.decay())
	if err := e.store.PutReplica(ctx, r); err != nil {
		return nil, fmt.Errorf("save replica %s: %w", d.MemoryID, err)
	}
	appliedTotal.Inc()
	if c, ok := memory.DetectConflict(agent, st, now); ok && !slices.Equal(prev, st.ContentVersions.Values()) {
		e.conflict(ctx, c)
	}
	return st.Clock.Clone(), nil
}

func (e *Engine) conflict(ctx context.Context, c memory.Conflict) {
	slog.Warn("Engine: concurrent content writes", "agent", c.Owner, "memory_id", c.MemoryID, "versions", len(c.Versions), "winner", c.Winner)
	e.audit(ctx, c.Owner, "", "content_conflict", []string{c.MemoryID}, store.OutcomeFlagged, fmt.Sprintf("%d versions", len(c.Versions)))
	if e.onConflict != nil {
		go e.onConflict(c)
	}
}

// HandleDelta accepts a delta from the transport into the target agent's
// inbox.
func (e *Engine) HandleDelta(ctx context.Context, env transport.Envelope) error {
	d, err := env.DecodeDelta()
	if err != nil {
		return err
	}
	a, err := e.store.GetAgent(ctx, env.TargetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAgentNotFound, env.TargetID)
		}
		return err
	}
	if a.Status == store.AgentDeregistered {
		slog.Debug("Engine: dropping delta for deregistered agent", "agent", a.ID, "memory_id", d.MemoryID)
		return nil
	}
	if _, err := e.store.EnqueueDelta(ctx, env.TargetID, d, e.now()); err != nil {
		return err
	}
	receivedTotal.Inc()
	return nil
}

// SyncResult counts the work of a drain or a sync.
type SyncResult struct {
	Applied   int `json:"applied"`
	Buffered  int `json:"buffered"`
	Failed    int `json:"failed"`
	Exchanged int `json:"exchanged"`
	Pending   int `json:"pending"`
	Cycles    int `json:"cycles,omitempty"`
}

func (r *SyncResult) add(o SyncResult) {
	r.Applied += o.Applied
	r.Buffered += o.Buffered
	r.Failed += o.Failed
	r.Exchanged += o.Exchanged
	r.Cycles += o.Cycles
}

// DrainInbox delivers agent's queued deltas through its causal buffer.
// A row is marked delivered once its delta is applied; rows whose delta is
// still held for a missing dependency stay pending, so a later drain (in
// this or another process) offers them again.
func (e *Engine) DrainInbox(ctx context.Context, agent string) (SyncResult, error) {
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return SyncResult{}, err
	}
	in := e.inbox(agent)
	a := applier{ctx: ctx, e: e, agent: agent}
	batch := max(e.cfg.Sync.BatchSize, 1)

	var (
		res  SyncResult
		last int64
		held []store.QueuedDelta
	)
	for {
		rows, err := e.store.PendingDeltasAfter(ctx, agent, last, batch)
		if err != nil {
			return res, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			last = row.ID
			out, err := in.buf.Deliver(row.Delta, a)
			res.Applied += out.Applied
			res.Buffered += out.Buffered
			if err != nil {
				res.Failed++
				e.deliveryFailed(ctx, row, err)
				continue
			}
			if out.Applied == 0 {
				// Held in memory only; the row stays pending until it lands.
				held = append(held, row)
				continue
			}
			if err := e.store.MarkDelivered(ctx, row.ID, e.now()); err != nil {
				return res, err
			}
		}
	}
	for _, row := range held {
		local, err := a.Clock(row.Delta.MemoryID)
		if err != nil {
			return res, err
		}
		if !local.Covers(row.Delta.Clock) {
			continue
		}
		if err := e.store.MarkDelivered(ctx, row.ID, e.now()); err != nil {
			return res, err
		}
	}
	if limit := e.cfg.Sync.BufferLimit; limit > 0 && in.buf.Len() > limit {
		slog.Warn("Engine: causal buffer over limit", "agent", agent, "buffered", in.buf.Len(), "limit", limit)
	}
	return res, nil
}

func (e *Engine) deliveryFailed(ctx context.Context, row store.QueuedDelta, cause error) {
	slog.Warn("Engine: delta apply failed", "agent", row.Target, "memory_id", row.Delta.MemoryID, "attempt", row.Attempts+1, "error", cause)
	if err := e.store.MarkFailed(ctx, row.ID, cause); err != nil {
		slog.Warn("Engine: mark failed", "id", row.ID, "error", err)
	}
	if row.Attempts+1 >= maxDeliveryAttempts {
		slog.Error("Engine: giving up on delta", "agent", row.Target, "memory_id", row.Delta.MemoryID, "error", cause)
		if err := e.store.MarkDelivered(ctx, row.ID, e.now()); err != nil {
			slog.Warn("Engine: mark delivered failed", "id", row.ID, "error", err)
		}
		e.audit(ctx, row.Target, row.Delta.Origin, "deliver", []string{row.Delta.MemoryID}, store.OutcomeFailed, cause.Error())
	}
}

// Run delivers inbound deltas and flushes live projections until ctx is
// cancelled. Each local agent gets a delivery queue fed from its inbox.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.projections.Run(ctx) })
	g.Go(func() error { return e.pollInboxes(ctx, g) })
	return g.Wait()
}

func (e *Engine) pollInboxes(ctx context.Context, g *errgroup.Group) error {
	interval := e.cfg.Sync.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Engine: inbox poller started", "interval", interval)
	for {
		agents, err := e.localAgents(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("Engine: list agents failed", "error", err)
		}
		for _, agent := range agents {
			q := e.queue(ctx, g, agent)
			if err := e.feed(ctx, q, agent); err != nil && ctx.Err() == nil {
				slog.Warn("Engine: inbox poll failed", "agent", agent, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) localAgents(ctx context.Context) ([]string, error) {
	if !e.cfg.MultiAgent.Enabled {
		return []string{e.defaultAgent()}, nil
	}
	as, err := e.store.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.ID)
	}
	return out, nil
}

// queue returns agent's delivery queue, starting it in g on first use.
func (e *Engine) queue(ctx context.Context, g *errgroup.Group, agent string) *delivery.Queue {
	in := e.inbox(agent)
	e.mu.Lock()
	defer e.mu.Unlock()
	if in.queue == nil {
		in.queue = delivery.NewQueue(in.buf, applier{ctx: ctx, e: e, agent: agent}, e.cfg.Sync.BatchSize)
		in.queue.OnError(func(d memory.Delta, err error) {
			rows := in.unclaim(d)
			if len(rows) == 0 {
				e.audit(ctx, agent, d.Origin, "deliver", []string{d.MemoryID}, store.OutcomeFailed, err.Error())
			}
			for _, row := range rows {
				e.deliveryFailed(ctx, row, err)
			}
		})
		q := in.queue
		g.Go(func() error { return q.Run(ctx) })
	}
	return in.queue
}

// feed settles rows whose deltas have landed and hands agent's other
// pending inbox rows to its delivery queue. Rows stay pending in the store
// until the replica clock covers them, so whatever is still queued or held
// in the causal buffer when the process stops is offered again on restart.
func (e *Engine) feed(ctx context.Context, q *delivery.Queue, agent string) error {
	in := e.inbox(agent)
	if _, err := e.settle(ctx, agent, in); err != nil {
		return err
	}
	batch := max(e.cfg.Sync.BatchSize, 1)
	var last int64
	for {
		rows, err := e.store.PendingDeltasAfter(ctx, agent, last, batch)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			last = row.ID
			if !in.claim(row) {
				continue
			}
			if err := q.Submit(ctx, row.Delta); err != nil {
				in.settled(row.ID)
				return err
			}
		}
	}
}

// settle marks delivered every in-flight row whose delta agent's replica
// already reflects.
func (e *Engine) settle(ctx context.Context, agent string, in *inbox) (int, error) {
	a := applier{ctx: ctx, e: e, agent: agent}
	n := 0
	for _, row := range in.inFlight() {
		local, err := a.Clock(row.Delta.MemoryID)
		if err != nil {
			return n, err
		}
		if !local.Covers(row.Delta.Clock) {
			continue
		}
		if err := e.store.MarkDelivered(ctx, row.ID, e.now()); err != nil {
			return n, err
		}
		in.settled(row.ID)
		n++
	}
	return n, nil
}

// SyncAgents brings two agents into agreement: both inboxes are drained,
// replicas in the shared namespaces they both belong to are exchanged in
// full where they differ, and their causal graphs are merged. When
// cfg.Sync.Timeout passes first, the work done so far is kept and returned
// with ErrSyncTimeout.
func (e *Engine) SyncAgents(ctx context.Context, a, b string) (SyncResult, error) {
	if err := e.requireMultiAgent(); err != nil {
		return SyncResult{}, err
	}
	a, err := e.agent(ctx, a)
	if err != nil {
		return SyncResult{}, err
	}
	if b, err = e.agent(ctx, b); err != nil {
		return SyncResult{}, err
	}
	if a == b {
		return SyncResult{}, fmt.Errorf("sync: %s with itself", a)
	}

	parent := context.WithoutCancel(ctx)
	if t := e.cfg.Sync.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	start := time.Now()
	var res SyncResult
	err = e.sync(ctx, a, b, &res)
	for _, agent := range []string{a, b} {
		n, cerr := e.store.CountPending(parent, agent)
		if cerr != nil {
			slog.Warn("Engine: count pending failed", "agent", agent, "error", cerr)
		}
		res.Pending += n
	}
	syncSeconds.Observe(time.Since(start).Seconds())
	syncExchangedTotal.Add(float64(res.Exchanged))

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s and %s after %s", ErrSyncTimeout, a, b, e.cfg.Sync.Timeout)
	}
	details := fmt.Sprintf("applied=%d buffered=%d exchanged=%d pending=%d failed=%d",
		res.Applied, res.Buffered, res.Exchanged, res.Pending, res.Failed)
	e.audit(parent, a, b, "sync", nil, outcome(err), details)
	if err != nil {
		slog.Warn("Engine: sync incomplete", "a", a, "b", b, "error", err, "exchanged", res.Exchanged, "pending", res.Pending)
		return res, err
	}
	slog.Info("Engine: agents synced", "a", a, "b", b, "applied", res.Applied, "exchanged", res.Exchanged, "pending", res.Pending)
	return res, nil
}

func (e *Engine) sync(ctx context.Context, a, b string, res *SyncResult) error {
	for _, agent := range []string{a, b} {
		r, err := e.DrainInbox(ctx, agent)
		res.add(r)
		if err != nil {
			return err
		}
	}
	shared, err := e.sharedNamespaces(ctx, a, b)
	if err != nil {
		return err
	}
	for _, ns := range shared {
		if err := e.exchange(ctx, ns, a, b, res); err != nil {
			return err
		}
	}
	// Held rows whose deltas the exchange supplied are settled here.
	for _, agent := range []string{a, b} {
		r, err := e.DrainInbox(ctx, agent)
		res.Failed += r.Failed
		if err != nil {
			return err
		}
	}
	return e.mergeGraphs(ctx, a, b, res)
}

// sharedNamespaces returns the shared namespaces both agents hold grants in.
func (e *Engine) sharedNamespaces(ctx context.Context, a, b string) ([]namespace.ID, error) {
	ga, err := e.store.ListAgentGrants(ctx, a)
	if err != nil {
		return nil, err
	}
	gb, err := e.store.ListAgentGrants(ctx, b)
	if err != nil {
		return nil, err
	}
	inB := map[namespace.ID]bool{}
	for _, g := range gb {
		inB[g.Namespace] = true
	}
	var out []namespace.ID
	for _, g := range ga {
		if g.Namespace.Shared() && inB[g.Namespace] {
			out = append(out, g.Namespace)
		}
	}
	return out, nil
}

// exchange sends each side the full state of every replica in ns that the
// other side lacks or holds differently.
func (e *Engine) exchange(ctx context.Context, ns namespace.ID, a, b string, res *SyncResult) error {
	load := func(agent string) (map[string]*memory.Replica, error) {
		rs, err := e.store.ListReplicas(ctx, store.MemoryFilter{Agent: agent, Namespace: ns.String(), IncludeArchived: true})
		if err != nil {
			return nil, err
		}
		out := make(map[string]*memory.Replica, len(rs))
		for _, r := range rs {
			out[r.ID] = r
		}
		return out, nil
	}
	ra, err := load(a)
	if err != nil {
		return err
	}
	rb, err := load(b)
	if err != nil {
		return err
	}
	send := func(from, to string, src, dst map[string]*memory.Replica) error {
		if e.namespaces.Check(ctx, ns, to, namespace.PermRead) != nil {
			return nil
		}
		in := e.inbox(to)
		ap := applier{ctx: ctx, e: e, agent: to}
		for id, r := range src {
			if err := ctx.Err(); err != nil {
				return err
			}
			if other, ok := dst[id]; ok && memory.Equal(r.State, other.State) {
				continue
			}
			out, err := in.buf.Deliver(fullState(r.State, from), ap)
			res.Applied += out.Applied
			if err != nil {
				res.Failed++
				slog.Warn("Engine: anti-entropy apply failed", "from", from, "to", to, "memory_id", id, "error", err)
				continue
			}
			res.Exchanged++
		}
		return nil
	}
	if err := send(a, b, ra, rb); err != nil {
		return err
	}
	return send(b, a, rb, ra)
}

// mergeGraphs joins both agents' causal graphs and flags any cycle the
// merge produced.
func (e *Engine) mergeGraphs(ctx context.Context, a, b string, res *SyncResult) error {
	ga, err := e.store.LoadGraph(ctx, a)
	if err != nil {
		return err
	}
	gb, err := e.store.LoadGraph(ctx, b)
	if err != nil {
		return err
	}
	merged := ga.Merge(gb)
	now := e.now()
	for _, agent := range []string{a, b} {
		if err := e.store.SaveGraph(ctx, agent, merged, now); err != nil {
			return err
		}
	}
	cycles := merged.Cycles()
	res.Cycles = len(cycles)
	for _, c := range cycles {
		ids := make([]string, 0, len(c))
		for _, edge := range c {
			ids = append(ids, edge.Source)
		}
		slog.Warn("Engine: causal cycle after merge", "a", a, "b", b, "edges", len(c))
		e.audit(ctx, a, b, "causal_cycle_detected", ids, store.OutcomeFlagged, fmt.Sprint(c))
	}
	return nil
}
