package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/memmesh/internal/config"
	"github.com/KafClaw/memmesh/internal/crdt"
	"github.com/KafClaw/memmesh/internal/memory"
	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/projection"
	"github.com/KafClaw/memmesh/internal/provenance"
	"github.com/KafClaw/memmesh/internal/store"
	"github.com/KafClaw/memmesh/internal/trust"
)

const teamURI = "team://eng/"

func newEngine(t *testing.T, multi bool, opts ...Option) *Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "memmesh.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := config.DefaultConfig()
	cfg.MultiAgent.Enabled = multi
	e, err := New(context.Background(), st, cfg, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func register(t *testing.T, e *Engine, name string) string {
	t.Helper()
	a, err := e.RegisterAgent(context.Background(), name, nil)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return a.ID
}

// team creates teamURI owned by owner with members added.
func team(t *testing.T, e *Engine, owner string, members ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.CreateNamespace(ctx, owner, teamURI); err != nil {
		t.Fatalf("create namespace: %v", err)
	}
	for _, m := range members {
		if err := e.AddMember(ctx, owner, teamURI, m); err != nil {
			t.Fatalf("add member %s: %v", m, err)
		}
	}
}

func drain(t *testing.T, e *Engine, agents ...string) {
	t.Helper()
	for _, a := range agents {
		if _, err := e.DrainInbox(context.Background(), a); err != nil {
			t.Fatalf("drain %s: %v", a, err)
		}
	}
}

func create(t *testing.T, e *Engine, agent string, in MemoryInput) MemoryView {
	t.Helper()
	v, err := e.CreateMemory(context.Background(), agent, in)
	if err != nil {
		t.Fatalf("create memory: %v", err)
	}
	return v
}

func TestSingleAgentMode(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, false)

	v := create(t, e, "", MemoryInput{Content: "use WAL mode", Tags: []string{"sqlite"}})
	if v.Namespace != "agent://default/" || v.Owner != "default" {
		t.Fatalf("unexpected memory %+v", v.Snapshot)
	}
	if v.MemoryType != DefaultMemoryType || v.BaseConfidence != 1 {
		t.Fatalf("defaults not applied: type %q confidence %v", v.MemoryType, v.BaseConfidence)
	}
	got, err := e.GetMemory(ctx, "default", v.ID)
	if err != nil || got.Content != "use WAL mode" {
		t.Fatalf("get memory: %+v, %v", got.Snapshot, err)
	}
	if got.ViewConfidence != got.EffectiveConfidence {
		t.Fatalf("own memories are fully trusted, got %v", got.ViewConfidence)
	}

	if _, err := e.RegisterAgent(ctx, "planner", nil); !errors.Is(err, ErrMultiAgentDisabled) {
		t.Fatalf("expected ErrMultiAgentDisabled, got %v", err)
	}
	if _, err := e.CreateMemory(ctx, "planner", MemoryInput{Content: "x"}); !errors.Is(err, ErrMultiAgentDisabled) {
		t.Fatalf("expected ErrMultiAgentDisabled for other agent, got %v", err)
	}
	if _, err := e.CreateMemory(ctx, "", MemoryInput{Namespace: teamURI, Content: "x"}); !errors.Is(err, ErrMultiAgentDisabled) {
		t.Fatalf("expected ErrMultiAgentDisabled for shared namespace, got %v", err)
	}
	if _, err := e.ShareMemory(ctx, "", v.ID, teamURI); !errors.Is(err, ErrMultiAgentDisabled) {
		t.Fatalf("expected ErrMultiAgentDisabled for share, got %v", err)
	}
	if _, err := e.SyncAgents(ctx, "default", "other"); !errors.Is(err, ErrMultiAgentDisabled) {
		t.Fatalf("expected ErrMultiAgentDisabled for sync, got %v", err)
	}

	// Reopening over the same store keeps the default agent.
	e2, err := New(ctx, e.Store(), e.Config())
	if err != nil {
		t.Fatal(err)
	}
	list, err := e2.ListMemories(ctx, "", "", false)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 memory after reopen, got %d (%v)", len(list), err)
	}
}

func TestRegisterAndDeregister(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	a := register(t, e, "coder")

	got, err := e.GetAgent(ctx, a)
	if err != nil || got.Name != "coder" || got.Namespace != namespace.ForAgent(a).String() {
		t.Fatalf("unexpected agent %+v (%v)", got, err)
	}
	perms, err := e.Permissions(ctx, a, got.Namespace)
	if err != nil || perms != namespace.All {
		t.Fatalf("owner should hold every permission, got %s (%v)", perms, err)
	}

	if err := e.DeregisterAgent(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateMemory(ctx, a, MemoryInput{Content: "x"}); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("deregistered agent should not act, got %v", err)
	}
	if _, err := e.GetAgent(ctx, "missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	active, _ := e.ListAgents(ctx, false)
	all, _ := e.ListAgents(ctx, true)
	if len(active) != 0 || len(all) != 1 {
		t.Fatalf("active %d all %d", len(active), len(all))
	}
}

func TestShareReplicatesToMembers(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)

	src := create(t, e, a, MemoryInput{Content: "retry with backoff", Confidence: 0.9})
	res, err := e.ShareMemory(ctx, a, src.ID, teamURI)
	if err != nil {
		t.Fatal(err)
	}
	if res.Memory.ID == src.ID || res.Hop.Action != provenance.ActionSharedTo {
		t.Fatalf("unexpected share result %+v", res)
	}
	if _, err := e.GetMemory(ctx, b, res.Memory.ID); !errors.Is(err, ErrMemoryNotFound) {
		t.Fatalf("copy should arrive through the inbox, got %v", err)
	}

	drain(t, e, b)
	got, err := e.GetMemory(ctx, b, res.Memory.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "retry with backoff" || got.Namespace != teamURI || got.SourceAgent != a {
		t.Fatalf("unexpected replica %+v", got.Snapshot)
	}
	if got.SourceTrust != trust.BootstrapScore {
		t.Fatalf("expected bootstrap trust, got %v", got.SourceTrust)
	}
	if got.ViewConfidence > got.EffectiveConfidence*trust.BootstrapScore+1e-9 {
		t.Fatalf("view confidence %v not scaled by trust", got.ViewConfidence)
	}

	rec, err := e.GetProvenance(ctx, b, res.Memory.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Origin.Kind != provenance.OriginDerived || rec.Origin.SourceMemories[0] != src.ID {
		t.Fatalf("unexpected origin %+v", rec.Origin)
	}

	// The source stays private.
	if _, err := e.GetMemory(ctx, b, src.ID); !errors.Is(err, ErrMemoryNotFound) {
		t.Fatalf("source should not replicate, got %v", err)
	}
	audit, err := e.ListAudit(ctx, store.AuditFilter{Action: "share"})
	if err != nil || len(audit) != 1 || audit[0].SourceAgent != a {
		t.Fatalf("expected one share audit row, got %+v (%v)", audit, err)
	}
}

func TestShareDenied(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a)

	m := create(t, e, b, MemoryInput{Content: "x"})
	if _, err := e.ShareMemory(ctx, b, m.ID, teamURI); !errors.Is(err, namespace.ErrPermissionDenied) {
		t.Fatalf("non-member should not write to team, got %v", err)
	}
	rows, _ := e.ListAudit(ctx, store.AuditFilter{Action: "share"})
	if len(rows) != 1 || rows[0].Outcome != store.OutcomeDenied {
		t.Fatalf("expected a denied audit row, got %+v", rows)
	}
}

func TestPromoteSendsFullState(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)

	m := create(t, e, a, MemoryInput{Content: "v1"})
	if _, err := e.MutateMemory(ctx, a, m.ID, func(ed *memory.Editor) { ed.SetContent("v2") }); err != nil {
		t.Fatal(err)
	}
	if _, err := e.PromoteMemory(ctx, a, m.ID, teamURI); err != nil {
		t.Fatal(err)
	}
	drain(t, e, b)

	got, err := e.GetMemory(ctx, b, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "v2" || got.Namespace != teamURI {
		t.Fatalf("unexpected promoted replica %+v", got.Snapshot)
	}
	rec, _ := e.GetProvenance(ctx, a, m.ID)
	if last := rec.Chain[len(rec.Chain)-1]; last.Action != provenance.ActionProjectedTo {
		t.Fatalf("expected projected_to hop, got %+v", last)
	}
	rels, err := e.Store().ListRelations(ctx, m.ID, RelationPromotedFrom)
	if err != nil || len(rels) != 1 {
		t.Fatalf("expected one promoted_from relation, got %+v (%v)", rels, err)
	}
	if rels[0].SourceMemory != "agent://"+a+"/" || rels[0].TargetMemory != m.ID {
		t.Fatalf("promoted_from should point at the source namespace, got %+v", rels[0])
	}
}

func TestRetractArchivesOnlyThatCopy(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)

	src := create(t, e, a, MemoryInput{Content: "flaky test list"})
	res, err := e.ShareMemory(ctx, a, src.ID, teamURI)
	if err != nil {
		t.Fatal(err)
	}
	drain(t, e, b)

	if _, err := e.RetractMemory(ctx, b, res.Memory.ID, "agent://"+b+"/"); !errors.Is(err, ErrMemoryNotFound) {
		t.Fatalf("retract in the wrong namespace should fail, got %v", err)
	}
	v, err := e.RetractMemory(ctx, b, res.Memory.ID, teamURI)
	if err != nil || !v.Archived {
		t.Fatalf("retract: %+v, %v", v.Snapshot, err)
	}
	drain(t, e, a)

	copyA, err := e.GetMemory(ctx, a, res.Memory.ID)
	if err != nil || !copyA.Archived {
		t.Fatalf("archive should replicate to team members: %+v, %v", copyA.Snapshot, err)
	}
	orig, err := e.GetMemory(ctx, a, src.ID)
	if err != nil || orig.Archived {
		t.Fatalf("original should be untouched: %+v, %v", orig.Snapshot, err)
	}
	list, _ := e.ListMemories(ctx, a, teamURI, false)
	if len(list) != 0 {
		t.Fatalf("archived copies are hidden by default, got %d", len(list))
	}
}

func TestProjectionPushesReadOnlyCopy(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)

	target, _ := namespace.Parse(teamURI)
	p, err := e.CreateProjection(ctx, a, projection.Projection{
		Source: namespace.ForAgent(a),
		Target: target,
		Filter: projection.Filter{Tags: []string{"api"}},
		Live:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	hit := create(t, e, a, MemoryInput{Content: "v2 endpoints are stable", Tags: []string{"api"}})
	miss := create(t, e, a, MemoryInput{Content: "lunch at noon", Tags: []string{"misc"}})
	drain(t, e, b)

	copyID := projectedID(p.ID, hit.ID)
	got, err := e.GetMemory(ctx, b, copyID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.ReadOnly || got.Namespace != teamURI || got.Content != "v2 endpoints are stable" {
		t.Fatalf("unexpected projected copy %+v", got.Snapshot)
	}
	if _, err := e.GetMemory(ctx, b, projectedID(p.ID, miss.ID)); !errors.Is(err, ErrMemoryNotFound) {
		t.Fatalf("filtered memory should not be projected, got %v", err)
	}
	if _, err := e.MutateMemory(ctx, b, copyID, func(ed *memory.Editor) { ed.SetContent("edited") }); !errors.Is(err, namespace.ErrPermissionDenied) {
		t.Fatalf("projected copies are read-only, got %v", err)
	}

	// Later edits reach the same copy.
	if _, err := e.MutateMemory(ctx, a, hit.ID, func(ed *memory.Editor) { ed.SetContent("v3 endpoints are stable") }); err != nil {
		t.Fatal(err)
	}
	drain(t, e, b)
	got, _ = e.GetMemory(ctx, b, copyID)
	if got.Content != "v3 endpoints are stable" {
		t.Fatalf("live projection did not update copy: %q", got.Content)
	}

	rec, _ := e.GetProvenance(ctx, b, copyID)
	if rec.Origin.Kind != provenance.OriginProjected || rec.Origin.SourceMemory != hit.ID {
		t.Fatalf("unexpected origin %+v", rec.Origin)
	}

	n, err := e.ResyncSubscription(ctx, a, p.ID)
	if err != nil || n != 1 {
		t.Fatalf("resync pushed %d (%v), want 1", n, err)
	}
	if err := e.DeleteProjection(ctx, b, p.ID); !errors.Is(err, namespace.ErrPermissionDenied) {
		t.Fatalf("only the creator or a source admin may delete, got %v", err)
	}
	if err := e.DeleteProjection(ctx, a, p.ID); err != nil {
		t.Fatal(err)
	}
}

func TestCorrectionRecordsUpstreamEvidence(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)

	src := create(t, e, a, MemoryInput{Content: "timeout is 3s"})
	res, err := e.ShareMemory(ctx, a, src.ID, teamURI)
	if err != nil {
		t.Fatal(err)
	}
	drain(t, e, b)

	out, err := e.CorrectMemory(ctx, b, res.Memory.ID, "timeout is 30s", "checked config")
	if err != nil {
		t.Fatal(err)
	}
	if out.Memory.Content != "timeout is 30s" || out.PendingReview != 0 {
		t.Fatalf("unexpected correction %+v", out)
	}
	wantStrength := []float64{1, 0.7, 0.49}
	if len(out.Steps) != len(wantStrength) {
		t.Fatalf("steps %+v", out.Steps)
	}
	for i, w := range wantStrength {
		if d := out.Steps[i].Strength - w; d > 1e-9 || d < -1e-9 {
			t.Fatalf("step %d strength %v, want %v", i, out.Steps[i].Strength, w)
		}
	}

	tr, err := e.GetTrust(ctx, b, a)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Evidence.Contradicted != 1 {
		t.Fatalf("expected one contradiction against the upstream author, got %+v", tr.Evidence)
	}
	mine, _ := e.ListTrust(ctx, b)
	if len(mine) != 1 {
		t.Fatalf("corrector must not be blamed, got %+v", mine)
	}

	drain(t, e, a)
	got, _ := e.GetMemory(ctx, a, res.Memory.ID)
	if got.Content != "timeout is 30s" {
		t.Fatalf("correction should replicate, got %q", got.Content)
	}
}

func TestTrustEvidenceAndContradiction(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)

	theirs := create(t, e, a, MemoryInput{Namespace: teamURI, Content: "cache for 1h", Tags: []string{"cache"}})
	drain(t, e, b)
	mine := create(t, e, b, MemoryInput{Content: "cache for 5m", Tags: []string{"cache"}})

	if _, err := e.RecordValidation(ctx, b, a, theirs.ID); err != nil {
		t.Fatal(err)
	}
	rec, _ := e.GetProvenance(ctx, b, theirs.ID)
	if last := rec.Chain[len(rec.Chain)-1]; last.Action != provenance.ActionValidatedBy || last.AgentID != b {
		t.Fatalf("expected validated_by hop, got %+v", last)
	}
	tr, _ := e.GetTrust(ctx, b, a)
	if tr.Evidence.Validated != 1 || tr.DomainTrust[DefaultMemoryType] == 0 {
		t.Fatalf("unexpected trust %+v", tr)
	}
	if _, err := e.RecordUsage(ctx, b, b, ""); !errors.Is(err, trust.ErrSelfEvidence) {
		t.Fatalf("expected ErrSelfEvidence, got %v", err)
	}

	c, err := e.ResolveContradiction(ctx, b, theirs.ID, mine.ID, "fact")
	if err != nil {
		t.Fatal(err)
	}
	if c.Resolution != trust.ResolutionTrustWins || c.Winner != mine.ID {
		t.Fatalf("own memory should win on trust, got %+v", c)
	}
	tr, _ = e.GetTrust(ctx, b, a)
	if tr.Evidence.Contradicted != 1 {
		t.Fatalf("loser's author should get contradiction evidence, got %+v", tr.Evidence)
	}
}

func TestSyncAgentsRepairsLostDeltas(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)

	m := create(t, e, a, MemoryInput{Namespace: teamURI, Content: "deploys freeze on fridays"})
	if _, err := e.Store().DB().ExecContext(ctx, `DELETE FROM delta_queue`); err != nil {
		t.Fatal(err)
	}
	res, err := e.SyncAgents(ctx, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if res.Exchanged != 1 || res.Pending != 0 {
		t.Fatalf("unexpected sync result %+v", res)
	}
	got, err := e.GetMemory(ctx, b, m.ID)
	if err != nil || got.Content != "deploys freeze on fridays" {
		t.Fatalf("anti-entropy did not deliver: %+v, %v", got.Snapshot, err)
	}

	res, err = e.SyncAgents(ctx, a, b)
	if err != nil || res.Exchanged != 0 {
		t.Fatalf("converged agents should exchange nothing, got %+v (%v)", res, err)
	}
	rows, _ := e.ListAudit(ctx, store.AuditFilter{Action: "sync"})
	if len(rows) != 2 {
		t.Fatalf("expected 2 sync audit rows, got %d", len(rows))
	}
}

func TestSyncAgentsFlagsMergedCycles(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)

	m1 := create(t, e, a, MemoryInput{Namespace: teamURI, Content: "m1"})
	m2 := create(t, e, a, MemoryInput{Namespace: teamURI, Content: "m2"})
	drain(t, e, b)

	if err := e.AddCausalEdge(ctx, a, m1.ID, m2.ID, 0.8); err != nil {
		t.Fatal(err)
	}
	if err := e.AddCausalEdge(ctx, a, m2.ID, m1.ID, 0.8); !errors.Is(err, crdt.ErrCausalCycle) {
		t.Fatalf("local cycle should be rejected, got %v", err)
	}
	if err := e.AddCausalEdge(ctx, b, m2.ID, m1.ID, 0.5); err != nil {
		t.Fatal(err)
	}

	res, err := e.SyncAgents(ctx, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cycles != 1 {
		t.Fatalf("expected one flagged cycle, got %+v", res)
	}
	g, err := e.CausalGraph(ctx, b)
	if err != nil || len(g.Edges) != 2 || len(g.Cycles) != 1 {
		t.Fatalf("merged graph %+v (%v)", g, err)
	}
	rows, _ := e.ListAudit(ctx, store.AuditFilter{Action: "causal_cycle_detected"})
	if len(rows) != 1 || rows[0].Outcome != store.OutcomeFlagged {
		t.Fatalf("expected flagged cycle audit, got %+v", rows)
	}
}

func TestSyncAgentsTimeout(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	e.cfg.Sync.Timeout = time.Nanosecond
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)
	create(t, e, a, MemoryInput{Namespace: teamURI, Content: "queued"})

	res, err := e.SyncAgents(ctx, a, b)
	if !errors.Is(err, ErrSyncTimeout) {
		t.Fatalf("expected ErrSyncTimeout, got %v", err)
	}
	if res.Pending == 0 {
		t.Fatalf("undelivered deltas should stay pending, got %+v", res)
	}
	rows, _ := e.ListAudit(ctx, store.AuditFilter{Action: "sync"})
	if len(rows) != 1 || rows[0].Outcome != store.OutcomeFailed {
		t.Fatalf("expected failed sync audit, got %+v", rows)
	}
}

func TestConcurrentContentWritesNotifyHandler(t *testing.T) {
	ctx := context.Background()
	conflicts := make(chan memory.Conflict, 4)
	e := newEngine(t, true, WithConflictHandler(func(c memory.Conflict) { conflicts <- c }))
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)

	m := create(t, e, a, MemoryInput{Namespace: teamURI, Content: "original"})
	drain(t, e, b)
	if _, err := e.MutateMemory(ctx, a, m.ID, func(ed *memory.Editor) { ed.SetContent("from a") }); err != nil {
		t.Fatal(err)
	}
	if _, err := e.MutateMemory(ctx, b, m.ID, func(ed *memory.Editor) { ed.SetContent("from b") }); err != nil {
		t.Fatal(err)
	}
	drain(t, e, a, b)

	select {
	case c := <-conflicts:
		if c.MemoryID != m.ID || len(c.Versions) != 2 {
			t.Fatalf("unexpected conflict %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("conflict handler not called")
	}
	ga, _ := e.GetMemory(ctx, a, m.ID)
	gb, _ := e.GetMemory(ctx, b, m.ID)
	if ga.Content != gb.Content {
		t.Fatalf("replicas diverged: %q vs %q", ga.Content, gb.Content)
	}
}

func TestDrainInboxBuffersUntilDependencyArrives(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)

	m := create(t, e, a, MemoryInput{Namespace: teamURI, Content: "one"})
	if _, err := e.MutateMemory(ctx, a, m.ID, func(ed *memory.Editor) { ed.SetContent("two") }); err != nil {
		t.Fatal(err)
	}
	// Drop the creation delta so the edit arrives without its predecessor.
	if _, err := e.Store().DB().ExecContext(ctx,
		`DELETE FROM delta_queue WHERE id = (SELECT MIN(id) FROM delta_queue WHERE target_agent = ?)`, b); err != nil {
		t.Fatal(err)
	}
	res, err := e.DrainInbox(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 0 || res.Buffered != 1 {
		t.Fatalf("edit should wait for its dependency, got %+v", res)
	}
	if n, _ := e.Store().CountPending(ctx, b); n != 1 {
		t.Fatalf("held row should stay pending, got %d", n)
	}

	// Anti-entropy applies the full state and releases the held edit.
	if _, err := e.SyncAgents(ctx, a, b); err != nil {
		t.Fatal(err)
	}
	got, err := e.GetMemory(ctx, b, m.ID)
	if err != nil || got.Content != "two" {
		t.Fatalf("expected converged content, got %+v (%v)", got.Snapshot, err)
	}
	if n := e.inbox(b).buf.Len(); n != 0 {
		t.Fatalf("held delta should be released, %d remain", n)
	}
	if n, _ := e.Store().CountPending(ctx, b); n != 0 {
		t.Fatalf("settled row should be delivered, %d pending", n)
	}
}

func TestIdleAgentsWakeOnActivity(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	e.Config().MultiAgent.IdleAfter = time.Hour
	a, b := register(t, e, "a"), register(t, e, "b")

	if _, err := e.Store().DB().ExecContext(ctx, `UPDATE agent_registry SET last_active = 1 WHERE agent_id = ?`, a); err != nil {
		t.Fatal(err)
	}
	idle, err := e.MarkIdle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 1 || idle[0] != a {
		t.Fatalf("expected only %s idle, got %v", a, idle)
	}
	if ag, _ := e.GetAgent(ctx, a); ag.Status != store.AgentIdle {
		t.Fatalf("expected idle, got %s", ag.Status)
	}
	if ag, _ := e.GetAgent(ctx, b); ag.Status != store.AgentActive {
		t.Fatalf("recently active agent marked %s", ag.Status)
	}

	create(t, e, a, MemoryInput{Content: "back at work"})
	ag, err := e.GetAgent(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if ag.Status != store.AgentActive || time.Since(ag.LastActive) > time.Minute {
		t.Fatalf("agent not woken: %+v", ag)
	}
}

func TestSpawnAgentRecordsParent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	parent := register(t, e, "planner")

	child, err := e.SpawnAgent(ctx, parent, "worker", []string{"build"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.GetAgent(ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Parent != parent || got.Namespace != "agent://"+child.ID+"/" {
		t.Fatalf("unexpected child %+v", got)
	}
	audit, _ := e.ListAudit(ctx, store.AuditFilter{Action: "spawn_agent"})
	if len(audit) != 1 || audit[0].SourceAgent != parent || audit[0].TargetAgent != child.ID {
		t.Fatalf("expected one spawn audit row, got %+v", audit)
	}

	if err := e.DeregisterAgent(ctx, parent); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SpawnAgent(ctx, parent, "orphan", nil); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound for deregistered parent, got %v", err)
	}
}

func TestAuditReadsRecordsCrossAgentReads(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)
	e.Config().MultiAgent.AuditReads = true
	a, b := register(t, e, "a"), register(t, e, "b")
	team(t, e, a, b)

	m := create(t, e, a, MemoryInput{Namespace: teamURI, Content: "oncall rota"})
	drain(t, e, b)
	if _, err := e.GetMemory(ctx, a, m.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GetMemory(ctx, b, m.ID); err != nil {
		t.Fatal(err)
	}
	rows, err := e.ListAudit(ctx, store.AuditFilter{Action: "read"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].SourceAgent != b || rows[0].TargetAgent != a || rows[0].MemoryIDs[0] != m.ID {
		t.Fatalf("expected one cross-agent read row, got %+v", rows)
	}
}
