package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/KafClaw/memmesh/internal/crdt"
	"github.com/KafClaw/memmesh/internal/memory"
	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/projection"
	"github.com/KafClaw/memmesh/internal/provenance"
	"github.com/KafClaw/memmesh/internal/trust"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memmesh.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite3: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// eachDriver runs fn against a modernc file database and a mattn in-memory
// database.
func eachDriver(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Run("modernc", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("mattn", func(t *testing.T) { fn(t, newMemoryStore(t)) })
}

func TestAgentRegistry(t *testing.T) {
	eachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a := Agent{ID: "a1", Name: "planner", Namespace: "agent://a1/", Capabilities: []string{"plan", "code"},
			Status: AgentActive, RegisteredAt: t0, LastActive: t0}
		if err := s.InsertAgent(ctx, a); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetAgent(ctx, "a1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Name != "planner" || len(got.Capabilities) != 2 || !got.RegisteredAt.Equal(t0) {
			t.Fatalf("unexpected agent %+v", got)
		}
		if err := s.SetAgentStatus(ctx, "a1", AgentDeregistered, t0.Add(time.Hour)); err != nil {
			t.Fatal(err)
		}
		active, _ := s.ListAgents(ctx, false)
		all, _ := s.ListAgents(ctx, true)
		if len(active) != 0 || len(all) != 1 || all[0].DeregisteredAt.IsZero() {
			t.Fatalf("active %d all %d", len(active), len(all))
		}
		if _, err := s.GetAgent(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestNamespacesAndGrants(t *testing.T) {
	eachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		m := namespace.NewManager(s)
		team := namespace.MustParse("team://Backend/")
		if _, err := m.Create(ctx, team, "a1"); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Create(ctx, team, "a1"); !errors.Is(err, namespace.ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
		if err := m.AddMember(ctx, team, "a2", "a1"); err != nil {
			t.Fatal(err)
		}
		if err := m.Check(ctx, team, "a2", namespace.PermRead, namespace.PermWrite); err != nil {
			t.Fatal(err)
		}
		if err := m.Check(ctx, team, "a3", namespace.PermRead); !errors.Is(err, namespace.ErrPermissionDenied) {
			t.Fatalf("expected denial, got %v", err)
		}
		// Grants union rather than replace.
		_ = s.UpsertGrant(ctx, namespace.Grant{Namespace: team, Agent: "a2", Permissions: namespace.NewSet(namespace.PermShare), GrantedBy: "a1", GrantedAt: t0})
		g, ok, err := s.GetGrant(ctx, team, "a2")
		if err != nil || !ok || !g.Permissions.Has(namespace.PermShare) {
			t.Fatalf("grant %+v ok=%v err=%v", g, ok, err)
		}
		ns, err := s.GetNamespace(ctx, team)
		if err != nil || ns.ID.Name != "Backend" {
			t.Fatalf("namespace %+v err=%v", ns, err)
		}
		mine, _ := s.ListAgentGrants(ctx, "a2")
		if len(mine) != 1 {
			t.Fatalf("expected one grant for a2, got %d", len(mine))
		}
	})
}

func TestReplicaRoundTrip(t *testing.T) {
	eachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		st, _, err := memory.Edit(memory.NewState("m1", "a1"), "a1", t0, func(e *memory.Editor) {
			e.SetNamespace("agent://a1/")
			e.SetMemoryType("decision")
			e.SetContent("use sqlite")
			e.AddTag("db")
			e.RaiseConfidence(0.8)
			e.SetMetadata("ticket", "OPS-1")
		})
		if err != nil {
			t.Fatal(err)
		}
		r := memory.NewReplica("a1", st, t0, memory.DefaultDecay)
		if err := s.PutReplica(ctx, r); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetReplica(ctx, "a1", "m1")
		if err != nil {
			t.Fatal(err)
		}
		if !memory.Equal(got.State, r.State) || got.ContentHash != r.ContentHash {
			t.Fatalf("replica changed in storage: %+v", got.Snapshot())
		}
		list, _ := s.ListReplicas(ctx, MemoryFilter{Namespace: "agent://a1/"})
		if len(list) != 1 {
			t.Fatalf("expected 1 replica, got %d", len(list))
		}
		if _, err := s.GetReplica(ctx, "a2", "m1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestProvenanceStore(t *testing.T) {
	eachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		tr := provenance.NewTracker(s)
		_ = tr.Begin(ctx, "src", provenance.AgentCreated(), provenance.Hop{AgentID: "a", Action: provenance.ActionCreated, Timestamp: t0})
		_ = tr.Begin(ctx, "copy", provenance.Derived("src"), provenance.Hop{AgentID: "b", Action: provenance.ActionSharedTo, Timestamp: t0.Add(time.Minute)})
		_ = tr.Record(ctx, "copy", provenance.Hop{AgentID: "c", Action: provenance.ActionValidatedBy, ConfidenceDelta: 0.1, Timestamp: t0.Add(2 * time.Minute)})

		rec, err := tr.Get(ctx, "copy")
		if err != nil {
			t.Fatal(err)
		}
		if rec.Origin.Kind != provenance.OriginDerived || len(rec.Chain) != 2 || rec.Chain[1].AgentID != "c" {
			t.Fatalf("unexpected record %+v", rec)
		}
		trace, err := tr.Trace(ctx, "copy", 10)
		if err != nil || trace.HopCount != 3 || trace.Steps[0].MemoryID != "src" {
			t.Fatalf("trace %+v err=%v", trace, err)
		}
	})
}

func TestTrustStore(t *testing.T) {
	eachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		sc := trust.NewScorer(s, trust.DefaultConfig())
		if _, err := sc.RecordValidation(ctx, "a", "b", "infra"); err != nil {
			t.Fatal(err)
		}
		got, ok, err := s.GetTrust(ctx, "a", "b")
		if err != nil || !ok {
			t.Fatalf("get trust ok=%v err=%v", ok, err)
		}
		if got.Evidence.Validated != 1 || got.DomainEvidence["infra"].Total != 1 {
			t.Fatalf("unexpected trust %+v", got)
		}
		list, _ := s.ListTrust(ctx, "a")
		if len(list) != 1 {
			t.Fatalf("expected one trust row, got %d", len(list))
		}
	})
}

func TestProjectionStore(t *testing.T) {
	eachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		p := projection.Projection{
			ID:               "p1",
			Source:           namespace.MustParse("team://a/"),
			Target:           namespace.MustParse("project://b/"),
			Filter:           projection.Filter{MemoryTypes: []string{"decision"}, MinConfidence: 0.5},
			CompressionLevel: 2,
			Live:             true,
			CreatedAt:        t0,
			CreatedBy:        "a1",
		}
		if err := s.InsertProjection(ctx, p); err != nil {
			t.Fatal(err)
		}
		got, ok, err := s.GetProjection(ctx, "p1")
		if err != nil || !ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
		if got.Source != p.Source || got.Filter.MinConfidence != 0.5 || !got.Live || got.CompressionLevel != 2 {
			t.Fatalf("unexpected projection %+v", got)
		}
		_ = s.DeleteProjection(ctx, "p1")
		if _, ok, _ := s.GetProjection(ctx, "p1"); ok {
			t.Fatal("expected projection deleted")
		}
	})
}

func TestDeltaQueue(t *testing.T) {
	eachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		_, d, _ := memory.Edit(memory.NewState("m1", "a1"), "a1", t0, func(e *memory.Editor) {
			e.SetSummary("queued")
		})
		id, err := s.EnqueueDelta(ctx, "a2", d, t0)
		if err != nil {
			t.Fatal(err)
		}
		pending, err := s.PendingDeltas(ctx, "a2", 0)
		if err != nil || len(pending) != 1 {
			t.Fatalf("pending %d err=%v", len(pending), err)
		}
		if pending[0].Delta.MemoryID != "m1" || !pending[0].Delta.Has(memory.FieldSummary) {
			t.Fatalf("unexpected delta %+v", pending[0].Delta)
		}
		_ = s.MarkFailed(ctx, id, errors.New("boom"))
		_ = s.MarkDelivered(ctx, id, t0.Add(time.Minute))
		if n, _ := s.CountPending(ctx, "a2"); n != 0 {
			t.Fatalf("expected nothing pending, got %d", n)
		}

		stats, err := s.Prune(ctx, RetentionConfig{DeliveredTTL: time.Hour}, t0.Add(2*time.Hour))
		if err != nil || stats.Deliveries != 1 {
			t.Fatalf("prune %+v err=%v", stats, err)
		}
	})
}

func TestPendingDeltasAfterPages(t *testing.T) {
	eachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		var ids []int64
		for _, m := range []string{"m1", "m2", "m3"} {
			_, d, _ := memory.Edit(memory.NewState(m, "a1"), "a1", t0, func(e *memory.Editor) {
				e.SetSummary(m)
			})
			id, err := s.EnqueueDelta(ctx, "a2", d, t0)
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, id)
		}
		page, err := s.PendingDeltasAfter(ctx, "a2", ids[0], 1)
		if err != nil || len(page) != 1 || page[0].ID != ids[1] {
			t.Fatalf("expected second row, got %+v err=%v", page, err)
		}
		rest, err := s.PendingDeltasAfter(ctx, "a2", ids[1], 10)
		if err != nil || len(rest) != 1 || rest[0].Delta.MemoryID != "m3" {
			t.Fatalf("expected third row, got %+v err=%v", rest, err)
		}
	})
}

func TestCorruptDeltaLeavesQueue(t *testing.T) {
	eachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO delta_queue (target_agent, memory_id, source_agent, payload, enqueued_at)
			VALUES ('a2', 'm1', 'a1', x'ff0102', 1)`); err != nil {
			t.Fatal(err)
		}
		_, d, _ := memory.Edit(memory.NewState("m2", "a1"), "a1", t0, func(e *memory.Editor) {
			e.SetSummary("fine")
		})
		if _, err := s.EnqueueDelta(ctx, "a2", d, t0); err != nil {
			t.Fatal(err)
		}
		pending, err := s.PendingDeltas(ctx, "a2", 0)
		if err != nil || len(pending) != 1 || pending[0].Delta.MemoryID != "m2" {
			t.Fatalf("pending %+v err=%v", pending, err)
		}
		if n, _ := s.CountPending(ctx, "a2"); n != 1 {
			t.Fatalf("corrupt row should have left the queue, %d pending", n)
		}
	})
}

func TestAuditAndPrune(t *testing.T) {
	eachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		for i := range 5 {
			_ = s.AppendAudit(ctx, AuditEntry{
				Timestamp:   t0.Add(time.Duration(i) * time.Hour),
				SourceAgent: "a1",
				TargetAgent: "a2",
				Action:      "share",
				MemoryIDs:   []string{"m1"},
				Trust:       0.5,
				Outcome:     OutcomeOK,
			})
		}
		got, err := s.ListAudit(ctx, AuditFilter{Agent: "a2", Limit: 2})
		if err != nil || len(got) != 2 || got[0].ID < got[1].ID || got[0].MemoryIDs[0] != "m1" {
			t.Fatalf("audit %+v err=%v", got, err)
		}
		stats, err := s.Prune(ctx, RetentionConfig{MaxAuditRows: 3}, t0)
		if err != nil || stats.Audit != 2 {
			t.Fatalf("prune %+v err=%v", stats, err)
		}
	})
}

func TestGraphStore(t *testing.T) {
	eachDriver(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		empty, err := s.LoadGraph(ctx, "a1")
		if err != nil || len(empty.Edges()) != 0 {
			t.Fatalf("expected empty graph, err=%v", err)
		}
		g := crdt.NewCausalGraph()
		_ = g.AddEdge("m1", "m2", 0.6, crdt.Tag{Agent: "a1", Seq: 1})
		if err := s.SaveGraph(ctx, "a1", g, t0); err != nil {
			t.Fatal(err)
		}
		got, err := s.LoadGraph(ctx, "a1")
		if err != nil {
			t.Fatal(err)
		}
		if w, ok := got.Strength("m1", "m2"); !ok || w != 0.6 {
			t.Fatalf("strength %v ok=%v", w, ok)
		}
	})
}
