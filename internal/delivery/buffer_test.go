package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/memmesh/internal/crdt"
	"github.com/KafClaw/memmesh/internal/memory"
)

type fakeReplica struct {
	mu     sync.Mutex
	states map[string]memory.State
	order  []string
}

func newFakeReplica() *fakeReplica {
	return &fakeReplica{states: make(map[string]memory.State)}
}

func (f *fakeReplica) Clock(id string) (crdt.VectorClock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id].Clock.Clone(), nil
}

func (f *fakeReplica) Apply(d memory.Delta) (crdt.VectorClock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := memory.Apply(f.states[d.MemoryID], d)
	if err != nil {
		return nil, err
	}
	f.states[d.MemoryID] = s
	f.order = append(f.order, d.Origin+":"+s.Summary.Value())
	return s.Clock.Clone(), nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// chain produces n sequential edits by agent on top of s.
func chain(t *testing.T, s memory.State, agent string, n int) (memory.State, []memory.Delta) {
	t.Helper()
	var out []memory.Delta
	for i := range n {
		next, d, err := memory.Edit(s, agent, t0.Add(time.Duration(i)*time.Second), func(e *memory.Editor) {
			e.SetSummary(agent + string(rune('1'+i)))
		})
		if err != nil {
			t.Fatal(err)
		}
		s = next
		out = append(out, d)
	}
	return s, out
}

func TestReadyRules(t *testing.T) {
	local := crdt.VectorClock{"a": 2, "b": 1}
	cases := []struct {
		name  string
		delta memory.Delta
		want  bool
	}{
		{"next from origin", memory.Delta{Origin: "a", Clock: crdt.VectorClock{"a": 3, "b": 1}}, true},
		{"gap from origin", memory.Delta{Origin: "a", Clock: crdt.VectorClock{"a": 4}}, false},
		{"duplicate", memory.Delta{Origin: "a", Clock: crdt.VectorClock{"a": 2}}, true},
		{"missing third party", memory.Delta{Origin: "b", Clock: crdt.VectorClock{"b": 2, "c": 1}}, false},
		{"join mode skips checks", memory.Delta{Origin: "a", Clock: crdt.VectorClock{"a": 9}, Mode: memory.ModeJoin}, true},
	}
	for _, tc := range cases {
		if got := Ready(tc.delta, local); got != tc.want {
			t.Errorf("%s: Ready = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDeliverOutOfOrder(t *testing.T) {
	_, ds := chain(t, memory.NewState("m1", "a"), "a", 3)
	r := newFakeReplica()
	buf := NewBuffer()

	for _, i := range []int{2, 1} {
		res, err := buf.Deliver(ds[i], r)
		if err != nil {
			t.Fatal(err)
		}
		if res.Buffered != 1 {
			t.Fatalf("delta %d should have been buffered, got %+v", i, res)
		}
	}
	if buf.Pending("m1") != 2 {
		t.Fatalf("expected 2 pending, got %d", buf.Pending("m1"))
	}
	res, err := buf.Deliver(ds[0], r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 3 || buf.Len() != 0 {
		t.Fatalf("expected all three applied, got %+v with %d held", res, buf.Len())
	}
	if got := r.states["m1"].Summary.Value(); got != "a3" {
		t.Fatalf("expected final summary a3, got %q", got)
	}
	want := []string{"a:a1", "a:a2", "a:a3"}
	for i, w := range want {
		if r.order[i] != w {
			t.Fatalf("apply order %v, want %v", r.order, want)
		}
	}
}

func TestDeliverWaitsForOtherAgent(t *testing.T) {
	base, created := chain(t, memory.NewState("m1", "a"), "a", 1)
	_, fromB := chain(t, base, "b", 1)

	r := newFakeReplica()
	buf := NewBuffer()
	if res, _ := buf.Deliver(fromB[0], r); res.Buffered != 1 {
		t.Fatalf("b's edit depends on a:1 and should wait, got %+v", res)
	}
	if got := buf.Waiting("m1"); len(got) != 1 || got[0] != "a:1" {
		t.Fatalf("unexpected waiting list %v", got)
	}
	if res, _ := buf.Deliver(created[0], r); res.Applied != 2 {
		t.Fatalf("expected both applied, got %+v", res)
	}
}

func TestDuplicateHeldOnce(t *testing.T) {
	_, ds := chain(t, memory.NewState("m1", "a"), "a", 2)
	buf := NewBuffer()
	local := crdt.NewVectorClock()
	if !buf.Hold(ds[1], local) {
		t.Fatal("first hold should succeed")
	}
	if buf.Hold(ds[1], local) {
		t.Fatal("duplicate should not be held twice")
	}
	if buf.Len() != 1 {
		t.Fatalf("expected 1 held, got %d", buf.Len())
	}
}

func TestStuckRecordDoesNotBlockOthers(t *testing.T) {
	_, stuck := chain(t, memory.NewState("m1", "a"), "a", 2)
	_, other := chain(t, memory.NewState("m2", "b"), "b", 1)

	r := newFakeReplica()
	buf := NewBuffer()
	if _, err := buf.Deliver(stuck[1], r); err != nil {
		t.Fatal(err)
	}
	res, err := buf.Deliver(other[0], r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 1 || buf.Pending("m1") != 1 {
		t.Fatalf("unexpected result %+v, pending m1 = %d", res, buf.Pending("m1"))
	}
}

func TestQueueDrainsInBackground(t *testing.T) {
	_, ds := chain(t, memory.NewState("m1", "a"), "a", 4)
	r := newFakeReplica()
	q := NewQueue(NewBuffer(), r, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	for _, i := range []int{3, 1, 2, 0} {
		if err := q.Submit(ctx, ds[i]); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		clock, _ := r.Clock("m1")
		if clock.Get("a") == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue did not drain, clock %v", clock)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := q.Submit(context.Background(), ds[0]); err != ErrQueueClosed {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}
