package memory

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord(t *testing.T, id, agent string) (State, Delta) {
	t.Helper()
	s, d, err := Edit(NewState(id, agent), agent, t0, func(e *Editor) {
		e.SetNamespace("agent://" + agent + "/")
		e.SetMemoryType("semantic")
		e.SetSummary("bcrypt for passwords")
		e.SetContent("Always use bcrypt for password hashing.")
		e.RaiseConfidence(0.7)
		e.AddTag("security")
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return s, d
}

func mustApply(t *testing.T, s State, ds ...Delta) State {
	t.Helper()
	for _, d := range ds {
		var err error
		if s, err = Apply(s, d); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	return s
}

func TestEditProducesDelta(t *testing.T) {
	s, d := newRecord(t, "m1", "a")
	if d.Origin != "a" || d.Seq() != 1 {
		t.Fatalf("unexpected delta origin %q seq %d", d.Origin, d.Seq())
	}
	if !d.Has(FieldSummary) || !d.Has(FieldTags) || d.Has(FieldArchived) {
		t.Fatalf("unexpected fields in %+v", d.Fields)
	}
	got := mustApply(t, State{}, d)
	if !Equal(got, s) {
		t.Fatal("applying the create delta to an empty state should rebuild the record")
	}
}

func TestApplyIdempotent(t *testing.T) {
	s, d := newRecord(t, "m1", "a")
	once := mustApply(t, s, d)
	twice := mustApply(t, once, d)
	if !Equal(once, twice) || !Equal(s, once) {
		t.Fatal("apply should be idempotent")
	}
}

func TestMaxRegisterConfidenceAcrossAgents(t *testing.T) {
	base, _ := newRecord(t, "m1", "a")
	a, da, _ := Edit(base, "a", t0.Add(time.Second), func(e *Editor) { e.RaiseConfidence(0.7) })
	b, db, _ := Edit(base, "b", t0.Add(time.Second), func(e *Editor) { e.RaiseConfidence(0.85) })

	a = mustApply(t, a, db)
	b = mustApply(t, b, da)
	if a.BaseConfidence.Value() != 0.85 || b.BaseConfidence.Value() != 0.85 {
		t.Fatalf("expected 0.85 on both, got %v and %v", a.BaseConfidence.Value(), b.BaseConfidence.Value())
	}
}

func TestAccessCountConverges(t *testing.T) {
	base, _ := newRecord(t, "m1", "a")
	a, b := base, base
	var das, dbs []Delta
	for i := range 3 {
		var d Delta
		a, d, _ = Edit(a, "a", t0.Add(time.Duration(i)*time.Second), func(e *Editor) { e.RecordAccess() })
		das = append(das, d)
	}
	for i := range 2 {
		var d Delta
		b, d, _ = Edit(b, "b", t0.Add(time.Duration(i)*time.Second), func(e *Editor) { e.RecordAccess() })
		dbs = append(dbs, d)
	}
	a = mustApply(t, a, dbs...)
	b = mustApply(t, b, das...)
	if a.AccessCount.Value() != 5 || b.AccessCount.Value() != 5 {
		t.Fatalf("expected 5, got %d and %d", a.AccessCount.Value(), b.AccessCount.Value())
	}
	if !Equal(a, b) {
		t.Fatal("replicas diverged")
	}
}

func TestTagAddWinsOverConcurrentRemove(t *testing.T) {
	base, _ := newRecord(t, "m1", "a")
	a, da, _ := Edit(base, "a", t0.Add(time.Second), func(e *Editor) { e.RemoveTag("security") })
	b, db, _ := Edit(base, "b", t0.Add(time.Second), func(e *Editor) {
		e.RemoveTag("security")
		e.Add(FieldTags, "auth")
	})
	b2, db2, _ := Edit(b, "b", t0.Add(2*time.Second), func(e *Editor) { e.AddTag("security") })

	a = mustApply(t, a, db, db2)
	b2 = mustApply(t, b2, da)
	if !a.Tags.Contains("security") || !b2.Tags.Contains("security") {
		t.Fatal("re-add concurrent with a remove should survive")
	}
	if !Equal(a, b2) {
		t.Fatal("replicas diverged")
	}
}

func TestLocalWriteWinsOverSkewedClock(t *testing.T) {
	base, _ := newRecord(t, "m1", "a")
	_, far, _ := Edit(base, "b", t0.Add(time.Hour), func(e *Editor) { e.SetSummary("from the future") })
	a := mustApply(t, base, far)

	a, _, _ = Edit(a, "a", t0.Add(time.Minute), func(e *Editor) { e.SetSummary("seen it, replacing") })
	if got := a.Summary.Value(); got != "seen it, replacing" {
		t.Fatalf("causally later local write lost to %q", got)
	}
}

func TestApplyRejectsForeignRecord(t *testing.T) {
	s, _ := newRecord(t, "m1", "a")
	_, other := newRecord(t, "m2", "a")
	if _, err := Apply(s, other); !errors.Is(err, ErrMergeInvariantViolation) {
		t.Fatalf("expected ErrMergeInvariantViolation, got %v", err)
	}
	if _, err := Merge(s, NewState("m3", "b")); !errors.Is(err, ErrMergeInvariantViolation) {
		t.Fatalf("expected ErrMergeInvariantViolation, got %v", err)
	}
}

func TestApplyRejectsMalformedDelta(t *testing.T) {
	s, _ := newRecord(t, "m1", "a")
	bad := Delta{MemoryID: "m1", Origin: "a", Fields: []FieldDelta{{Field: FieldSummary}}}
	if _, err := Apply(s, bad); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
}

func TestContentConflictSurfaces(t *testing.T) {
	base, _ := newRecord(t, "m1", "a")
	a, da, _ := Edit(base, "a", t0.Add(time.Second), func(e *Editor) { e.SetContent("use argon2") })
	b, db, _ := Edit(base, "b", t0.Add(2*time.Second), func(e *Editor) { e.SetContent("use scrypt") })

	a = mustApply(t, a, db)
	b = mustApply(t, b, da)
	c, ok := DetectConflict("a", a, t0)
	if !ok || len(c.Versions) != 2 {
		t.Fatalf("expected a two-way conflict, got %+v", c)
	}
	if c.Winner != "use scrypt" || b.Content.Value() != "use scrypt" {
		t.Fatalf("LWW content should still pick the newer write, got %q", c.Winner)
	}

	a, _, _ = Edit(a, "a", t0.Add(3*time.Second), func(e *Editor) { e.SetContent("use argon2id") })
	if _, ok := DetectConflict("a", a, t0); ok {
		t.Fatal("a local write after seeing both versions should settle the conflict")
	}
}

// Every agent edits its own copy; the union of all deltas applied in any
// order, alone or coalesced, must give the same state.
func TestConvergenceUnderPermutationAndBatching(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 1))
	agents := []string{"a", "b", "c"}
	tags := []string{"x", "y", "z"}

	for round := range 20 {
		base, create := newRecord(t, fmt.Sprintf("m%d", round), "a")
		replicas := map[string]State{"a": base, "b": base, "c": base}
		all := []Delta{create}
		for step := range 15 {
			agent := agents[rng.IntN(len(agents))]
			ts := t0.Add(time.Duration(rng.IntN(100)) * time.Second)
			op := rng.IntN(6)
			next, d, err := Edit(replicas[agent], agent, ts, func(e *Editor) {
				switch op {
				case 0:
					e.SetSummary(fmt.Sprintf("%s-%d", agent, step))
				case 1:
					e.AddTag(tags[rng.IntN(len(tags))])
				case 2:
					e.RemoveTag(tags[rng.IntN(len(tags))])
				case 3:
					e.RecordAccess()
				case 4:
					e.RaiseConfidence(rng.Float64())
				case 5:
					e.SetMetadata("k", agent)
				}
			})
			if err != nil {
				t.Fatalf("edit: %v", err)
			}
			replicas[agent] = next
			all = append(all, d)
			// Occasionally gossip so later edits observe earlier ones.
			if rng.IntN(3) == 0 {
				other := agents[rng.IntN(len(agents))]
				replicas[other] = mustApply(t, replicas[other], d)
			}
		}

		want := mustApply(t, State{}, all...)
		for range 5 {
			perm := rng.Perm(len(all))
			shuffled := make([]Delta, len(all))
			for i, p := range perm {
				shuffled[i] = all[p]
			}
			if got := mustApply(t, State{}, shuffled...); !Equal(got, want) {
				t.Fatalf("round %d: permutation %v diverged", round, perm)
			}

			cut := rng.IntN(len(shuffled))
			var batch Delta
			var err error
			if cut > 0 {
				batch = shuffled[0]
				for _, d := range shuffled[1:cut] {
					if batch, err = JoinDeltas(batch, d); err != nil {
						t.Fatalf("join: %v", err)
					}
				}
			}
			got := State{}
			if cut > 0 {
				got = mustApply(t, got, batch)
			}
			got = mustApply(t, got, shuffled[cut:]...)
			if !Equal(got, want) {
				t.Fatalf("round %d: batching at %d diverged", round, cut)
			}
		}

		merged := State{}
		for _, a := range agents {
			var err error
			if merged, err = Merge(merged, mustApply(t, replicas[a], all...)); err != nil {
				t.Fatalf("merge: %v", err)
			}
		}
		if !Equal(merged, want) {
			t.Fatalf("round %d: full-state merge diverged from delta replay", round)
		}
	}
}

func TestNoOpEditKeepsClock(t *testing.T) {
	s, _ := newRecord(t, "m1", "a")
	next, d, err := Edit(s, "a", t0.Add(time.Minute), func(e *Editor) {
		e.AddTag("security")
	})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Empty() {
		t.Fatalf("expected empty delta, got %+v", d.Fields)
	}
	if !next.Clock.Equal(s.Clock) || next.Clock.Get("a") != 1 {
		t.Fatalf("no-op edit moved the clock to %v", next.Clock)
	}

	// The next real edit is the next event of a.
	_, d2, err := Edit(next, "a", t0.Add(2*time.Minute), func(e *Editor) { e.SetSummary("argon2") })
	if err != nil {
		t.Fatal(err)
	}
	if d2.Seq() != 2 {
		t.Fatalf("expected seq 2, got %d", d2.Seq())
	}
}
