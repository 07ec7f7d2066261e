package memory

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"
)

func richDelta(t *testing.T) (State, Delta) {
	t.Helper()
	base, _ := newRecord(t, "m1", "a")
	b, _, _ := Edit(base, "b", t0.Add(time.Second), func(e *Editor) { e.SetContent("other") })
	base = mustApply(t, base, Diff(base, b))
	s, d, err := Edit(base, "a", t0.Add(2*time.Second), func(e *Editor) {
		e.SetImportance("high")
		e.SetTime(FieldValidUntil, t0.Add(24*time.Hour))
		e.SetArchived(true)
		e.RaiseConfidence(0.9)
		e.RecordAccess()
		e.RemoveTag("security")
		e.Add(FieldLinkedFiles, "src/auth/hasher.go")
		e.Add(FieldLinkedFunctions, "HashPassword")
		e.SetMetadata("severity", "high")
		e.DeleteMetadata("stale")
		e.SetContent("merged")
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	return s, d
}

func TestBinaryCodecRoundTrip(t *testing.T) {
	_, d := richDelta(t)
	d.Mode = ModeJoin

	raw := EncodeDelta(d)
	back, err := DecodeDelta(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(EncodeDelta(back), raw) {
		t.Fatal("re-encoding changed the bytes")
	}
	want, _ := EncodeJSON(d)
	got, _ := EncodeJSON(back)
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch\nwant %s\ngot  %s", want, got)
	}
}

func TestBinaryCodecIsSmallerThanJSON(t *testing.T) {
	_, d := richDelta(t)
	js, _ := EncodeJSON(d)
	if bin := EncodeDelta(d); len(bin) >= len(js) {
		t.Fatalf("binary %d bytes, json %d bytes", len(bin), len(js))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeDelta([]byte{0x0a, 0xff}); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
	if _, err := DecodeJSON([]byte(`{"memory_id":"m1","fields":[{"field":"nope"}]}`)); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
}

func TestJSONCodecAppliesLikeBinary(t *testing.T) {
	s, d := richDelta(t)
	js, err := EncodeJSON(d)
	if err != nil {
		t.Fatal(err)
	}
	fromJSON, err := DecodeJSON(js)
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	fromBin, err := DecodeDelta(EncodeDelta(d))
	if err != nil {
		t.Fatalf("decode binary: %v", err)
	}
	prev, _ := newRecord(t, "m1", "a")
	if !Equal(mustApply(t, prev, fromJSON), mustApply(t, prev, fromBin)) {
		t.Fatal("codecs disagree")
	}
	if got := mustApply(t, s, fromBin); !Equal(got, s) {
		t.Fatal("re-applying a decoded delta should be a no-op")
	}
}

func TestCompressLevels(t *testing.T) {
	_, d := newRecord(t, "m1", "a")
	cases := []struct {
		level   int
		keep    []Field
		dropped []Field
	}{
		{LevelMinimal, []Field{FieldNamespace, FieldMemoryType}, []Field{FieldSummary, FieldTags, FieldContent}},
		{LevelSummary, []Field{FieldSummary, FieldTags, FieldBaseConfidence}, []Field{FieldContent}},
		{LevelLinked, []Field{FieldSummary, FieldTags}, []Field{FieldContent, FieldContentVersions}},
		{LevelFull, []Field{FieldContent, FieldContentVersions, FieldSummary}, nil},
	}
	for _, tc := range cases {
		c, err := Compress(d, tc.level)
		if err != nil {
			t.Fatalf("level %d: %v", tc.level, err)
		}
		if c.Mode != ModeJoin {
			t.Errorf("level %d: compressed deltas must be ModeJoin", tc.level)
		}
		for _, f := range tc.keep {
			if !c.Has(f) {
				t.Errorf("level %d: expected %s kept", tc.level, f)
			}
		}
		for _, f := range tc.dropped {
			if c.Has(f) {
				t.Errorf("level %d: expected %s dropped", tc.level, f)
			}
		}
	}
	if _, err := Compress(d, 4); err == nil {
		t.Fatal("expected error for level 4")
	}
}

func TestDecayFactor(t *testing.T) {
	day := 24 * time.Hour
	if got := DecayFactor(t0, t0, 30*day, 0.1); got != 1 {
		t.Errorf("no elapsed time: got %v, want 1", got)
	}
	if got := DecayFactor(t0, t0.Add(30*day), 30*day, 0.1); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("one half-life: got %v, want 0.5", got)
	}
	if got := DecayFactor(t0, t0.Add(3650*day), 30*day, 0.1); got != 0.1 {
		t.Errorf("floor: got %v, want 0.1", got)
	}
	if got := DecayFactor(time.Time{}, t0, 30*day, 0.1); got != 1 {
		t.Errorf("never accessed: got %v, want 1", got)
	}
}

func TestReplicaDerivedFields(t *testing.T) {
	s, _ := newRecord(t, "m1", "a")
	r := NewReplica("a", s, t0.Add(90*24*time.Hour), DefaultDecay)
	if r.ContentHash != ContentHash("Always use bcrypt for password hashing.") {
		t.Fatalf("unexpected hash %s", r.ContentHash)
	}
	if got := r.EffectiveConfidence(); math.Abs(got-0.35) > 1e-9 {
		t.Fatalf("expected 0.7 * 0.5 = 0.35, got %v", got)
	}
	snap := r.Snapshot()
	if snap.Namespace != "agent://a/" || len(snap.Tags) != 1 || snap.Tags[0] != "security" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
