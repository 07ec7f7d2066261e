package trust

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

type memStore struct {
	rows map[[2]string]AgentTrust
}

func newMemStore() *memStore { return &memStore{rows: map[[2]string]AgentTrust{}} }

func (m *memStore) GetTrust(_ context.Context, agent, target string) (AgentTrust, bool, error) {
	t, ok := m.rows[[2]string{agent, target}]
	return t, ok, nil
}

func (m *memStore) UpsertTrust(_ context.Context, t AgentTrust) error {
	m.rows[[2]string{t.AgentID, t.TargetAgent}] = t
	return nil
}

func (m *memStore) ListTrust(_ context.Context, agent string) ([]AgentTrust, error) {
	var out []AgentTrust
	for k, t := range m.rows {
		if k[0] == agent {
			out = append(out, t)
		}
	}
	return out, nil
}

func TestEvidenceScore(t *testing.T) {
	e := Evidence{Validated: 5, Contradicted: 1, Useful: 3, Total: 10}
	if got := e.Score(); math.Abs(got-0.661) > 0.001 {
		t.Fatalf("expected ~0.661, got %v", got)
	}
	if got := (Evidence{}).Score(); got != BootstrapScore {
		t.Fatalf("expected bootstrap for no evidence, got %v", got)
	}
	if got := (Evidence{Contradicted: 4, Total: 4}).Score(); got != 0 {
		t.Fatalf("expected 0 for only contradictions, got %v", got)
	}
}

func TestScorerRecordsAndDecays(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewScorer(newMemStore(), DefaultConfig())
	s.now = func() time.Time { return clock }

	fresh, err := s.Get(ctx, "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.OverallTrust != BootstrapScore {
		t.Fatalf("expected bootstrap trust, got %v", fresh.OverallTrust)
	}

	for range 5 {
		if _, err := s.RecordValidation(ctx, "a", "b", "rust"); err != nil {
			t.Fatal(err)
		}
	}
	for range 3 {
		_, _ = s.RecordUsage(ctx, "a", "b", "")
	}
	_, _ = s.RecordContradiction(ctx, "a", "b", "")
	got, _ := s.RecordUsage(ctx, "a", "b", "")
	// 5 validated, 4 useful, 1 contradicted, 10 total.
	want := (9.0 / 11) * (10.0 / 11)
	if math.Abs(got.OverallTrust-want) > 1e-9 {
		t.Fatalf("trust = %v, want %v", got.OverallTrust, want)
	}
	if got.DomainEvidence["rust"].Validated != 5 || got.For("rust") != got.DomainTrust["rust"] {
		t.Fatalf("unexpected domain evidence %+v", got.DomainEvidence)
	}
	if got.For("python") != got.OverallTrust {
		t.Fatal("unknown domain should fall back to overall trust")
	}

	clock = clock.Add(30 * 24 * time.Hour)
	decayed, _ := s.Get(ctx, "a", "b")
	wantDecayed := BootstrapScore + (want-BootstrapScore)/2
	if math.Abs(decayed.OverallTrust-wantDecayed) > 1e-9 {
		t.Fatalf("decayed trust = %v, want %v", decayed.OverallTrust, wantDecayed)
	}
	if decayed.Evidence != got.Evidence {
		t.Fatal("decay must not touch evidence")
	}
}

func TestScorerRejectsSelfEvidence(t *testing.T) {
	s := NewScorer(newMemStore(), DefaultConfig())
	if _, err := s.RecordValidation(context.Background(), "a", "a", ""); !errors.Is(err, ErrSelfEvidence) {
		t.Fatalf("expected ErrSelfEvidence, got %v", err)
	}
	if score, _ := s.Score(context.Background(), "a", "a", ""); score != 1 {
		t.Fatalf("self score = %v, want 1", score)
	}
}

func TestEffectiveConfidence(t *testing.T) {
	if got := EffectiveConfidence(0.85, 0.9); math.Abs(got-0.765) > 1e-9 {
		t.Fatalf("expected 0.765, got %v", got)
	}
}

func TestValidatorResolve(t *testing.T) {
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	v := NewValidator(DefaultConfig().ContradictionThreshold)
	tests := []struct {
		name   string
		a, b   Claim
		want   Resolution
		winner string
	}{
		{
			name:   "trust gap",
			a:      Claim{MemoryID: "m1", AgentID: "a", Trust: 0.9, Tags: []string{"x"}},
			b:      Claim{MemoryID: "m2", AgentID: "b", Trust: 0.4, Tags: []string{"x"}},
			want:   ResolutionTrustWins,
			winner: "m1",
		},
		{
			name: "different contexts",
			a:    Claim{MemoryID: "m1", Trust: 0.6, Tags: []string{"prod"}},
			b:    Claim{MemoryID: "m2", Trust: 0.5, Tags: []string{"staging"}},
			want: ResolutionContextDependent,
		},
		{
			name:   "newer and more confident",
			a:      Claim{MemoryID: "m1", Trust: 0.6, ValidTime: base, Confidence: 0.5},
			b:      Claim{MemoryID: "m2", Trust: 0.5, ValidTime: base.Add(2 * time.Hour), Confidence: 0.8},
			want:   ResolutionTemporalSupersession,
			winner: "m2",
		},
		{
			name: "newer but less confident",
			a:    Claim{MemoryID: "m1", Trust: 0.6, ValidTime: base, Confidence: 0.9},
			b:    Claim{MemoryID: "m2", Trust: 0.5, ValidTime: base.Add(2 * time.Hour), Confidence: 0.8},
			want: ResolutionNeedsHumanReview,
		},
		{
			name: "too close in time",
			a:    Claim{MemoryID: "m1", Trust: 0.6, ValidTime: base, Confidence: 0.5},
			b:    Claim{MemoryID: "m2", Trust: 0.5, ValidTime: base.Add(30 * time.Minute), Confidence: 0.8},
			want: ResolutionNeedsHumanReview,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := v.Resolve("opposing", tt.a, tt.b)
			if c.Resolution != tt.want || c.Winner != tt.winner {
				t.Fatalf("got %s/%q, want %s/%q", c.Resolution, c.Winner, tt.want, tt.winner)
			}
		})
	}
}
