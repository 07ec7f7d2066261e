package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"
)

// Replica is one agent's local copy of a record: the replicated State plus
// attributes that are derived or purely local and never travel in deltas.
type Replica struct {
	State

	Owner       string    `json:"owner"`
	ReadOnly    bool      `json:"read_only,omitempty"`
	DecayFactor float64   `json:"decay_factor"`
	ContentHash string    `json:"content_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Decay parameters for the local decay factor.
type Decay struct {
	HalfLife time.Duration
	Floor    float64
}

// DefaultDecay halves effective confidence after 90 days without access and
// never drops below 0.1.
var DefaultDecay = Decay{HalfLife: 90 * 24 * time.Hour, Floor: 0.1}

// NewReplica wraps s for owner and computes derived attributes.
func NewReplica(owner string, s State, now time.Time, decay Decay) *Replica {
	r := &Replica{Owner: owner, State: s}
	r.Refresh(now, decay)
	return r
}

// Refresh recomputes the content hash and local decay factor. Call after
// every apply or edit.
func (r *Replica) Refresh(now time.Time, decay Decay) {
	r.ContentHash = ContentHash(r.Content.Value())
	last := r.LastAccessed.Value()
	if last == 0 {
		last = r.Content.Timestamp
	}
	r.DecayFactor = DecayFactor(time.Unix(0, last), now, decay.HalfLife, decay.Floor)
	r.UpdatedAt = now
}

// EffectiveConfidence is base confidence scaled by the local decay factor.
func (r *Replica) EffectiveConfidence() float64 {
	return r.BaseConfidence.Value() * r.DecayFactor
}

// ContentHash is the hex SHA-256 of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// DecayFactor is an exponential decay in [floor, 1] over the time since
// lastAccess. A zero lastAccess or half-life means no decay.
func DecayFactor(lastAccess, now time.Time, halfLife time.Duration, floor float64) float64 {
	if halfLife <= 0 || lastAccess.IsZero() || lastAccess.UnixNano() == 0 || !now.After(lastAccess) {
		return 1
	}
	f := math.Pow(0.5, float64(now.Sub(lastAccess))/float64(halfLife))
	return math.Max(f, floor)
}

// Snapshot is the flattened, read-only view of a replica used by filters,
// the CLI and JSON output.
type Snapshot struct {
	ID                  string            `json:"id"`
	Owner               string            `json:"owner"`
	SourceAgent         string            `json:"source_agent"`
	Namespace           string            `json:"namespace"`
	MemoryType          string            `json:"memory_type"`
	Summary             string            `json:"summary,omitempty"`
	Content             string            `json:"content,omitempty"`
	Importance          string            `json:"importance,omitempty"`
	SupersededBy        string            `json:"superseded_by,omitempty"`
	ValidTime           time.Time         `json:"valid_time,omitzero"`
	ValidUntil          time.Time         `json:"valid_until,omitzero"`
	Archived            bool              `json:"archived,omitempty"`
	ReadOnly            bool              `json:"read_only,omitempty"`
	BaseConfidence      float64           `json:"base_confidence"`
	EffectiveConfidence float64           `json:"effective_confidence"`
	AccessCount         uint64            `json:"access_count"`
	LastAccessed        time.Time         `json:"last_accessed,omitzero"`
	Tags                []string          `json:"tags,omitempty"`
	LinkedFiles         []string          `json:"linked_files,omitempty"`
	LinkedFunctions     []string          `json:"linked_functions,omitempty"`
	LinkedPatterns      []string          `json:"linked_patterns,omitempty"`
	LinkedConstraints   []string          `json:"linked_constraints,omitempty"`
	Supersedes          []string          `json:"supersedes,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	ContentVersions     []string          `json:"content_versions,omitempty"`
	ContentHash         string            `json:"content_hash"`
	Clock               string            `json:"clock"`
	CreatedAt           time.Time         `json:"created_at,omitzero"`
}

// Snapshot flattens the replica.
func (r *Replica) Snapshot() Snapshot {
	s := Snapshot{
		ID:                  r.ID,
		Owner:               r.Owner,
		SourceAgent:         r.SourceAgent,
		Namespace:           r.Namespace.Value(),
		MemoryType:          r.MemoryType.Value(),
		Summary:             r.Summary.Value(),
		Content:             r.Content.Value(),
		Importance:          r.Importance.Value(),
		SupersededBy:        r.SupersededBy.Value(),
		ValidTime:           fromNanos(r.ValidTime.Value()),
		ValidUntil:          fromNanos(r.ValidUntil.Value()),
		Archived:            r.Archived.Value(),
		ReadOnly:            r.ReadOnly,
		BaseConfidence:      r.BaseConfidence.Value(),
		EffectiveConfidence: r.EffectiveConfidence(),
		AccessCount:         r.AccessCount.Value(),
		LastAccessed:        fromNanos(r.LastAccessed.Value()),
		Tags:                r.Tags.Elements(),
		LinkedFiles:         r.LinkedFiles.Elements(),
		LinkedFunctions:     r.LinkedFunctions.Elements(),
		LinkedPatterns:      r.LinkedPatterns.Elements(),
		LinkedConstraints:   r.LinkedConstraints.Elements(),
		Supersedes:          r.Supersedes.Elements(),
		ContentHash:         r.ContentHash,
		Clock:               r.Clock.String(),
		CreatedAt:           fromNanos(r.MemoryType.Timestamp),
	}
	if keys := r.Metadata.Keys(); len(keys) > 0 {
		s.Metadata = make(map[string]string, len(keys))
		for _, k := range keys {
			s.Metadata[k], _ = r.Metadata.Get(k)
		}
	}
	if r.ContentVersions.Conflicted() {
		s.ContentVersions = r.ContentVersions.Values()
	}
	return s
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
