package provenance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// RelationInformedBy links a memory to one that informed it.
const RelationInformedBy = "informed_by"

// Relation is a typed link between memories, possibly held by different
// agents.
type Relation struct {
	SourceMemory string    `json:"source_memory"`
	TargetMemory string    `json:"target_memory"`
	Kind         string    `json:"kind"`
	Strength     float64   `json:"strength"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists provenance.
type Store interface {
	AppendHop(ctx context.Context, memoryID string, hop Hop) error
	ListHops(ctx context.Context, memoryID string) ([]Hop, error)
	SetOrigin(ctx context.Context, memoryID string, origin Origin) error
	GetOrigin(ctx context.Context, memoryID string) (Origin, bool, error)
	AddRelation(ctx context.Context, r Relation) error
	// ListRelations returns relations of kind whose TargetMemory is memoryID.
	ListRelations(ctx context.Context, memoryID, kind string) ([]Relation, error)
}

// Tracker reads and extends provenance records.
type Tracker struct {
	store Store
	now   func() time.Time
}

// NewTracker returns a tracker over store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Begin stores the origin of a new memory and its first hop.
func (t *Tracker) Begin(ctx context.Context, memoryID string, origin Origin, hop Hop) error {
	if err := t.store.SetOrigin(ctx, memoryID, origin); err != nil {
		return fmt.Errorf("provenance origin %s: %w", memoryID, err)
	}
	return t.Record(ctx, memoryID, hop)
}

// Record appends a hop. The chain is append-only.
func (t *Tracker) Record(ctx context.Context, memoryID string, hop Hop) error {
	if hop.Timestamp.IsZero() {
		hop.Timestamp = t.now().UTC()
	}
	if err := hop.Validate(); err != nil {
		return err
	}
	if err := t.store.AppendHop(ctx, memoryID, hop); err != nil {
		return fmt.Errorf("provenance hop %s: %w", memoryID, err)
	}
	slog.Debug("Provenance: hop recorded", "memory_id", memoryID, "agent", hop.AgentID, "action", hop.Action, "delta", hop.ConfidenceDelta)
	return nil
}

// Get returns the record for memoryID. Memories without a stored origin get
// one inferred from their chain; memories without any provenance are Human.
func (t *Tracker) Get(ctx context.Context, memoryID string) (Record, error) {
	hops, err := t.store.ListHops(ctx, memoryID)
	if err != nil {
		return Record{}, err
	}
	origin, ok, err := t.store.GetOrigin(ctx, memoryID)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		origin = DetectOrigin(hops)
	}
	return Record{MemoryID: memoryID, Origin: origin, Chain: hops}, nil
}

// Relate records that source informed target (or another kind of link).
func (t *Tracker) Relate(ctx context.Context, r Relation) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = t.now().UTC()
	}
	return t.store.AddRelation(ctx, r)
}

// upstream returns the memories memoryID derives from: origin sources and
// informed_by relations.
func (t *Tracker) upstream(ctx context.Context, rec Record) ([]string, error) {
	ups := slices.Clone(rec.Origin.Upstream())
	rels, err := t.store.ListRelations(ctx, rec.MemoryID, RelationInformedBy)
	if err != nil {
		return nil, err
	}
	for _, r := range rels {
		if !slices.Contains(ups, r.SourceMemory) {
			ups = append(ups, r.SourceMemory)
		}
	}
	return ups, nil
}
