package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KafClaw/memmesh/internal/crdt"
)

var (
	// ErrMergeInvariantViolation means a merge would make a monotonic
	// attribute regress or joined records with different ids. It is fatal for
	// the record and is never swallowed.
	ErrMergeInvariantViolation = errors.New("merge invariant violation")

	// ErrInvalidDelta is returned for structurally malformed deltas.
	ErrInvalidDelta = errors.New("invalid delta")
)

// SetDelta carries the new adds and tombstones of one OR-Set field.
type SetDelta struct {
	Added   []crdt.TaggedAdd[string] `json:"added,omitempty"`
	Removed []crdt.Removal           `json:"removed,omitempty"`
}

// FieldDelta is the change to one field. Exactly one payload is set, and it
// must match the field's Kind.
type FieldDelta struct {
	Field Field `json:"field"`

	Text       *crdt.LWWRegister[string]  `json:"text,omitempty"`
	Time       *crdt.LWWRegister[int64]   `json:"time,omitempty"`
	Flag       *crdt.LWWRegister[bool]    `json:"flag,omitempty"`
	Confidence *crdt.MaxRegister[float64] `json:"confidence,omitempty"`
	Instant    *crdt.MaxRegister[int64]   `json:"instant,omitempty"`
	Counter    *crdt.GCounter             `json:"counter,omitempty"`
	Set        *SetDelta                  `json:"set,omitempty"`
	Map        *crdt.LWWMap[string]       `json:"map,omitempty"`
	Multi      *crdt.MVRegister[string]   `json:"multi,omitempty"`
}

func (fd FieldDelta) payloads() int {
	n := 0
	for _, set := range []bool{
		fd.Text != nil, fd.Time != nil, fd.Flag != nil, fd.Confidence != nil, fd.Instant != nil,
		fd.Counter != nil, fd.Set != nil, fd.Map != nil, fd.Multi != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Validate checks the payload matches the field kind.
func (fd FieldDelta) Validate() error {
	if !fd.Field.Valid() {
		return fmt.Errorf("%w: unknown field %d", ErrInvalidDelta, uint8(fd.Field))
	}
	if fd.payloads() != 1 {
		return fmt.Errorf("%w: field %s carries %d payloads", ErrInvalidDelta, fd.Field, fd.payloads())
	}
	var ok bool
	switch fd.Field.Kind() {
	case KindLWWString:
		ok = fd.Text != nil
	case KindLWWTime:
		ok = fd.Time != nil
	case KindLWWBool:
		ok = fd.Flag != nil
	case KindMaxFloat:
		ok = fd.Confidence != nil
	case KindMaxTime:
		ok = fd.Instant != nil
	case KindCounter:
		ok = fd.Counter != nil
	case KindSet:
		ok = fd.Set != nil
	case KindMap:
		ok = fd.Map != nil
	case KindMulti:
		ok = fd.Multi != nil
	}
	if !ok {
		return fmt.Errorf("%w: payload does not match field %s", ErrInvalidDelta, fd.Field)
	}
	return nil
}

// Mode controls how a receiver admits a delta.
type Mode uint8

const (
	// ModeCausal deltas wait in the causal buffer until their dependencies
	// have been applied.
	ModeCausal Mode = iota
	// ModeJoin deltas are joined immediately. Used for full-state transfers
	// and projection pushes, where the receiver never sees every event.
	ModeJoin
)

// Delta is the set of field changes produced by one local edit (or a join of
// several), stamped with the record clock after the edit.
type Delta struct {
	MemoryID    string           `json:"memory_id"`
	SourceAgent string           `json:"source_agent,omitempty"`
	Origin      string           `json:"origin"`
	Clock       crdt.VectorClock `json:"clock"`
	Fields      []FieldDelta     `json:"fields"`
	Mode        Mode             `json:"mode,omitempty"`
	CreatedAt   int64            `json:"created_at,omitempty"`
}

// Validate checks the envelope and every field.
func (d Delta) Validate() error {
	if d.MemoryID == "" {
		return fmt.Errorf("%w: missing memory id", ErrInvalidDelta)
	}
	seen := make(map[Field]bool, len(d.Fields))
	for _, fd := range d.Fields {
		if err := fd.Validate(); err != nil {
			return err
		}
		if seen[fd.Field] {
			return fmt.Errorf("%w: field %s repeated", ErrInvalidDelta, fd.Field)
		}
		seen[fd.Field] = true
	}
	return nil
}

// Seq is the origin's entry in the delta clock, which identifies the edit.
func (d Delta) Seq() uint64 {
	return d.Clock.Get(d.Origin)
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Fields) == 0
}

// Has reports whether the delta touches f.
func (d Delta) Has(f Field) bool {
	for _, fd := range d.Fields {
		if fd.Field == f {
			return true
		}
	}
	return false
}

// Diff extracts the changes next holds over old as a delta.
func Diff(old, next State) Delta {
	d := Delta{
		MemoryID:    next.ID,
		SourceAgent: next.SourceAgent,
		Clock:       next.Clock.Clone(),
	}
	for _, f := range Fields() {
		if fd, ok := diffField(f, &old, &next); ok {
			d.Fields = append(d.Fields, fd)
		}
	}
	return d
}

func diffField(f Field, old, next *State) (FieldDelta, bool) {
	fd := FieldDelta{Field: f}
	switch f.Kind() {
	case KindLWWString:
		o, n := old.Text(f), next.Text(f)
		if n.Same(*o) {
			return fd, false
		}
		v := *n
		fd.Text = &v
	case KindLWWTime:
		o, n := old.Time(f), next.Time(f)
		if n.Same(*o) {
			return fd, false
		}
		v := *n
		fd.Time = &v
	case KindLWWBool:
		if next.Archived.Same(old.Archived) {
			return fd, false
		}
		v := next.Archived
		fd.Flag = &v
	case KindMaxFloat:
		if next.BaseConfidence.Value() == old.BaseConfidence.Value() {
			return fd, false
		}
		v := next.BaseConfidence
		fd.Confidence = &v
	case KindMaxTime:
		if next.LastAccessed.Value() == old.LastAccessed.Value() {
			return fd, false
		}
		v := next.LastAccessed
		fd.Instant = &v
	case KindCounter:
		c := crdt.NewGCounter()
		for a, n := range next.AccessCount.Counts {
			if n > old.AccessCount.Get(a) {
				c.Counts[a] = n
			}
		}
		if len(c.Counts) == 0 {
			return fd, false
		}
		fd.Counter = &c
	case KindSet:
		adds, removed := next.Set(f).DeltaSince(*old.Set(f))
		if len(adds) == 0 && len(removed) == 0 {
			return fd, false
		}
		fd.Set = &SetDelta{Added: adds, Removed: removed}
	case KindMap:
		m := crdt.NewLWWMap[string]()
		for k, reg := range next.Metadata.Entries {
			if cur, ok := old.Metadata.Entries[k]; ok && cur.Same(reg) {
				continue
			}
			m.Entries[k] = reg
		}
		if len(m.Entries) == 0 {
			return fd, false
		}
		fd.Map = &m
	case KindMulti:
		if sameMulti(old.ContentVersions, next.ContentVersions) {
			return fd, false
		}
		v := crdt.MVRegister[string]{}.Merge(next.ContentVersions)
		fd.Multi = &v
	}
	return fd, true
}

func sameMulti(a, b crdt.MVRegister[string]) bool {
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return bytes.Equal(ja, jb)
}

// Apply joins d into s and returns the new state. Apply is idempotent and
// commutative across deltas. The input state is never modified.
func Apply(s State, d Delta) (State, error) {
	if err := d.Validate(); err != nil {
		return s, err
	}
	if s.ID != "" && s.ID != d.MemoryID {
		return s, fmt.Errorf("%w: delta for %s applied to %s", ErrMergeInvariantViolation, d.MemoryID, s.ID)
	}
	out := s.Clone()
	if out.ID == "" {
		out.ID = d.MemoryID
	}
	out.SourceAgent = joinSource(out.SourceAgent, d.SourceAgent)
	for _, fd := range d.Fields {
		applyField(&out, fd)
	}
	out.Clock = out.Clock.Merge(d.Clock)
	if err := checkInvariants(s, out); err != nil {
		return s, err
	}
	return out, nil
}

func applyField(s *State, fd FieldDelta) {
	f := fd.Field
	switch f.Kind() {
	case KindLWWString:
		r := s.Text(f)
		*r = r.Merge(*fd.Text)
	case KindLWWTime:
		r := s.Time(f)
		*r = r.Merge(*fd.Time)
	case KindLWWBool:
		s.Archived = s.Archived.Merge(*fd.Flag)
	case KindMaxFloat:
		s.BaseConfidence = s.BaseConfidence.Merge(*fd.Confidence)
	case KindMaxTime:
		s.LastAccessed = s.LastAccessed.Merge(*fd.Instant)
	case KindCounter:
		s.AccessCount = s.AccessCount.Merge(*fd.Counter)
	case KindSet:
		s.Set(f).ApplyDelta(fd.Set.Added, fd.Set.Removed)
	case KindMap:
		s.Metadata = s.Metadata.Merge(*fd.Map)
	case KindMulti:
		s.ContentVersions = s.ContentVersions.Merge(*fd.Multi)
	}
}

// Merge joins two full states of the same record.
func Merge(a, b State) (State, error) {
	if a.ID != "" && b.ID != "" && a.ID != b.ID {
		return a, fmt.Errorf("%w: cannot merge %s with %s", ErrMergeInvariantViolation, a.ID, b.ID)
	}
	if b.ID == "" {
		return a.Clone(), nil
	}
	d := Diff(State{}, b)
	d.Origin = b.SourceAgent
	d.Mode = ModeJoin
	out, err := Apply(a, d)
	if err != nil {
		return a, err
	}
	if !out.Clock.Covers(b.Clock) {
		return a, fmt.Errorf("%w: merged clock %v does not cover %v", ErrMergeInvariantViolation, out.Clock, b.Clock)
	}
	return out, nil
}

// JoinDeltas coalesces two deltas for the same record into one. The result
// is a ModeJoin delta since it no longer maps to a single edit.
func JoinDeltas(a, b Delta) (Delta, error) {
	if a.MemoryID != b.MemoryID {
		return a, fmt.Errorf("%w: cannot join deltas for %s and %s", ErrInvalidDelta, a.MemoryID, b.MemoryID)
	}
	s, err := Apply(State{}, a)
	if err != nil {
		return a, err
	}
	if s, err = Apply(s, b); err != nil {
		return a, err
	}
	out := Diff(State{}, s)
	out.Origin = b.Origin
	out.Mode = ModeJoin
	out.CreatedAt = max(a.CreatedAt, b.CreatedAt)
	return out, nil
}

// Equal compares two states by their canonical JSON form.
func Equal(a, b State) bool {
	ja, err := json.Marshal(a.Clone())
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b.Clone())
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func joinSource(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case b < a:
		return b
	}
	return a
}

func checkInvariants(before, after State) error {
	if !after.Clock.Covers(before.Clock) {
		return fmt.Errorf("%w: clock regressed from %v to %v", ErrMergeInvariantViolation, before.Clock, after.Clock)
	}
	for a, n := range before.AccessCount.Counts {
		if after.AccessCount.Get(a) < n {
			return fmt.Errorf("%w: access count for %s regressed", ErrMergeInvariantViolation, a)
		}
	}
	if after.BaseConfidence.Value() < before.BaseConfidence.Value() {
		return fmt.Errorf("%w: confidence regressed", ErrMergeInvariantViolation)
	}
	if after.LastAccessed.Value() < before.LastAccessed.Value() {
		return fmt.Errorf("%w: last access regressed", ErrMergeInvariantViolation)
	}
	return nil
}
