package memory

import (
	"github.com/KafClaw/memmesh/internal/crdt"
)

// State is the replicated part of a memory record. Every mutable attribute is
// a CRDT, so two States for the same ID always join to the same result.
type State struct {
	ID          string `json:"id"`
	SourceAgent string `json:"source_agent"`

	Namespace    crdt.LWWRegister[string] `json:"namespace"`
	MemoryType   crdt.LWWRegister[string] `json:"memory_type"`
	Summary      crdt.LWWRegister[string] `json:"summary"`
	Content      crdt.LWWRegister[string] `json:"content"`
	Importance   crdt.LWWRegister[string] `json:"importance"`
	SupersededBy crdt.LWWRegister[string] `json:"superseded_by"`
	ValidTime    crdt.LWWRegister[int64]  `json:"valid_time"`
	ValidUntil   crdt.LWWRegister[int64]  `json:"valid_until"`
	Archived     crdt.LWWRegister[bool]   `json:"archived"`

	BaseConfidence crdt.MaxRegister[float64] `json:"base_confidence"`
	AccessCount    crdt.GCounter             `json:"access_count"`
	LastAccessed   crdt.MaxRegister[int64]   `json:"last_accessed"`

	Tags              crdt.ORSet[string] `json:"tags"`
	LinkedFiles       crdt.ORSet[string] `json:"linked_files"`
	LinkedFunctions   crdt.ORSet[string] `json:"linked_functions"`
	LinkedPatterns    crdt.ORSet[string] `json:"linked_patterns"`
	LinkedConstraints crdt.ORSet[string] `json:"linked_constraints"`
	Supersedes        crdt.ORSet[string] `json:"supersedes"`

	Metadata        crdt.LWWMap[string]     `json:"metadata"`
	ContentVersions crdt.MVRegister[string] `json:"content_versions"`

	Clock crdt.VectorClock `json:"clock"`
}

// NewState returns an empty state for id.
func NewState(id, sourceAgent string) State {
	return State{
		ID:                id,
		SourceAgent:       sourceAgent,
		AccessCount:       crdt.NewGCounter(),
		Tags:              crdt.NewORSet[string](),
		LinkedFiles:       crdt.NewORSet[string](),
		LinkedFunctions:   crdt.NewORSet[string](),
		LinkedPatterns:    crdt.NewORSet[string](),
		LinkedConstraints: crdt.NewORSet[string](),
		Supersedes:        crdt.NewORSet[string](),
		Metadata:          crdt.NewLWWMap[string](),
		Clock:             crdt.NewVectorClock(),
	}
}

// Clone returns a deep copy; registers are values, the rest is re-joined into
// fresh containers.
func (s State) Clone() State {
	out := s
	out.AccessCount = crdt.NewGCounter().Merge(s.AccessCount)
	out.Tags = s.Tags.Clone()
	out.LinkedFiles = s.LinkedFiles.Clone()
	out.LinkedFunctions = s.LinkedFunctions.Clone()
	out.LinkedPatterns = s.LinkedPatterns.Clone()
	out.LinkedConstraints = s.LinkedConstraints.Clone()
	out.Supersedes = s.Supersedes.Clone()
	out.Metadata = crdt.NewLWWMap[string]().Merge(s.Metadata)
	out.ContentVersions = crdt.MVRegister[string]{}.Merge(s.ContentVersions)
	out.Clock = s.Clock.Clone()
	return out
}

// Set returns the OR-Set backing a set field, nil for other kinds.
func (s *State) Set(f Field) *crdt.ORSet[string] {
	switch f {
	case FieldTags:
		return &s.Tags
	case FieldLinkedFiles:
		return &s.LinkedFiles
	case FieldLinkedFunctions:
		return &s.LinkedFunctions
	case FieldLinkedPatterns:
		return &s.LinkedPatterns
	case FieldLinkedConstraints:
		return &s.LinkedConstraints
	case FieldSupersedes:
		return &s.Supersedes
	}
	return nil
}

// Compact drops set tombstones whose remove is covered by stable, a clock
// every replica of the record has reached. The record clock is unchanged.
func (s *State) Compact(stable crdt.VectorClock) int {
	n := 0
	for _, f := range Fields() {
		if set := s.Set(f); set != nil {
			n += set.Compact(stable)
		}
	}
	return n
}

// Tombstones counts the set tombstones the record still carries.
func (s *State) Tombstones() int {
	n := 0
	for _, f := range Fields() {
		if set := s.Set(f); set != nil {
			n += set.Tombstones()
		}
	}
	return n
}

// Text returns the register backing a string field, nil for other kinds.
func (s *State) Text(f Field) *crdt.LWWRegister[string] {
	switch f {
	case FieldNamespace:
		return &s.Namespace
	case FieldMemoryType:
		return &s.MemoryType
	case FieldSummary:
		return &s.Summary
	case FieldContent:
		return &s.Content
	case FieldImportance:
		return &s.Importance
	case FieldSupersededBy:
		return &s.SupersededBy
	}
	return nil
}

// Time returns the register backing a timestamp field, nil for other kinds.
func (s *State) Time(f Field) *crdt.LWWRegister[int64] {
	switch f {
	case FieldValidTime:
		return &s.ValidTime
	case FieldValidUntil:
		return &s.ValidUntil
	}
	return nil
}

// Empty reports whether nothing has been written yet.
func (s State) Empty() bool {
	return s.ID == "" && len(s.Clock.Agents()) == 0
}
