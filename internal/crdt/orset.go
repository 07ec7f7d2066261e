package crdt

import (
	"cmp"
	"encoding/json"
	"fmt"
	"sort"
)

// Tag uniquely identifies one add (or remove) operation: the agent, the
// agent's clock value for the edit, and the position inside that edit.
type Tag struct {
	Agent string `json:"agent"`
	Seq   uint64 `json:"seq"`
	N     uint32 `json:"n,omitempty"`
}

func (t Tag) String() string {
	return fmt.Sprintf("%s@%d.%d", t.Agent, t.Seq, t.N)
}

// Compare orders tags by agent, then seq, then position.
func (t Tag) Compare(o Tag) int {
	if c := cmp.Compare(t.Agent, o.Agent); c != 0 {
		return c
	}
	if c := cmp.Compare(t.Seq, o.Seq); c != 0 {
		return c
	}
	return cmp.Compare(t.N, o.N)
}

// ORSet is an add-wins observed-remove set. A remove only hides the tags it
// observed, so a concurrent add with a fresh tag survives.
//
// Compact drops tombstones every replica has seen and remembers the stable
// clock as a floor: a tag at or below the floor that is not held any more
// was compacted, so a late copy of it is ignored instead of resurrecting
// the element.
type ORSet[T comparable] struct {
	adds    map[Tag]T
	removed map[Tag]Tag // removed add tag -> tag of the remove op
	floor   VectorClock
}

// NewORSet returns an empty set.
func NewORSet[T comparable]() ORSet[T] {
	return ORSet[T]{adds: make(map[Tag]T), removed: make(map[Tag]Tag)}
}

func (s *ORSet[T]) init() {
	if s.adds == nil {
		s.adds = make(map[Tag]T)
	}
	if s.removed == nil {
		s.removed = make(map[Tag]Tag)
	}
}

// Add inserts elem under tag. Re-adding a tag is a no-op.
func (s *ORSet[T]) Add(elem T, tag Tag) {
	s.init()
	s.adds[tag] = elem
}

// Remove tombstones every live tag currently carrying elem and returns them.
func (s *ORSet[T]) Remove(elem T, by Tag) []Tag {
	s.init()
	var tags []Tag
	for t, e := range s.adds {
		if e != elem {
			continue
		}
		if _, gone := s.removed[t]; gone {
			continue
		}
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Compare(tags[j]) < 0 })
	s.RemoveTags(tags, by)
	return tags
}

// compacted reports whether t was dropped by an earlier Compact.
func (s ORSet[T]) compacted(t Tag) bool {
	if s.floor.Get(t.Agent) < t.Seq {
		return false
	}
	_, ok := s.adds[t]
	return !ok
}

// RemoveTags tombstones specific tags. Tags not yet seen are still recorded,
// so a remove that overtakes its add is not lost.
func (s *ORSet[T]) RemoveTags(tags []Tag, by Tag) {
	s.init()
	for _, t := range tags {
		if s.compacted(t) {
			continue
		}
		if prev, ok := s.removed[t]; ok && prev.Compare(by) <= 0 {
			continue
		}
		s.removed[t] = by
	}
}

// Contains reports whether elem has at least one live tag.
func (s ORSet[T]) Contains(elem T) bool {
	for t, e := range s.adds {
		if e != elem {
			continue
		}
		if _, gone := s.removed[t]; !gone {
			return true
		}
	}
	return false
}

// Elements returns the live elements ordered by their textual form.
func (s ORSet[T]) Elements() []T {
	seen := make(map[T]bool)
	out := make([]T, 0, len(s.adds))
	for t, e := range s.adds {
		if _, gone := s.removed[t]; gone || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return fmt.Sprint(out[i]) < fmt.Sprint(out[j]) })
	return out
}

// Len is the number of live elements.
func (s ORSet[T]) Len() int {
	return len(s.Elements())
}

// Merge unions adds and tombstones.
func (s ORSet[T]) Merge(o ORSet[T]) ORSet[T] {
	out := s.Clone()
	out.floor = out.floor.Merge(o.floor)
	for t, e := range o.adds {
		if _, ok := out.adds[t]; !ok && !out.compacted(t) {
			out.adds[t] = e
		}
	}
	for t, by := range o.removed {
		out.RemoveTags([]Tag{t}, by)
	}
	return out
}

// Clone returns a deep copy.
func (s ORSet[T]) Clone() ORSet[T] {
	out := NewORSet[T]()
	for t, e := range s.adds {
		out.adds[t] = e
	}
	for t, by := range s.removed {
		out.removed[t] = by
	}
	if s.floor != nil {
		out.floor = s.floor.Clone()
	}
	return out
}

// Compact drops tombstones (and the adds they hide) whose remove op is
// covered by stable, the clock every replica is known to have reached.
// Returns the number of tombstones dropped.
func (s *ORSet[T]) Compact(stable VectorClock) int {
	s.init()
	s.floor = s.floor.Merge(stable)
	n := 0
	for t, by := range s.removed {
		if stable.Get(by.Agent) < by.Seq {
			continue
		}
		delete(s.removed, t)
		delete(s.adds, t)
		n++
	}
	return n
}

// Tombstones is the number of removed tags still retained.
func (s ORSet[T]) Tombstones() int {
	return len(s.removed)
}

// TaggedAdd pairs an element with the tag it was added under.
type TaggedAdd[T any] struct {
	Elem T   `json:"elem"`
	Tag  Tag `json:"tag"`
}

// Removal records that Tag was removed by the op stamped By.
type Removal struct {
	Tag Tag `json:"tag"`
	By  Tag `json:"by"`
}

// Adds returns every add entry, live or not, ordered by tag.
func (s ORSet[T]) Adds() []TaggedAdd[T] {
	out := make([]TaggedAdd[T], 0, len(s.adds))
	for t, e := range s.adds {
		out = append(out, TaggedAdd[T]{Elem: e, Tag: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag.Compare(out[j].Tag) < 0 })
	return out
}

// Removals returns every tombstone ordered by tag.
func (s ORSet[T]) Removals() []Removal {
	out := make([]Removal, 0, len(s.removed))
	for t, by := range s.removed {
		out = append(out, Removal{Tag: t, By: by})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag.Compare(out[j].Tag) < 0 })
	return out
}

// DeltaSince returns the adds and tombstones s holds that old does not.
func (s ORSet[T]) DeltaSince(old ORSet[T]) ([]TaggedAdd[T], []Removal) {
	var adds []TaggedAdd[T]
	for _, a := range s.Adds() {
		if _, ok := old.adds[a.Tag]; !ok {
			adds = append(adds, a)
		}
	}
	var removed []Removal
	for _, r := range s.Removals() {
		if by, ok := old.removed[r.Tag]; !ok || by != r.By {
			removed = append(removed, r)
		}
	}
	return adds, removed
}

// ApplyDelta joins a set of adds and tombstones into s.
func (s *ORSet[T]) ApplyDelta(adds []TaggedAdd[T], removed []Removal) {
	s.init()
	for _, a := range adds {
		if _, ok := s.adds[a.Tag]; !ok && !s.compacted(a.Tag) {
			s.adds[a.Tag] = a.Elem
		}
	}
	for _, r := range removed {
		s.RemoveTags([]Tag{r.Tag}, r.By)
	}
}

// HasTag reports whether tag is known, either as an add or a tombstone.
func (s ORSet[T]) HasTag(tag Tag) bool {
	if _, ok := s.adds[tag]; ok {
		return true
	}
	_, ok := s.removed[tag]
	return ok
}

// IsRemoved reports whether tag carries a tombstone.
func (s ORSet[T]) IsRemoved(tag Tag) bool {
	_, ok := s.removed[tag]
	return ok
}

// Equal compares the full internal state, tombstones included.
func (s ORSet[T]) Equal(o ORSet[T]) bool {
	if len(s.adds) != len(o.adds) || len(s.removed) != len(o.removed) {
		return false
	}
	for t, e := range s.adds {
		if oe, ok := o.adds[t]; !ok || oe != e {
			return false
		}
	}
	for t, by := range s.removed {
		if ob, ok := o.removed[t]; !ok || ob != by {
			return false
		}
	}
	return true
}

type orsetJSON[T any] struct {
	Adds    []TaggedAdd[T] `json:"adds,omitempty"`
	Removed []Removal      `json:"removed,omitempty"`
	Floor   VectorClock    `json:"floor,omitempty"`
}

func (s ORSet[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(orsetJSON[T]{Adds: s.Adds(), Removed: s.Removals(), Floor: s.floor})
}

func (s *ORSet[T]) UnmarshalJSON(b []byte) error {
	var raw orsetJSON[T]
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = NewORSet[T]()
	for _, a := range raw.Adds {
		s.adds[a.Tag] = a.Elem
	}
	for _, r := range raw.Removed {
		s.removed[r.Tag] = r.By
	}
	if len(raw.Floor) > 0 {
		s.floor = raw.Floor
	}
	return nil
}
