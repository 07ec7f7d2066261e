package crdt

import "sort"

// MapEntry is a map slot; Deleted marks a tombstone so deletes replicate.
type MapEntry[V any] struct {
	Value   V    `json:"value"`
	Deleted bool `json:"deleted,omitempty"`
}

// LWWMap is a map of last-writer-wins registers keyed by string.
type LWWMap[V any] struct {
	Entries map[string]LWWRegister[MapEntry[V]] `json:"entries,omitempty"`
}

// NewLWWMap returns an empty map.
func NewLWWMap[V any]() LWWMap[V] {
	return LWWMap[V]{Entries: make(map[string]LWWRegister[MapEntry[V]])}
}

// Set writes key.
func (m *LWWMap[V]) Set(key string, v V, ts int64, agent string) {
	m.write(key, MapEntry[V]{Value: v}, ts, agent)
}

// Delete tombstones key.
func (m *LWWMap[V]) Delete(key string, ts int64, agent string) {
	m.write(key, MapEntry[V]{Deleted: true}, ts, agent)
}

func (m *LWWMap[V]) write(key string, e MapEntry[V], ts int64, agent string) {
	if m.Entries == nil {
		m.Entries = make(map[string]LWWRegister[MapEntry[V]])
	}
	reg := m.Entries[key]
	reg.Set(e, ts, agent)
	m.Entries[key] = reg
}

// Get returns the live value for key.
func (m LWWMap[V]) Get(key string) (V, bool) {
	reg, ok := m.Entries[key]
	if !ok || reg.Val.Deleted {
		var zero V
		return zero, false
	}
	return reg.Val.Value, true
}

// Keys returns live keys, sorted.
func (m LWWMap[V]) Keys() []string {
	out := make([]string, 0, len(m.Entries))
	for k, reg := range m.Entries {
		if !reg.Val.Deleted {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Merge joins key by key.
func (m LWWMap[V]) Merge(o LWWMap[V]) LWWMap[V] {
	out := NewLWWMap[V]()
	for k, reg := range m.Entries {
		out.Entries[k] = reg
	}
	for k, reg := range o.Entries {
		if cur, ok := out.Entries[k]; ok {
			out.Entries[k] = cur.Merge(reg)
			continue
		}
		out.Entries[k] = reg
	}
	return out
}
