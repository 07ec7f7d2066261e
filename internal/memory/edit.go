package memory

import (
	"fmt"
	"time"

	"github.com/KafClaw/memmesh/internal/crdt"
)

// Editor applies local operations to a working copy of a State. It is only
// valid inside the callback passed to Edit.
type Editor struct {
	s     *State
	agent string
	now   int64
	seq   uint64
	n     uint32
	err   error
}

// Edit runs fn against a copy of s on behalf of agent and returns the new
// state together with the delta describing the change. The record clock is
// advanced by one for agent, so every edit is a distinct causal event. An
// edit that changes nothing returns s and an empty delta without touching
// the clock, so no origin sequence number is ever skipped.
func Edit(s State, agent string, now time.Time, fn func(*Editor)) (State, Delta, error) {
	if agent == "" {
		return s, Delta{}, fmt.Errorf("edit: empty agent id")
	}
	next := s.Clone()
	if next.SourceAgent == "" {
		next.SourceAgent = agent
	}
	ed := &Editor{s: &next, agent: agent, now: now.UnixNano()}
	ed.seq = next.Clock.Increment(agent)
	fn(ed)
	if ed.err != nil {
		return s, Delta{}, ed.err
	}
	d := Diff(s, next)
	if d.Empty() {
		return s, Delta{MemoryID: s.ID, SourceAgent: s.SourceAgent, Clock: s.Clock.Clone()}, nil
	}
	d.Origin = agent
	d.CreatedAt = ed.now
	if err := checkInvariants(s, next); err != nil {
		return s, Delta{}, err
	}
	return next, d, nil
}

// stamp returns a timestamp that is strictly newer than cur, so a local
// write always supersedes what this replica has already observed even when
// wall clocks disagree.
func (e *Editor) stamp(cur int64) int64 {
	if e.now > cur {
		return e.now
	}
	return cur + 1
}

func (e *Editor) tag() crdt.Tag {
	t := crdt.Tag{Agent: e.agent, Seq: e.seq, N: e.n}
	e.n++
	return t
}

// SetText writes a string field.
func (e *Editor) SetText(f Field, v string) {
	r := e.s.Text(f)
	if r == nil {
		e.fail(f)
		return
	}
	r.Set(v, e.stamp(r.Timestamp), e.agent)
	// The version clock covers everything this replica has seen, so a local
	// content write also settles any outstanding conflict.
	if f == FieldContent {
		e.s.ContentVersions.Set(v, e.s.Clock)
	}
}

// SetTime writes a timestamp field; the zero time clears it.
func (e *Editor) SetTime(f Field, v time.Time) {
	r := e.s.Time(f)
	if r == nil {
		e.fail(f)
		return
	}
	var ns int64
	if !v.IsZero() {
		ns = v.UnixNano()
	}
	r.Set(ns, e.stamp(r.Timestamp), e.agent)
}

func (e *Editor) SetNamespace(ns string)    { e.SetText(FieldNamespace, ns) }
func (e *Editor) SetMemoryType(t string)    { e.SetText(FieldMemoryType, t) }
func (e *Editor) SetSummary(v string)       { e.SetText(FieldSummary, v) }
func (e *Editor) SetContent(v string)       { e.SetText(FieldContent, v) }
func (e *Editor) SetImportance(v string)    { e.SetText(FieldImportance, v) }
func (e *Editor) SetSupersededBy(id string) { e.SetText(FieldSupersededBy, id) }

// SetArchived flips the archived flag.
func (e *Editor) SetArchived(v bool) {
	e.s.Archived.Set(v, e.stamp(e.s.Archived.Timestamp), e.agent)
}

// RaiseConfidence lifts base confidence to v, clamped to [0,1]. Confidence
// never goes down through replication.
func (e *Editor) RaiseConfidence(v float64) {
	e.s.BaseConfidence.Set(clamp01(v))
}

// RecordAccess bumps the access counter and the last-access time.
func (e *Editor) RecordAccess() {
	e.s.AccessCount.Increment(e.agent)
	e.s.LastAccessed.Set(e.now)
}

// Add inserts v into a set field.
func (e *Editor) Add(f Field, v string) {
	set := e.s.Set(f)
	if set == nil {
		e.fail(f)
		return
	}
	if set.Contains(v) {
		return
	}
	set.Add(v, e.tag())
}

// Remove drops every observed occurrence of v from a set field.
func (e *Editor) Remove(f Field, v string) {
	set := e.s.Set(f)
	if set == nil {
		e.fail(f)
		return
	}
	set.Remove(v, e.tag())
}

func (e *Editor) AddTag(v string)    { e.Add(FieldTags, v) }
func (e *Editor) RemoveTag(v string) { e.Remove(FieldTags, v) }

// SetMetadata writes one metadata key.
func (e *Editor) SetMetadata(k, v string) {
	cur := e.s.Metadata.Entries[k]
	e.s.Metadata.Set(k, v, e.stamp(cur.Timestamp), e.agent)
}

// DeleteMetadata removes one metadata key.
func (e *Editor) DeleteMetadata(k string) {
	cur := e.s.Metadata.Entries[k]
	e.s.Metadata.Delete(k, e.stamp(cur.Timestamp), e.agent)
}

func (e *Editor) fail(f Field) {
	if e.err == nil {
		e.err = fmt.Errorf("edit: field %s is not writable this way", f)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
