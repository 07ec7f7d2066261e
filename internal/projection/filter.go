// Package projection exposes filtered views of one namespace in another and
// pushes matching changes to live subscribers with backpressure.
package projection

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/KafClaw/memmesh/internal/memory"
)

// ErrFilterInvalid is returned for filters that could never be evaluated
// sensibly.
var ErrFilterInvalid = errors.New("projection filter invalid")

var importanceRank = map[string]int{"low": 0, "normal": 1, "high": 2, "critical": 3}

// Filter selects the memories a projection carries. Every set condition
// must hold; a zero Filter matches everything.
type Filter struct {
	MemoryTypes   []string `json:"memory_types,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
	MinImportance string   `json:"min_importance,omitempty"`
	// LinkedFiles and Tags match when the memory has any of them.
	LinkedFiles []string `json:"linked_files,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	MaxAgeDays  int      `json:"max_age_days,omitempty"`

	// Custom is an extra predicate for in-process callers. It is not
	// persisted.
	Custom func(memory.Snapshot) bool `json:"-"`
}

// Validate reports ErrFilterInvalid for out-of-range or unknown values.
func (f Filter) Validate() error {
	if f.MinConfidence < 0 || f.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence %v outside [0, 1]", ErrFilterInvalid, f.MinConfidence)
	}
	if f.MinImportance != "" {
		if _, ok := importanceRank[strings.ToLower(f.MinImportance)]; !ok {
			return fmt.Errorf("%w: unknown importance %q", ErrFilterInvalid, f.MinImportance)
		}
	}
	if f.MaxAgeDays < 0 {
		return fmt.Errorf("%w: negative max_age_days", ErrFilterInvalid)
	}
	for _, t := range f.MemoryTypes {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: empty memory type", ErrFilterInvalid)
		}
	}
	return nil
}

// Matches evaluates the filter against a memory at now.
func (f Filter) Matches(m memory.Snapshot, now time.Time) bool {
	if len(f.MemoryTypes) > 0 && !slices.Contains(f.MemoryTypes, m.MemoryType) {
		return false
	}
	if f.MinConfidence > 0 && m.BaseConfidence < f.MinConfidence {
		return false
	}
	if f.MinImportance != "" {
		rank, ok := importanceRank[strings.ToLower(m.Importance)]
		if !ok || rank < importanceRank[strings.ToLower(f.MinImportance)] {
			return false
		}
	}
	if len(f.Tags) > 0 && !anyOf(f.Tags, m.Tags) {
		return false
	}
	if len(f.LinkedFiles) > 0 && !anyOf(f.LinkedFiles, m.LinkedFiles) {
		return false
	}
	if f.MaxAgeDays > 0 && !m.CreatedAt.IsZero() {
		if now.Sub(m.CreatedAt) > time.Duration(f.MaxAgeDays)*24*time.Hour {
			return false
		}
	}
	if f.Custom != nil && !f.Custom(m) {
		return false
	}
	return true
}

func anyOf(want, have []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
