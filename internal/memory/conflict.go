package memory

import (
	"time"

	"github.com/KafClaw/memmesh/internal/crdt"
)

// Conflict describes concurrent content writes left after a merge. Content
// itself still resolves by last-writer-wins; the conflict only surfaces the
// values that lost so a handler can decide whether to act.
type Conflict struct {
	MemoryID   string             `json:"memory_id"`
	Owner      string             `json:"owner"`
	Winner     string             `json:"winner"`
	Versions   []string           `json:"versions"`
	Clocks     []crdt.VectorClock `json:"clocks"`
	DetectedAt time.Time          `json:"detected_at"`
}

// ConflictHandler is notified of content conflicts. It runs outside the
// record lock and must not block for long.
type ConflictHandler func(Conflict)

// DetectConflict returns the conflict carried by s, if any.
func DetectConflict(owner string, s State, now time.Time) (Conflict, bool) {
	if !s.ContentVersions.Conflicted() {
		return Conflict{}, false
	}
	c := Conflict{
		MemoryID:   s.ID,
		Owner:      owner,
		Winner:     s.Content.Value(),
		DetectedAt: now,
	}
	for _, e := range s.ContentVersions.Entries {
		c.Versions = append(c.Versions, e.Value)
		c.Clocks = append(c.Clocks, e.Clock.Clone())
	}
	return c, true
}
