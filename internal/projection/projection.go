package projection

import (
	"fmt"
	"time"

	"github.com/KafClaw/memmesh/internal/memory"
	"github.com/KafClaw/memmesh/internal/namespace"
)

// Projection is a filtered, read-only view of Source exposed in Target.
type Projection struct {
	ID               string       `json:"id"`
	Source           namespace.ID `json:"source"`
	Target           namespace.ID `json:"target"`
	Filter           Filter       `json:"filter"`
	CompressionLevel int          `json:"compression_level"`
	Live             bool         `json:"live"`
	CreatedAt        time.Time    `json:"created_at"`
	CreatedBy        string       `json:"created_by"`
}

// Validate checks namespaces, level and filter.
func (p Projection) Validate() error {
	if err := p.Source.Validate(); err != nil {
		return err
	}
	if err := p.Target.Validate(); err != nil {
		return err
	}
	if p.Source == p.Target {
		return fmt.Errorf("%w: source and target are both %s", ErrFilterInvalid, p.Source)
	}
	if !memory.ValidLevel(p.CompressionLevel) {
		return fmt.Errorf("%w: compression level %d out of range", ErrFilterInvalid, p.CompressionLevel)
	}
	return p.Filter.Validate()
}
