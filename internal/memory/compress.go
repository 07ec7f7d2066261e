package memory

import "fmt"

// Compression levels for projected deltas. Higher levels keep more.
const (
	// LevelMinimal keeps identity and routing: type and namespace.
	LevelMinimal = 0
	// LevelSummary adds summary, tags, confidence and importance.
	LevelSummary = 1
	// LevelLinked adds links, supersession, validity, archival and metadata.
	LevelLinked = 2
	// LevelFull is lossless.
	LevelFull = 3
)

var compressionKeep = [...]map[Field]bool{
	LevelMinimal: {
		FieldNamespace:  true,
		FieldMemoryType: true,
	},
	LevelSummary: {
		FieldNamespace:      true,
		FieldMemoryType:     true,
		FieldSummary:        true,
		FieldTags:           true,
		FieldBaseConfidence: true,
		FieldImportance:     true,
	},
	LevelLinked: {
		FieldNamespace:         true,
		FieldMemoryType:        true,
		FieldSummary:           true,
		FieldTags:              true,
		FieldBaseConfidence:    true,
		FieldImportance:        true,
		FieldLinkedFiles:       true,
		FieldLinkedFunctions:   true,
		FieldLinkedPatterns:    true,
		FieldLinkedConstraints: true,
		FieldSupersedes:        true,
		FieldSupersededBy:      true,
		FieldValidTime:         true,
		FieldValidUntil:        true,
		FieldArchived:          true,
		FieldMetadata:          true,
	},
}

// ValidLevel reports whether level is 0..3.
func ValidLevel(level int) bool {
	return level >= LevelMinimal && level <= LevelFull
}

// Compress strips the fields a projection at level does not carry. The
// result is always a ModeJoin delta.
func Compress(d Delta, level int) (Delta, error) {
	if !ValidLevel(level) {
		return d, fmt.Errorf("compression level %d out of range", level)
	}
	out := d
	out.Mode = ModeJoin
	if level == LevelFull {
		return out, nil
	}
	keep := compressionKeep[level]
	out.Fields = nil
	for _, fd := range d.Fields {
		if keep[fd.Field] {
			out.Fields = append(out.Fields, fd)
		}
	}
	return out, nil
}
