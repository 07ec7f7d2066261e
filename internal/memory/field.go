// Package memory holds the replicated memory record: its per-field CRDT
// state, the local editor, delta extraction and the merge engine.
package memory

import "fmt"

// Field names one replicated attribute of a memory record. The set is closed;
// every field has a fixed CRDT kind.
type Field uint8

const (
	FieldNamespace Field = iota + 1
	FieldMemoryType
	FieldSummary
	FieldContent
	FieldImportance
	FieldSupersededBy
	FieldValidTime
	FieldValidUntil
	FieldArchived
	FieldBaseConfidence
	FieldAccessCount
	FieldLastAccessed
	FieldTags
	FieldLinkedFiles
	FieldLinkedFunctions
	FieldLinkedPatterns
	FieldLinkedConstraints
	FieldSupersedes
	FieldMetadata
	FieldContentVersions
)

// Kind is the CRDT used by a field.
type Kind uint8

const (
	KindLWWString Kind = iota + 1
	KindLWWTime
	KindLWWBool
	KindMaxFloat
	KindMaxTime
	KindCounter
	KindSet
	KindMap
	KindMulti
)

var fieldNames = map[Field]string{
	FieldNamespace:         "namespace",
	FieldMemoryType:        "memory_type",
	FieldSummary:           "summary",
	FieldContent:           "content",
	FieldImportance:        "importance",
	FieldSupersededBy:      "superseded_by",
	FieldValidTime:         "valid_time",
	FieldValidUntil:        "valid_until",
	FieldArchived:          "archived",
	FieldBaseConfidence:    "base_confidence",
	FieldAccessCount:       "access_count",
	FieldLastAccessed:      "last_accessed",
	FieldTags:              "tags",
	FieldLinkedFiles:       "linked_files",
	FieldLinkedFunctions:   "linked_functions",
	FieldLinkedPatterns:    "linked_patterns",
	FieldLinkedConstraints: "linked_constraints",
	FieldSupersedes:        "supersedes",
	FieldMetadata:          "metadata",
	FieldContentVersions:   "content_versions",
}

// Fields lists every field in wire order.
func Fields() []Field {
	out := make([]Field, 0, len(fieldNames))
	for f := FieldNamespace; f <= FieldContentVersions; f++ {
		out = append(out, f)
	}
	return out
}

func (f Field) String() string {
	if n, ok := fieldNames[f]; ok {
		return n
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// Valid reports whether f is a known field.
func (f Field) Valid() bool {
	_, ok := fieldNames[f]
	return ok
}

// Kind returns the CRDT kind of f.
func (f Field) Kind() Kind {
	switch f {
	case FieldNamespace, FieldMemoryType, FieldSummary, FieldContent, FieldImportance, FieldSupersededBy:
		return KindLWWString
	case FieldValidTime, FieldValidUntil:
		return KindLWWTime
	case FieldArchived:
		return KindLWWBool
	case FieldBaseConfidence:
		return KindMaxFloat
	case FieldLastAccessed:
		return KindMaxTime
	case FieldAccessCount:
		return KindCounter
	case FieldTags, FieldLinkedFiles, FieldLinkedFunctions, FieldLinkedPatterns, FieldLinkedConstraints, FieldSupersedes:
		return KindSet
	case FieldMetadata:
		return KindMap
	case FieldContentVersions:
		return KindMulti
	}
	return 0
}

// ParseField resolves a field by its name.
func ParseField(name string) (Field, error) {
	for f, n := range fieldNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown field %q", name)
}

// MarshalText renders the field name so JSON deltas stay readable.
func (f Field) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("unknown field %d", uint8(f))
	}
	return []byte(f.String()), nil
}

func (f *Field) UnmarshalText(b []byte) error {
	v, err := ParseField(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
