// Package namespace addresses memory namespaces and decides who may do what
// inside them.
package namespace

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrInvalidNamespaceURI is returned for URIs that are not {scope}://{name}/.
var ErrInvalidNamespaceURI = errors.New("invalid namespace uri")

// Scope is fixed when a namespace is created.
type Scope string

const (
	ScopeAgent   Scope = "agent"
	ScopeTeam    Scope = "team"
	ScopeProject Scope = "project"
)

// ParseScope accepts a scope name in any case.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(s)) {
	case ScopeAgent:
		return ScopeAgent, nil
	case ScopeTeam:
		return ScopeTeam, nil
	case ScopeProject:
		return ScopeProject, nil
	}
	return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidNamespaceURI, s)
}

// ID identifies a namespace.
type ID struct {
	Scope Scope  `json:"scope"`
	Name  string `json:"name"`
}

// Default is the single-agent namespace used when multi-agent is disabled.
var Default = ID{Scope: ScopeAgent, Name: "default"}

// ForAgent returns the private namespace of agentID.
func ForAgent(agentID string) ID {
	return ID{Scope: ScopeAgent, Name: agentID}
}

// Parse reads a URI of the form {scope}://{name}/. The scope is matched
// case-insensitively, the name is kept as written. Anything else is rejected.
func Parse(uri string) (ID, error) {
	scope, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return ID{}, fmt.Errorf("%w: %q lacks ://", ErrInvalidNamespaceURI, uri)
	}
	sc, err := ParseScope(scope)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", err, uri)
	}
	name, ok := strings.CutSuffix(rest, "/")
	if !ok {
		return ID{}, fmt.Errorf("%w: %q lacks trailing /", ErrInvalidNamespaceURI, uri)
	}
	id := ID{Scope: sc, Name: name}
	if err := id.Validate(); err != nil {
		return ID{}, err
	}
	return id, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(uri string) ID {
	id, err := Parse(uri)
	if err != nil {
		panic(err)
	}
	return id
}

// Validate checks scope and name.
func (id ID) Validate() error {
	if _, err := ParseScope(string(id.Scope)); err != nil {
		return err
	}
	if id.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidNamespaceURI)
	}
	if strings.ContainsFunc(id.Name, func(r rune) bool { return r == '/' || unicode.IsSpace(r) }) {
		return fmt.Errorf("%w: name %q contains / or whitespace", ErrInvalidNamespaceURI, id.Name)
	}
	return nil
}

// String renders the canonical URI with a lowercase scope.
func (id ID) String() string {
	return strings.ToLower(string(id.Scope)) + "://" + id.Name + "/"
}

// Shared reports whether the namespace is a team or project namespace.
func (id ID) Shared() bool {
	return id.Scope == ScopeTeam || id.Scope == ScopeProject
}

// IsZero reports whether id is unset.
func (id ID) IsZero() bool {
	return id.Scope == "" && id.Name == ""
}

func (id ID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return []byte{}, nil
	}
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = ID{}
		return nil
	}
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// Namespace is a created namespace.
type Namespace struct {
	ID        ID        `json:"id"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	Metadata  string    `json:"metadata,omitempty"`
}
