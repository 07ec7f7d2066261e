package namespace

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPermissionDenied is matched by every *PermissionError.
var ErrPermissionDenied = errors.New("permission denied")

// Permission is a single capability inside a namespace.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermShare
	PermAdmin
)

var permNames = []struct {
	p    Permission
	name string
}{
	{PermRead, "read"},
	{PermWrite, "write"},
	{PermShare, "share"},
	{PermAdmin, "admin"},
}

func (p Permission) String() string {
	for _, n := range permNames {
		if n.p == p {
			return n.name
		}
	}
	return fmt.Sprintf("permission(%d)", uint8(p))
}

// ParsePermission accepts a permission name in any case.
func ParsePermission(s string) (Permission, error) {
	for _, n := range permNames {
		if strings.EqualFold(n.name, s) {
			return n.p, nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q", s)
}

// Set is a bitmask of permissions.
type Set uint8

// NewSet builds a set.
func NewSet(perms ...Permission) Set {
	var s Set
	for _, p := range perms {
		s |= Set(p)
	}
	return s
}

// All is every permission.
var All = NewSet(PermRead, PermWrite, PermShare, PermAdmin)

// Has reports whether p is in s.
func (s Set) Has(p Permission) bool {
	return s&Set(p) != 0
}

// Union merges two sets.
func (s Set) Union(o Set) Set {
	return s | o
}

// List returns the permissions in s.
func (s Set) List() []Permission {
	var out []Permission
	for _, n := range permNames {
		if s.Has(n.p) {
			out = append(out, n.p)
		}
	}
	return out
}

// Names returns the permission names in s.
func (s Set) Names() []string {
	var out []string
	for _, p := range s.List() {
		out = append(out, p.String())
	}
	return out
}

func (s Set) String() string {
	return strings.Join(s.Names(), ",")
}

// ParseSet reads a comma-separated list such as "read,write".
func ParseSet(s string) (Set, error) {
	var out Set
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := ParsePermission(part)
		if err != nil {
			return 0, err
		}
		out |= Set(p)
	}
	return out, nil
}

// Role is an agent's standing in a namespace before explicit grants.
type Role int

const (
	RoleNone Role = iota
	RoleMember
	RoleOwner
)

// DefaultPermissions returns what role grants in a namespace of scope.
// Agent namespaces are private to their owner. Team members read and write,
// project members only read. Owners of shared namespaces additionally
// administer them so they can grant.
func DefaultPermissions(scope Scope, role Role) Set {
	switch scope {
	case ScopeAgent:
		if role == RoleOwner {
			return All
		}
		return 0
	case ScopeTeam:
		switch role {
		case RoleOwner:
			return NewSet(PermRead, PermWrite, PermAdmin)
		case RoleMember:
			return NewSet(PermRead, PermWrite)
		}
	case ScopeProject:
		switch role {
		case RoleOwner:
			return NewSet(PermRead, PermAdmin)
		case RoleMember:
			return NewSet(PermRead)
		}
	}
	return 0
}

// PermissionError names the missing permission.
type PermissionError struct {
	Agent      string
	Namespace  string
	Permission Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: agent %s lacks %s on %s", e.Agent, e.Permission, e.Namespace)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}
