package acl

import (
	"errors"
	"fmt"
)

// ErrUnknownRole is returned when parsing a role name fails.
var ErrUnknownRole = errors.New("unknown role")

// Role represents a user's access level for a document.
// Each role includes the rights of the ones below it.
type Role int

const (
	// Viewer can only read document content.
	Viewer Role = iota
	// Editor can read and write document content.
	Editor
	// Owner can also share and delete the document.
	Owner
)

var roleNames = map[Role]string{
	Viewer: "viewer",
	Editor: "editor",
	Owner:  "owner",
}

// String returns the string representation of the role.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}

	return "unknown"
}

// ParseRole converts "viewer", "editor" or "owner" into a Role.
func ParseRole(name string) (Role, error) {
	for role, n := range roleNames {
		if n == name {
			return role, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, name)
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	name, ok := roleNames[r]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, int(r))
	}

	return []byte(name), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(b []byte) error {
	role, err := ParseRole(string(b))
	if err != nil {
		return err
	}

	*r = role

	return nil
}

// Allows reports whether the role grants action.
func (r Role) Allows(action Action) bool {
	switch action {
	case ActionRead:
		return r >= Viewer
	case ActionWrite:
		return r >= Editor
	case ActionShare, ActionDelete:
		return r >= Owner
	default:
		return false
	}
}

// Permission represents a user's access to a specific document.
type Permission struct {
	DocID  string `json:"docId"`
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}
