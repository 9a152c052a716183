package acl

import "errors"

// ErrAccessDenied is returned when a user may not perform an action.
var ErrAccessDenied = errors.New("access denied")

// Action represents an operation a user wants to perform.
type Action int

const (
	ActionRead Action = iota
	ActionWrite
	ActionShare
	ActionDelete
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionShare:
		return "share"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Checker validates user permissions for document operations.
// Users without an explicit permission get the default role, if one is set.
type Checker struct {
	store       Store
	defaultRole *Role
}

// NewChecker creates a checker that denies users without a permission.
func NewChecker(store Store) *Checker {
	return &Checker{store: store}
}

// WithDefaultRole returns a copy of c that falls back to role.
func (c *Checker) WithDefaultRole(role Role) *Checker {
	return &Checker{store: c.store, defaultRole: &role}
}

// Store returns the underlying permission store.
func (c *Checker) Store() Store {
	return c.store
}

// RoleOf returns the effective role of a user on a document.
// ok is false when the user has neither a permission nor a default role.
func (c *Checker) RoleOf(docID, userID string) (role Role, ok bool, err error) {
	role, err = c.store.GetRole(docID, userID)

	switch {
	case err == nil:
		return role, true, nil
	case !errors.Is(err, ErrPermissionNotFound):
		return 0, false, err
	case c.defaultRole != nil:
		return *c.defaultRole, true, nil
	default:
		return 0, false, nil
	}
}

// CanPerform checks if a user can perform an action on a document.
func (c *Checker) CanPerform(docID, userID string, action Action) (bool, error) {
	role, ok, err := c.RoleOf(docID, userID)
	if err != nil || !ok {
		return false, err
	}

	return role.Allows(action), nil
}

// RequirePermission checks permission and returns ErrAccessDenied if denied.
func (c *Checker) RequirePermission(docID, userID string, action Action) error {
	allowed, err := c.CanPerform(docID, userID, action)
	if err != nil {
		return err
	}

	if !allowed {
		return ErrAccessDenied
	}

	return nil
}
