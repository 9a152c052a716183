package acl

import "errors"

// ErrPermissionNotFound is returned when a user holds no role on a document.
var ErrPermissionNotFound = errors.New("permission not found")

// Store persists who holds which role on which document.
// A user holds at most one role per document.
type Store interface {
	// Grant sets the user's role, replacing any previous one.
	Grant(docID, userID string, role Role) error
	// Revoke removes the user's role or returns ErrPermissionNotFound.
	Revoke(docID, userID string) error
	// RevokeAll forgets a document, as when it is deleted.
	RevokeAll(docID string) error
	// GetRole returns the user's role or ErrPermissionNotFound.
	GetRole(docID, userID string) (Role, error)
	// ListPermissions returns a document's grants ordered by user ID.
	ListPermissions(docID string) ([]Permission, error)
}
