package acl

import (
	"sort"
	"sync"
)

// MemoryStore keeps permissions in memory, grouped by document.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]Role
}

// NewMemoryStore creates a new in-memory permission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string]Role),
	}
}

// Grant gives a user a specific role on a document.
func (m *MemoryStore) Grant(docID, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.docs[docID]
	if !ok {
		users = make(map[string]Role)
		m.docs[docID] = users
	}

	users[userID] = role

	return nil
}

// Revoke removes a user's permission on a document.
func (m *MemoryStore) Revoke(docID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := m.docs[docID]
	if _, ok := users[userID]; !ok {
		return ErrPermissionNotFound
	}

	delete(users, userID)

	if len(users) == 0 {
		delete(m.docs, docID)
	}

	return nil
}

// RevokeAll removes every permission on a document.
func (m *MemoryStore) RevokeAll(docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, docID)

	return nil
}

// GetRole returns the user's role for a document.
func (m *MemoryStore) GetRole(docID, userID string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	role, ok := m.docs[docID][userID]
	if !ok {
		return 0, ErrPermissionNotFound
	}

	return role, nil
}

// ListPermissions returns all permissions for a document.
func (m *MemoryStore) ListPermissions(docID string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Permission, 0, len(m.docs[docID]))

	for userID, role := range m.docs[docID] {
		result = append(result, Permission{DocID: docID, UserID: userID, Role: role})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })

	return result, nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
