package collab

import (
	"context"
	"sync"

	"github.com/serroba/collab-text/internal/acl"
	"github.com/serroba/collab-text/internal/storage"
	"github.com/serroba/collab-text/internal/ws"
)

// DefaultHistorySize is the number of committed operations kept per document
// when none is configured.
const DefaultHistorySize = 500

// Manager manages multiple document sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// Shared dependencies
	store          storage.Store
	permChecker    *acl.Checker
	permStore      acl.Store
	hub            *ws.Hub
	snapshotPolicy *storage.SnapshotPolicy
	historySize    int
}

// ManagerConfig holds configuration for creating a manager.
// PermStore is optional; without it every user may do anything.
type ManagerConfig struct {
	Store          storage.Store
	PermStore      acl.Store
	DefaultRole    *acl.Role
	Hub            *ws.Hub
	SnapshotPolicy *storage.SnapshotPolicy
	HistorySize    int
}

// NewManager creates a new session manager.
func NewManager(cfg ManagerConfig) *Manager {
	historySize := cfg.HistorySize
	if historySize == 0 {
		historySize = DefaultHistorySize
	}

	var permChecker *acl.Checker

	if cfg.PermStore != nil {
		permChecker = acl.NewChecker(cfg.PermStore)
		if cfg.DefaultRole != nil {
			permChecker = permChecker.WithDefaultRole(*cfg.DefaultRole)
		}
	}

	return &Manager{
		sessions:       make(map[string]*Session),
		store:          cfg.Store,
		permChecker:    permChecker,
		permStore:      cfg.PermStore,
		hub:            cfg.Hub,
		snapshotPolicy: cfg.SnapshotPolicy,
		historySize:    historySize,
	}
}

// Checker returns the permission checker, or nil when access control is off.
func (m *Manager) Checker() *acl.Checker {
	return m.permChecker
}

// CreateDocument stores a new document and makes ownerID its owner.
func (m *Manager) CreateDocument(ctx context.Context, docID, content, ownerID string) error {
	if err := m.store.CreateDocument(ctx, docID, content); err != nil {
		return err
	}

	if m.permStore != nil && ownerID != "" {
		return m.permStore.Grant(docID, ownerID, acl.Owner)
	}

	return nil
}

// DeleteDocument closes the document's session and removes it from storage.
func (m *Manager) DeleteDocument(ctx context.Context, docID, userID string) error {
	if m.permChecker != nil {
		if err := m.permChecker.RequirePermission(docID, userID, acl.ActionDelete); err != nil {
			return err
		}
	}

	if err := m.CloseSession(ctx, docID); err != nil {
		return err
	}

	if err := m.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}

	if m.permStore != nil {
		return m.permStore.RevokeAll(docID)
	}

	return nil
}

// Share grants role on docID to targetID. The caller must be allowed to share.
func (m *Manager) Share(ctx context.Context, docID, userID, targetID string, role acl.Role) error {
	if m.permStore == nil {
		return nil
	}

	exists, err := m.store.DocumentExists(ctx, docID)
	if err != nil {
		return err
	}

	if !exists {
		return storage.ErrDocumentNotFound
	}

	if err := m.permChecker.RequirePermission(docID, userID, acl.ActionShare); err != nil {
		return err
	}

	return m.permStore.Grant(docID, targetID, role)
}

// Permissions lists the explicit grants on docID.
func (m *Manager) Permissions(docID, userID string) ([]acl.Permission, error) {
	if m.permStore == nil {
		return nil, nil
	}

	if err := m.permChecker.RequirePermission(docID, userID, acl.ActionRead); err != nil {
		return nil, err
	}

	return m.permStore.ListPermissions(docID)
}

// GetOrCreateSession returns an existing session or loads one from storage.
func (m *Manager) GetOrCreateSession(ctx context.Context, docID string) (*Session, error) {
	// Try read lock first
	m.mu.RLock()
	session, exists := m.sessions[docID]
	m.mu.RUnlock()

	if exists {
		return session, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if session, exists = m.sessions[docID]; exists {
		return session, nil
	}

	session = NewSession(SessionConfig{
		DocID:          docID,
		Store:          m.store,
		PermChecker:    m.permChecker,
		Hub:            m.hub,
		SnapshotPolicy: m.snapshotPolicy,
		HistorySize:    m.historySize,
	})

	if err := session.Load(ctx); err != nil {
		return nil, err
	}

	m.sessions[docID] = session

	return session, nil
}

// GetSession returns an existing session or nil if not found.
func (m *Manager) GetSession(docID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sessions[docID]
}

// CloseSession closes and removes a session.
func (m *Manager) CloseSession(ctx context.Context, docID string) error {
	m.mu.Lock()
	session, exists := m.sessions[docID]

	if !exists {
		m.mu.Unlock()

		return nil
	}

	delete(m.sessions, docID)
	m.mu.Unlock()

	return session.Close(ctx)
}

// CloseAll closes all sessions.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))

	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}

	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var lastErr error

	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// SessionCount returns the number of active sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}
