package storage

import (
	"context"
	"sync"
	"time"

	"github.com/serroba/collab-text/internal/ot"
)

// documentData holds all persisted data for a single document.
type documentData struct {
	snapshot   *Snapshot
	operations []ot.HistoryEntry
}

// MemoryStore is an in-memory implementation of the Store interface.
// Useful for testing and development.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*documentData
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*documentData),
	}
}

// CreateDocument creates a new document with the given ID.
func (m *MemoryStore) CreateDocument(_ context.Context, docID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[docID]; exists {
		return ErrDocumentExists
	}

	m.docs[docID] = &documentData{
		snapshot: &Snapshot{DocID: docID, Content: content, CreatedAt: time.Now()},
	}

	return nil
}

// DeleteDocument removes a document.
func (m *MemoryStore) DeleteDocument(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[docID]; !exists {
		return ErrDocumentNotFound
	}

	delete(m.docs, docID)

	return nil
}

// DocumentExists checks if a document exists.
func (m *MemoryStore) DocumentExists(_ context.Context, docID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.docs[docID]

	return exists, nil
}

// SaveSnapshot persists a snapshot of the document at the given revision.
func (m *MemoryStore) SaveSnapshot(_ context.Context, docID string, revision int, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, exists := m.docs[docID]
	if !exists {
		return ErrDocumentNotFound
	}

	doc.snapshot = &Snapshot{
		DocID:     docID,
		Revision:  revision,
		Content:   content,
		CreatedAt: time.Now(),
	}

	// Operations at or before the snapshot are no longer needed for replay.
	kept := doc.operations[:0]

	for _, entry := range doc.operations {
		if entry.Revision > revision {
			kept = append(kept, entry)
		}
	}

	doc.operations = kept

	return nil
}

// LoadSnapshot retrieves the latest snapshot for a document.
func (m *MemoryStore) LoadSnapshot(_ context.Context, docID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, exists := m.docs[docID]
	if !exists {
		return Snapshot{}, ErrDocumentNotFound
	}

	if doc.snapshot == nil {
		return Snapshot{}, ErrSnapshotNotFound
	}

	return *doc.snapshot, nil
}

// AppendOperation adds an entry to the document's operation log.
func (m *MemoryStore) AppendOperation(_ context.Context, docID string, entry ot.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, exists := m.docs[docID]
	if !exists {
		return ErrDocumentNotFound
	}

	if entry.Revision <= m.latest(doc) {
		return ErrRevisionConflict
	}

	doc.operations = append(doc.operations, entry)

	return nil
}

// LoadOperations retrieves all entries after the given revision.
func (m *MemoryStore) LoadOperations(_ context.Context, docID string, sinceRevision int) ([]ot.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, exists := m.docs[docID]
	if !exists {
		return nil, ErrDocumentNotFound
	}

	var result []ot.HistoryEntry

	for _, entry := range doc.operations {
		if entry.Revision > sinceRevision {
			result = append(result, entry)
		}
	}

	return result, nil
}

// LatestRevision returns the highest revision number for a document.
func (m *MemoryStore) LatestRevision(_ context.Context, docID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, exists := m.docs[docID]
	if !exists {
		return 0, ErrDocumentNotFound
	}

	return m.latest(doc), nil
}

func (m *MemoryStore) latest(doc *documentData) int {
	if len(doc.operations) > 0 {
		return doc.operations[len(doc.operations)-1].Revision
	}

	if doc.snapshot != nil {
		return doc.snapshot.Revision
	}

	return 0
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
