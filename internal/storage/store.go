package storage

import (
	"context"
	"errors"
	"time"

	"github.com/serroba/collab-text/internal/ot"
)

// Common errors.
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrRevisionConflict = errors.New("revision already stored")
)

// Snapshot represents a point-in-time capture of a document's state.
type Snapshot struct {
	DocID     string    `json:"docId"`
	Revision  int       `json:"revision"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store defines the interface for persisting document state.
// A document is stored as its latest snapshot plus the log of entries committed after it.
type Store interface {
	// CreateDocument creates a document whose revision 0 holds content.
	// Returns ErrDocumentExists if the document already exists.
	CreateDocument(ctx context.Context, docID, content string) error

	// DeleteDocument removes a document with its snapshot and log.
	// Returns ErrDocumentNotFound if the document doesn't exist.
	DeleteDocument(ctx context.Context, docID string) error

	// DocumentExists checks if a document exists.
	DocumentExists(ctx context.Context, docID string) (bool, error)

	// SaveSnapshot persists a snapshot of the document at the given revision
	// and drops log entries it covers.
	// Returns ErrDocumentNotFound if the document doesn't exist.
	SaveSnapshot(ctx context.Context, docID string, revision int, content string) error

	// LoadSnapshot retrieves the latest snapshot for a document.
	// Returns ErrDocumentNotFound if the document doesn't exist.
	// Returns ErrSnapshotNotFound if document exists but has no snapshot.
	LoadSnapshot(ctx context.Context, docID string) (Snapshot, error)

	// AppendOperation adds a committed entry to the document's log.
	// Returns ErrDocumentNotFound if the document doesn't exist and
	// ErrRevisionConflict if the revision is already stored.
	AppendOperation(ctx context.Context, docID string, entry ot.HistoryEntry) error

	// LoadOperations retrieves all entries after the given revision, oldest first.
	// Returns ErrDocumentNotFound if the document doesn't exist.
	LoadOperations(ctx context.Context, docID string, sinceRevision int) ([]ot.HistoryEntry, error)

	// LatestRevision returns the highest revision number for a document.
	// Returns ErrDocumentNotFound if the document doesn't exist.
	LatestRevision(ctx context.Context, docID string) (int, error)

	// Close releases the backend.
	Close() error
}
