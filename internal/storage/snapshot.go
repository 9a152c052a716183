package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/serroba/collab-text/internal/ot"
)

// SnapshotPolicy determines when to create snapshots.
type SnapshotPolicy struct {
	mu               sync.Mutex
	threshold        int            // Create snapshot every N operations
	opsSinceSnapshot map[string]int // Track ops per document since last snapshot
}

// NewSnapshotPolicy creates a policy that triggers snapshots every N operations.
func NewSnapshotPolicy(threshold int) *SnapshotPolicy {
	return &SnapshotPolicy{
		threshold:        threshold,
		opsSinceSnapshot: make(map[string]int),
	}
}

// RecordOperation records that an operation was committed.
// Returns true if a snapshot should be created.
func (p *SnapshotPolicy) RecordOperation(docID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.opsSinceSnapshot[docID]++

	return p.threshold > 0 && p.opsSinceSnapshot[docID] >= p.threshold
}

// Reset resets the counter after a snapshot is created.
func (p *SnapshotPolicy) Reset(docID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.opsSinceSnapshot, docID)
}

// OperationsSinceSnapshot returns the number of operations since the last snapshot.
func (p *SnapshotPolicy) OperationsSinceSnapshot(docID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.opsSinceSnapshot[docID]
}

// DocumentLoader rebuilds a document from its latest snapshot and the log after it.
type DocumentLoader struct {
	store       Store
	historySize int
}

// NewDocumentLoader creates a loader whose documents retain historySize entries.
func NewDocumentLoader(store Store, historySize int) *DocumentLoader {
	return &DocumentLoader{store: store, historySize: historySize}
}

// LoadResult contains the result of loading a document.
type LoadResult struct {
	Document *ot.Document
	Replayed int // Log entries applied on top of the snapshot
}

// Load reconstructs a document's state from storage. Replayed entries also
// seed the in-memory history, so clients that were connected before a restart
// can still be reconciled incrementally.
func (l *DocumentLoader) Load(ctx context.Context, docID string) (LoadResult, error) {
	var (
		content       string
		startRevision int
	)

	snapshot, err := l.store.LoadSnapshot(ctx, docID)

	switch {
	case errors.Is(err, ErrSnapshotNotFound):
	case err != nil:
		return LoadResult{}, err
	default:
		content = snapshot.Content
		startRevision = snapshot.Revision
	}

	entries, err := l.store.LoadOperations(ctx, docID, startRevision)
	if err != nil {
		return LoadResult{}, err
	}

	doc := ot.NewDocument(content, startRevision, l.historySize)

	for _, entry := range entries {
		if err := doc.Restore(entry); err != nil {
			return LoadResult{}, fmt.Errorf("load %s: %w", docID, err)
		}
	}

	return LoadResult{Document: doc, Replayed: len(entries)}, nil
}
