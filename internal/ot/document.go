package ot

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

// Snapshot is the full text of a document at a revision.
type Snapshot struct {
	Text     string `json:"text"`
	Revision int    `json:"revision"`
}

// Document holds the authoritative text, its revision and the recent history.
// It is safe for concurrent use.
type Document struct {
	mu       sync.RWMutex
	text     string
	revision int
	history  *History
	now      func() time.Time
}

// NewDocument creates a document holding text at revision, retaining up to
// historySize committed operations.
func NewDocument(text string, revision, historySize int) *Document {
	return &Document{
		text:     text,
		revision: revision,
		history:  NewHistory(historySize, revision),
		now:      time.Now,
	}
}

// Commit applies op, advances the revision by one and records the entry.
// An inapplicable op leaves the document untouched.
func (d *Document) Commit(op Operation, clientID string) (HistoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.commit(HistoryEntry{
		Revision:  d.revision + 1,
		Op:        op,
		ClientID:  clientID,
		Timestamp: d.now().UTC(),
	})
}

// Restore replays an entry read back from storage. The entry must carry the
// next revision.
func (d *Document) Restore(entry HistoryEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry.Revision != d.revision+1 {
		return fmt.Errorf("%w: restore revision %d onto %d", ErrCorrupted, entry.Revision, d.revision)
	}

	if _, err := d.commit(entry); err != nil {
		return fmt.Errorf("%w: replay revision %d: %v", ErrCorrupted, entry.Revision, err)
	}

	return nil
}

func (d *Document) commit(entry HistoryEntry) (HistoryEntry, error) {
	text, err := Apply(d.text, entry.Op)
	if err != nil {
		return HistoryEntry{}, err
	}

	if err := d.history.Append(entry); err != nil {
		return HistoryEntry{}, err
	}

	d.text = text
	d.revision = entry.Revision

	return entry, nil
}

// HistorySince returns the committed entries after revision, oldest first.
func (d *Document) HistorySince(revision int) ([]HistoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.history.Since(revision)
}

// OldestRevision is the oldest base revision that can still be reconciled.
func (d *Document) OldestRevision() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.history.Oldest()
}

// Snapshot returns the current text and revision together.
func (d *Document) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return Snapshot{Text: d.text, Revision: d.revision}
}

// Text returns the current text.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.text
}

// Revision returns the current revision.
func (d *Document) Revision() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.revision
}

// Len returns the text length in characters.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return utf8.RuneCountInString(d.text)
}
