package ot

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned when reading or extending the history window.
var (
	ErrStaleClient    = errors.New("base revision predates retained history")
	ErrFutureRevision = errors.New("base revision is in the future")
	ErrCorrupted      = errors.New("document history corrupted")
)

// HistoryEntry records one committed operation. Entries are immutable once appended.
type HistoryEntry struct {
	Revision  int       `json:"revision"`
	Op        Operation `json:"op"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

// History is a fixed-capacity ring of the most recent entries, addressed by
// revision modulo capacity. Appending past capacity evicts the oldest entry.
// It is not safe for concurrent use; Document guards it.
type History struct {
	entries []HistoryEntry
	latest  int // revision of the newest entry, or the starting revision when empty
	count   int
}

// NewHistory creates an empty window that will accept revision+1 next.
func NewHistory(capacity, revision int) *History {
	if capacity < 1 {
		capacity = 1
	}

	return &History{
		entries: make([]HistoryEntry, capacity),
		latest:  revision,
	}
}

// Cap returns the maximum number of retained entries.
func (h *History) Cap() int {
	return len(h.entries)
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	return h.count
}

// Latest returns the newest revision the window knows about.
func (h *History) Latest() int {
	return h.latest
}

// Oldest returns the oldest base revision Since can serve.
func (h *History) Oldest() int {
	return h.latest - h.count
}

// Append adds entry, which must carry the next revision.
func (h *History) Append(entry HistoryEntry) error {
	if entry.Revision != h.latest+1 {
		return fmt.Errorf("%w: append revision %d after %d", ErrCorrupted, entry.Revision, h.latest)
	}

	h.entries[h.slot(entry.Revision)] = entry
	h.latest = entry.Revision

	if h.count < len(h.entries) {
		h.count++
	}

	return nil
}

// Since returns the entries with revision strictly greater than revision,
// oldest first.
func (h *History) Since(revision int) ([]HistoryEntry, error) {
	switch {
	case revision > h.latest:
		return nil, fmt.Errorf("%w: %d > %d", ErrFutureRevision, revision, h.latest)
	case revision < h.Oldest():
		return nil, fmt.Errorf("%w: %d < %d", ErrStaleClient, revision, h.Oldest())
	}

	out := make([]HistoryEntry, 0, h.latest-revision)

	for rev := revision + 1; rev <= h.latest; rev++ {
		entry := h.entries[h.slot(rev)]
		if entry.Revision != rev {
			return nil, fmt.Errorf("%w: slot for revision %d holds %d", ErrCorrupted, rev, entry.Revision)
		}

		out = append(out, entry)
	}

	return out, nil
}

func (h *History) slot(revision int) int {
	return revision % len(h.entries)
}
