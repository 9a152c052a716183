package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/serroba/collab-text/internal/acl"
	"github.com/serroba/collab-text/internal/ot"
	"github.com/serroba/collab-text/internal/storage"
	"github.com/serroba/collab-text/internal/ws"
)

// Common errors.
var (
	ErrSessionClosed = errors.New("session is closed")
	ErrClientClosed  = errors.New("client is closed")
)

// ResyncError is returned for a submission that cannot be reconciled
// incrementally. It carries the state the client must restart from and the
// last sequence number of that client the server has processed.
type ResyncError struct {
	Snapshot ot.Snapshot
	Seq      uint64
	Err      error
}

func (e *ResyncError) Error() string {
	return fmt.Sprintf("resync to revision %d: %v", e.Snapshot.Revision, e.Err)
}

func (e *ResyncError) Unwrap() error {
	return e.Err
}

// Submission is one operation sent by an editing session.
type Submission struct {
	ClientID string
	UserID   string
	Op       ot.Operation
	Revision int
	Seq      uint64
}

// Session coordinates collaborative editing for a single document.
// It serializes submissions through the engine, persists and snapshots
// commits, and queues updates for subscribers in commit order.
type Session struct {
	docID string

	mu     sync.Mutex
	engine *ot.Engine
	acks   *ackLog
	closed bool

	// Dependencies
	store          storage.Store
	permChecker    *acl.Checker
	hub            *ws.Hub
	snapshotPolicy *storage.SnapshotPolicy
	historySize    int
}

// SessionConfig holds configuration for creating a session.
type SessionConfig struct {
	DocID          string
	Store          storage.Store
	PermChecker    *acl.Checker
	Hub            *ws.Hub
	SnapshotPolicy *storage.SnapshotPolicy
	HistorySize    int
}

// NewSession creates a new collaborative editing session. Call Load before use.
func NewSession(cfg SessionConfig) *Session {
	historySize := cfg.HistorySize
	if historySize == 0 {
		historySize = DefaultHistorySize
	}

	return &Session{
		docID:          cfg.DocID,
		engine:         ot.NewEngine(ot.NewDocument("", 0, historySize)),
		acks:           newAckLog(),
		store:          cfg.Store,
		permChecker:    cfg.PermChecker,
		hub:            cfg.Hub,
		snapshotPolicy: cfg.SnapshotPolicy,
		historySize:    historySize,
	}
}

// Load initializes the session by loading document state from storage.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	result, err := storage.NewDocumentLoader(s.store, s.historySize).Load(ctx, s.docID)
	if err != nil {
		return err
	}

	s.engine = ot.NewEngine(result.Document)

	return nil
}

// Submit reconciles an operation with the document, persists it and pushes
// it to every other subscriber. A repeated (ClientID, Seq) returns the first
// answer without reapplying the operation.
func (s *Session) Submit(ctx context.Context, sub Submission) (Ack, error) {
	if err := s.checkPermission(sub.UserID, acl.ActionWrite); err != nil {
		return Ack{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Ack{}, ErrSessionClosed
	}

	if sub.Seq > 0 {
		if ack, ok := s.acks.lookup(sub.ClientID, sub.Seq); ok {
			return ack, nil
		}
	}

	res, err := s.engine.Process(sub.Op, sub.ClientID, sub.Revision)

	switch {
	case errors.Is(err, ot.ErrStaleClient), errors.Is(err, ot.ErrFutureRevision):
		return Ack{}, &ResyncError{
			Snapshot: s.engine.Document().Snapshot(),
			Seq:      s.acks.lastSeq(sub.ClientID),
			Err:      err,
		}
	case err != nil:
		return Ack{}, err
	}

	if res.Committed {
		if err := s.persist(ctx, res.Entry); err != nil {
			return Ack{}, err
		}
	}

	ack := Ack{
		Revision:  res.Revision,
		Op:        res.Op,
		Submitted: res.Submitted,
		Committed: res.Committed,
		Seq:       sub.Seq,
	}
	s.acks.record(sub.ClientID, ack)

	return ack, nil
}

// persist writes a committed entry and fans it out. A write failure leaves
// memory ahead of storage, so the document stops accepting edits.
func (s *Session) persist(ctx context.Context, entry ot.HistoryEntry) error {
	if err := s.store.AppendOperation(ctx, s.docID, entry); err != nil {
		err = fmt.Errorf("persist %s@%d: %w", s.docID, entry.Revision, err)
		s.engine.Halt(err)

		return fmt.Errorf("%w: %w", ot.ErrHalted, err)
	}

	s.maybeSnapshot(ctx)

	if s.hub != nil {
		s.hub.Broadcast(s.docID, ws.UpdateEvent(entry), entry.ClientID)
	}

	return nil
}

// maybeSnapshot checks if a snapshot should be created and does so.
func (s *Session) maybeSnapshot(ctx context.Context) {
	if s.snapshotPolicy == nil {
		return
	}

	if s.snapshotPolicy.RecordOperation(s.docID) {
		if err := s.saveSnapshot(ctx); err != nil {
			log.Printf("collab: snapshot %s: %v", s.docID, err)

			return
		}

		s.snapshotPolicy.Reset(s.docID)
	}
}

// saveSnapshot persists a snapshot of the current document state.
func (s *Session) saveSnapshot(ctx context.Context) error {
	snap := s.engine.Document().Snapshot()

	return s.store.SaveSnapshot(ctx, s.docID, snap.Revision, snap.Text)
}

// Subscribe attaches a stream to the document. With since unset the client
// receives the full text. Otherwise it receives every update after since, or
// a resync when those are no longer retained or would not fit its queue.
// No commit can interleave between the catch-up and the subscription.
func (s *Session) Subscribe(client *ws.Client, since *int) error {
	if err := s.checkPermission(client.UserID, acl.ActionRead); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	for _, ev := range s.catchUp(client, since) {
		if !client.Enqueue(ev) {
			return ErrClientClosed
		}
	}

	if s.hub != nil {
		s.hub.Subscribe(client, s.docID)
	}

	return nil
}

func (s *Session) catchUp(client *ws.Client, since *int) []ws.Event {
	doc := s.engine.Document()
	snap := doc.Snapshot()

	if since == nil {
		return []ws.Event{ws.ConnectedEvent(snap.Revision, &snap.Text)}
	}

	entries, err := doc.HistorySince(*since)
	if err != nil || len(entries)+1 > client.Capacity() {
		return []ws.Event{ws.ResyncEvent(snap.Text, snap.Revision, s.acks.lastSeq(client.ClientID))}
	}

	events := make([]ws.Event, 0, len(entries)+1)
	events = append(events, ws.ConnectedEvent(snap.Revision, nil))

	for _, entry := range entries {
		events = append(events, ws.UpdateEvent(entry))
	}

	return events
}

// GetState returns the current text and revision.
// It checks read permission before returning.
func (s *Session) GetState(userID string) (ot.Snapshot, error) {
	if err := s.checkPermission(userID, acl.ActionRead); err != nil {
		return ot.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ot.Snapshot{}, ErrSessionClosed
	}

	return s.engine.Document().Snapshot(), nil
}

// History returns the retained entries after since.
func (s *Session) History(userID string, since int) ([]ot.HistoryEntry, error) {
	if err := s.checkPermission(userID, acl.ActionRead); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	return s.engine.Document().HistorySince(since)
}

func (s *Session) checkPermission(userID string, action acl.Action) error {
	if s.permChecker == nil {
		return nil
	}

	return s.permChecker.RequirePermission(s.docID, userID, action)
}

// DocID returns the document ID for this session.
func (s *Session) DocID() string {
	return s.docID
}

// Revision returns the current revision number.
func (s *Session) Revision() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.engine.Document().Revision()
}

// Close stops the session, saves a final snapshot and disconnects its streams.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if s.hub != nil {
		s.hub.CloseDocument(s.docID)
	}

	if s.engine.Halted() != nil {
		return nil
	}

	return s.saveSnapshot(ctx)
}
