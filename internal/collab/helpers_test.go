package collab_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/serroba/collab-text/internal/collab"
	"github.com/serroba/collab-text/internal/ot"
	"github.com/serroba/collab-text/internal/storage"
	"github.com/serroba/collab-text/internal/ws"
	"github.com/stretchr/testify/require"
)

const testDocID = "doc1"

var errDiskFull = errors.New("disk full")

// recordConn captures every event written to it.
type recordConn struct {
	mu     sync.Mutex
	events []ws.Event
	closed bool
}

func (c *recordConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var ev ws.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, ev)

	return nil
}

func (c *recordConn) ReadJSON(_ any) error { return errors.New("not readable") }

func (c *recordConn) WriteControl(_ int, _ []byte, _ time.Time) error { return nil }

func (c *recordConn) SetWriteDeadline(_ time.Time) error { return nil }

func (c *recordConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

func (c *recordConn) Events() []ws.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]ws.Event(nil), c.events...)
}

func (c *recordConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// failingStore is a memory store whose appends can be made to fail.
type failingStore struct {
	*storage.MemoryStore

	fail atomic.Bool
}

func (s *failingStore) AppendOperation(ctx context.Context, docID string, entry ot.HistoryEntry) error {
	if s.fail.Load() {
		return errDiskFull
	}

	return s.MemoryStore.AppendOperation(ctx, docID, entry)
}

func newStore(t *testing.T, content string) *storage.MemoryStore {
	t.Helper()

	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateDocument(context.Background(), testDocID, content))

	return store
}

func newSession(t *testing.T, cfg collab.SessionConfig) *collab.Session {
	t.Helper()

	if cfg.DocID == "" {
		cfg.DocID = testDocID
	}

	session := collab.NewSession(cfg)
	require.NoError(t, session.Load(context.Background()))

	return session
}

func startClient(t *testing.T, clientID string, buffer int) (*ws.Client, *recordConn) {
	t.Helper()

	conn := &recordConn{}
	client := ws.NewClient("conn-"+clientID, clientID, "user-"+clientID, conn, buffer)

	go client.WritePump(0)

	t.Cleanup(func() { _ = client.Close() })

	return client, conn
}

func waitForEvents(t *testing.T, conn *recordConn, n int) []ws.Event {
	t.Helper()

	require.Eventually(t, func() bool { return len(conn.Events()) >= n }, time.Second, 5*time.Millisecond)

	return conn.Events()
}

func submit(t *testing.T, s *collab.Session, clientID string, op ot.Operation, rev int) collab.Ack {
	t.Helper()

	ack, err := s.Submit(context.Background(), collab.Submission{ClientID: clientID, Op: op, Revision: rev})
	require.NoError(t, err)

	return ack
}

func stateOf(t *testing.T, s *collab.Session) ot.Snapshot {
	t.Helper()

	snap, err := s.GetState("")
	require.NoError(t, err)

	return snap
}
