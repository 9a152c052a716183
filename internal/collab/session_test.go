package collab_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/serroba/collab-text/internal/acl"
	"github.com/serroba/collab-text/internal/collab"
	"github.com/serroba/collab-text/internal/ot"
	"github.com/serroba/collab-text/internal/storage"
	"github.com/serroba/collab-text/internal/ws"
	"github.com/stretchr/testify/require"
)

func TestSession_Submit_ConcurrentInserts(t *testing.T) {
	t.Parallel()

	store := newStore(t, "abc")
	session := newSession(t, collab.SessionConfig{Store: store})

	first := submit(t, session, "a", ot.NewInsert(3, "d"), 0)
	require.Equal(t, 1, first.Revision)
	require.True(t, first.Committed)
	require.False(t, first.Transformed())

	second := submit(t, session, "b", ot.NewInsert(3, "e"), 0)
	require.Equal(t, 2, second.Revision)
	require.True(t, second.Transformed())
	require.Equal(t, ot.NewInsert(4, "e"), second.Op)

	snap := stateOf(t, session)
	if snap.Text != "abcde" || snap.Revision != 2 {
		t.Errorf("expected abcde@2, got %q@%d", snap.Text, snap.Revision)
	}

	latest, err := store.LatestRevision(context.Background(), testDocID)
	require.NoError(t, err)
	require.Equal(t, 2, latest)
}

func TestSession_Submit_NoopIsNotCommitted(t *testing.T) {
	t.Parallel()

	session := newSession(t, collab.SessionConfig{Store: newStore(t, "abc")})

	submit(t, session, "a", ot.NewDelete(1, 1), 0)
	ack := submit(t, session, "b", ot.NewDelete(1, 1), 0)

	require.False(t, ack.Committed)
	require.True(t, ack.Op.IsNoop())
	require.Equal(t, 1, ack.Revision)
	require.Equal(t, "ac", stateOf(t, session).Text)
}

func TestSession_Submit_DuplicateSeq(t *testing.T) {
	t.Parallel()

	session := newSession(t, collab.SessionConfig{Store: newStore(t, "")})
	sub := collab.Submission{ClientID: "a", Op: ot.NewInsert(0, "x"), Revision: 0, Seq: 1}

	first, err := session.Submit(context.Background(), sub)
	require.NoError(t, err)

	retry, err := session.Submit(context.Background(), sub)
	require.NoError(t, err)

	require.Equal(t, first, retry)
	require.Equal(t, "x", stateOf(t, session).Text)
	require.Equal(t, 1, session.Revision())
}

func TestSession_Submit_StaleClientResyncs(t *testing.T) {
	t.Parallel()

	session := newSession(t, collab.SessionConfig{Store: newStore(t, ""), HistorySize: 2})

	for i, s := range []string{"a", "b", "c"} {
		_, err := session.Submit(context.Background(), collab.Submission{
			ClientID: "writer", Op: ot.NewInsert(i, s), Revision: i, Seq: uint64(i + 1),
		})
		require.NoError(t, err)
	}

	_, err := session.Submit(context.Background(), collab.Submission{
		ClientID: "writer", Op: ot.NewInsert(0, "z"), Revision: 0, Seq: 4,
	})

	var resync *collab.ResyncError

	require.ErrorAs(t, err, &resync)
	require.ErrorIs(t, err, ot.ErrStaleClient)
	require.Equal(t, ot.Snapshot{Text: "abc", Revision: 3}, resync.Snapshot)
	require.Equal(t, uint64(3), resync.Seq)

	// The oldest retained base still reconciles.
	ack := submit(t, session, "other", ot.NewInsert(0, "z"), 1)
	require.Equal(t, 4, ack.Revision)
}

func TestSession_Submit_FutureRevisionResyncs(t *testing.T) {
	t.Parallel()

	session := newSession(t, collab.SessionConfig{Store: newStore(t, "abc")})

	_, err := session.Submit(context.Background(), collab.Submission{ClientID: "a", Op: ot.NewInsert(0, "x"), Revision: 5})

	var resync *collab.ResyncError

	require.ErrorAs(t, err, &resync)
	require.ErrorIs(t, err, ot.ErrFutureRevision)
	require.Equal(t, 0, resync.Snapshot.Revision)
}

func TestSession_Submit_OutOfRange(t *testing.T) {
	t.Parallel()

	session := newSession(t, collab.SessionConfig{Store: newStore(t, "abc")})

	_, err := session.Submit(context.Background(), collab.Submission{ClientID: "a", Op: ot.NewDelete(2, 5), Revision: 0})
	require.ErrorIs(t, err, ot.ErrOutOfRange)
	require.Equal(t, 0, session.Revision())
}

func TestSession_Submit_PersistFailureHalts(t *testing.T) {
	t.Parallel()

	store := &failingStore{MemoryStore: newStore(t, "abc")}
	session := newSession(t, collab.SessionConfig{Store: store})

	submit(t, session, "a", ot.NewInsert(0, "x"), 0)

	store.fail.Store(true)

	_, err := session.Submit(context.Background(), collab.Submission{ClientID: "a", Op: ot.NewInsert(0, "y"), Revision: 1})
	require.ErrorIs(t, err, ot.ErrHalted)

	if !errors.Is(err, errDiskFull) {
		t.Errorf("expected the storage error to be wrapped, got %v", err)
	}

	store.fail.Store(false)

	_, err = session.Submit(context.Background(), collab.Submission{ClientID: "a", Op: ot.NewInsert(0, "z"), Revision: 2})
	require.ErrorIs(t, err, ot.ErrHalted)

	// A halted session must not overwrite storage with unpersisted state.
	require.NoError(t, session.Close(context.Background()))

	snap, err := store.LoadSnapshot(context.Background(), testDocID)
	require.NoError(t, err)
	require.Equal(t, 0, snap.Revision)
}

func TestSession_Submit_BroadcastsToOthers(t *testing.T) {
	t.Parallel()

	hub := ws.NewHub()
	session := newSession(t, collab.SessionConfig{Store: newStore(t, "hi"), Hub: hub})

	author, authorConn := startClient(t, "author", 8)
	reader, readerConn := startClient(t, "reader", 8)

	for _, c := range []*ws.Client{author, reader} {
		hub.Register(c)
		require.NoError(t, session.Subscribe(c, nil))
	}

	submit(t, session, "author", ot.NewInsert(2, "!"), 0)

	events := waitForEvents(t, readerConn, 2)
	require.Equal(t, ws.EventConnected, events[0].Type)
	require.Equal(t, "hi", *events[0].Text)
	require.Equal(t, ws.EventUpdate, events[1].Type)
	require.Equal(t, 1, events[1].Revision)
	require.Equal(t, "author", events[1].SourceClientID)
	require.Equal(t, ot.NewInsert(2, "!"), *events[1].Op)

	waitForEvents(t, authorConn, 1)
	require.Never(t, func() bool { return len(authorConn.Events()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSession_Subscribe_Since(t *testing.T) {
	t.Parallel()

	session := newSession(t, collab.SessionConfig{Store: newStore(t, ""), HistorySize: 2})

	for i, s := range []string{"a", "b", "c"} {
		submit(t, session, "writer", ot.NewInsert(i, s), i)
	}

	t.Run("retained", func(t *testing.T) {
		t.Parallel()

		client, conn := startClient(t, "late", 8)
		since := 1
		require.NoError(t, session.Subscribe(client, &since))

		events := waitForEvents(t, conn, 3)
		require.Equal(t, ws.EventConnected, events[0].Type)
		require.Nil(t, events[0].Text)
		require.Equal(t, 3, events[0].Revision)
		require.Equal(t, 2, events[1].Revision)
		require.Equal(t, 3, events[2].Revision)
	})

	t.Run("stale", func(t *testing.T) {
		t.Parallel()

		client, conn := startClient(t, "writer", 8)
		since := 0
		require.NoError(t, session.Subscribe(client, &since))

		events := waitForEvents(t, conn, 1)
		require.Equal(t, ws.EventResync, events[0].Type)
		require.Equal(t, "abc", *events[0].Text)
		require.Equal(t, 3, events[0].Revision)
	})

	t.Run("too many to queue", func(t *testing.T) {
		t.Parallel()

		client, conn := startClient(t, "small", 2)
		since := 1
		require.NoError(t, session.Subscribe(client, &since))

		events := waitForEvents(t, conn, 1)
		require.Equal(t, ws.EventResync, events[0].Type)
	})
}

func TestSession_Permissions(t *testing.T) {
	t.Parallel()

	perms := acl.NewMemoryStore()
	require.NoError(t, perms.Grant(testDocID, "viewer", acl.Viewer))
	require.NoError(t, perms.Grant(testDocID, "editor", acl.Editor))

	session := newSession(t, collab.SessionConfig{
		Store:       newStore(t, "abc"),
		PermChecker: acl.NewChecker(perms),
	})

	_, err := session.Submit(context.Background(), collab.Submission{UserID: "viewer", Op: ot.NewInsert(0, "x")})
	require.ErrorIs(t, err, acl.ErrAccessDenied)

	_, err = session.Submit(context.Background(), collab.Submission{UserID: "editor", Op: ot.NewInsert(0, "x")})
	require.NoError(t, err)

	_, err = session.GetState("stranger")
	require.ErrorIs(t, err, acl.ErrAccessDenied)

	snap, err := session.GetState("viewer")
	require.NoError(t, err)
	require.Equal(t, "xabc", snap.Text)

	_, err = session.History("stranger", 0)
	require.ErrorIs(t, err, acl.ErrAccessDenied)
}

func TestSession_SnapshotPolicyAndReload(t *testing.T) {
	t.Parallel()

	store := newStore(t, "")
	session := newSession(t, collab.SessionConfig{
		Store:          store,
		SnapshotPolicy: storage.NewSnapshotPolicy(2),
	})

	for i, s := range []string{"a", "b", "c"} {
		submit(t, session, "writer", ot.NewInsert(i, s), i)
	}

	snap, err := store.LoadSnapshot(context.Background(), testDocID)
	require.NoError(t, err)
	require.Equal(t, 2, snap.Revision)
	require.Equal(t, "ab", snap.Content)

	reloaded := newSession(t, collab.SessionConfig{Store: store})
	require.Equal(t, ot.Snapshot{Text: "abc", Revision: 3}, stateOf(t, reloaded))

	entries, err := reloaded.History("", 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "c", entries[0].Op.Text)
}

func TestSession_Close(t *testing.T) {
	t.Parallel()

	store := newStore(t, "")
	hub := ws.NewHub()
	session := newSession(t, collab.SessionConfig{Store: store, Hub: hub})

	client, conn := startClient(t, "watcher", 4)
	hub.Register(client)
	require.NoError(t, session.Subscribe(client, nil))

	submit(t, session, "a", ot.NewInsert(0, "x"), 0)

	require.NoError(t, session.Close(context.Background()))
	require.NoError(t, session.Close(context.Background()))

	require.Eventually(t, conn.IsClosed, time.Second, 5*time.Millisecond)

	snap, err := store.LoadSnapshot(context.Background(), testDocID)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Revision)

	_, err = session.Submit(context.Background(), collab.Submission{Op: ot.NewInsert(0, "y"), Revision: 1})
	require.ErrorIs(t, err, collab.ErrSessionClosed)
}
