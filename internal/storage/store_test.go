package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/serroba/collab-text/internal/ot"
	"github.com/serroba/collab-text/internal/storage"
	"github.com/stretchr/testify/require"
)

// backends returns every store the current environment can exercise.
// Postgres and Redis run only when TEST_DATABASE_URL / TEST_REDIS_ADDR are set.
func backends(t *testing.T) map[string]func(t *testing.T) storage.Store {
	t.Helper()

	all := map[string]func(t *testing.T) storage.Store{
		"memory": func(_ *testing.T) storage.Store {
			return storage.NewMemoryStore()
		},
		"bolt": func(t *testing.T) storage.Store {
			store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "collab.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })

			return store
		},
	}

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		all["postgres"] = func(t *testing.T) storage.Store {
			store, err := storage.NewPostgresStore(context.Background(), url)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })

			return store
		}
	}

	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		all["redis"] = func(t *testing.T) storage.Store {
			store, err := storage.NewRedisStore(context.Background(), addr)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })

			return store.WithPrefix("test:" + uuid.NewString() + ":")
		}
	}

	return all
}

// forEachBackend runs fn once per backend with a fresh document ID.
func forEachBackend(t *testing.T, fn func(t *testing.T, store storage.Store, docID string)) {
	t.Helper()

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			fn(t, open(t), "doc-"+uuid.NewString())
		})
	}
}

func entry(rev int, op ot.Operation) ot.HistoryEntry {
	return ot.HistoryEntry{
		Revision:  rev,
		Op:        op,
		ClientID:  "client1",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestStore_CreateDocument(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store storage.Store, docID string) {
		ctx := context.Background()

		require.NoError(t, store.CreateDocument(ctx, docID, "hello"))

		exists, err := store.DocumentExists(ctx, docID)
		require.NoError(t, err)
		require.True(t, exists)

		snapshot, err := store.LoadSnapshot(ctx, docID)
		require.NoError(t, err)
		require.Equal(t, "hello", snapshot.Content)
		require.Equal(t, 0, snapshot.Revision)

		err = store.CreateDocument(ctx, docID, "")
		if !errors.Is(err, storage.ErrDocumentExists) {
			t.Errorf("expected ErrDocumentExists, got %v", err)
		}
	})
}

func TestStore_MissingDocument(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store storage.Store, docID string) {
		ctx := context.Background()

		exists, err := store.DocumentExists(ctx, docID)
		require.NoError(t, err)
		require.False(t, exists)

		_, err = store.LoadSnapshot(ctx, docID)
		require.ErrorIs(t, err, storage.ErrDocumentNotFound)

		_, err = store.LoadOperations(ctx, docID, 0)
		require.ErrorIs(t, err, storage.ErrDocumentNotFound)

		_, err = store.LatestRevision(ctx, docID)
		require.ErrorIs(t, err, storage.ErrDocumentNotFound)

		require.ErrorIs(t, store.AppendOperation(ctx, docID, entry(1, ot.NewInsert(0, "x"))), storage.ErrDocumentNotFound)
		require.ErrorIs(t, store.SaveSnapshot(ctx, docID, 1, "x"), storage.ErrDocumentNotFound)
		require.ErrorIs(t, store.DeleteDocument(ctx, docID), storage.ErrDocumentNotFound)
	})
}

func TestStore_AppendAndLoadOperations(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store storage.Store, docID string) {
		ctx := context.Background()

		require.NoError(t, store.CreateDocument(ctx, docID, ""))

		written := []ot.HistoryEntry{
			entry(1, ot.NewInsert(0, "héllo")),
			entry(2, ot.NewDelete(0, 1)),
			entry(3, ot.NewInsert(4, "!")),
		}

		for _, e := range written {
			require.NoError(t, store.AppendOperation(ctx, docID, e))
		}

		all, err := store.LoadOperations(ctx, docID, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)

		for i := range written {
			require.Equal(t, written[i].Revision, all[i].Revision)
			require.Equal(t, written[i].Op, all[i].Op)
			require.Equal(t, written[i].ClientID, all[i].ClientID)
			require.True(t, written[i].Timestamp.Equal(all[i].Timestamp))
		}

		tail, err := store.LoadOperations(ctx, docID, 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		require.Equal(t, 3, tail[0].Revision)

		latest, err := store.LatestRevision(ctx, docID)
		require.NoError(t, err)
		require.Equal(t, 3, latest)
	})
}

func TestStore_AppendOperation_RevisionConflict(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store storage.Store, docID string) {
		ctx := context.Background()

		require.NoError(t, store.CreateDocument(ctx, docID, ""))
		require.NoError(t, store.AppendOperation(ctx, docID, entry(1, ot.NewInsert(0, "a"))))

		err := store.AppendOperation(ctx, docID, entry(1, ot.NewInsert(0, "b")))
		require.ErrorIs(t, err, storage.ErrRevisionConflict)
	})
}

func TestStore_SaveSnapshot_PrunesLog(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store storage.Store, docID string) {
		ctx := context.Background()

		require.NoError(t, store.CreateDocument(ctx, docID, ""))

		for rev := 1; rev <= 4; rev++ {
			require.NoError(t, store.AppendOperation(ctx, docID, entry(rev, ot.NewInsert(0, "x"))))
		}

		require.NoError(t, store.SaveSnapshot(ctx, docID, 3, "xxx"))

		snapshot, err := store.LoadSnapshot(ctx, docID)
		require.NoError(t, err)
		require.Equal(t, 3, snapshot.Revision)
		require.Equal(t, "xxx", snapshot.Content)

		ops, err := store.LoadOperations(ctx, docID, 0)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		require.Equal(t, 4, ops[0].Revision)

		latest, err := store.LatestRevision(ctx, docID)
		require.NoError(t, err)
		require.Equal(t, 4, latest)

		require.NoError(t, store.SaveSnapshot(ctx, docID, 4, "xxxx"))

		latest, err = store.LatestRevision(ctx, docID)
		require.NoError(t, err)
		require.Equal(t, 4, latest)
	})
}

func TestStore_DeleteDocument(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store storage.Store, docID string) {
		ctx := context.Background()

		require.NoError(t, store.CreateDocument(ctx, docID, "bye"))
		require.NoError(t, store.AppendOperation(ctx, docID, entry(1, ot.NewDelete(0, 1))))
		require.NoError(t, store.DeleteDocument(ctx, docID))

		exists, err := store.DocumentExists(ctx, docID)
		require.NoError(t, err)
		require.False(t, exists)

		// The ID can be reused after deletion.
		require.NoError(t, store.CreateDocument(ctx, docID, ""))

		ops, err := store.LoadOperations(ctx, docID, 0)
		require.NoError(t, err)
		require.Empty(t, ops)
	})
}

func TestStore_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, store storage.Store, docID string) {
		ctx := context.Background()
		require.NoError(t, store.CreateDocument(ctx, docID, ""))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			conflicts int
		)

		for range 10 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				err := store.AppendOperation(ctx, docID, entry(1, ot.NewInsert(0, "x")))
				if errors.Is(err, storage.ErrRevisionConflict) {
					mu.Lock()
					conflicts++
					mu.Unlock()

					return
				}

				if err != nil {
					t.Errorf("unexpected append error: %v", err)
				}
			}()
		}

		wg.Wait()

		if conflicts != 9 {
			t.Errorf("expected exactly one append to win, got %d conflicts", conflicts)
		}

		ops, err := store.LoadOperations(ctx, docID, 0)
		require.NoError(t, err)
		require.Len(t, ops, 1)
	})
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "collab.db")

	store, err := storage.NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.CreateDocument(ctx, "doc1", "ab"))
	require.NoError(t, store.AppendOperation(ctx, "doc1", entry(1, ot.NewInsert(2, "c"))))
	require.NoError(t, store.Close())

	store, err = storage.NewBoltStore(path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	ops, err := store.LoadOperations(ctx, "doc1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, ot.NewInsert(2, "c"), ops[0].Op)
}
