package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/serroba/collab-text/internal/acl"
	"github.com/serroba/collab-text/internal/api"
	"github.com/serroba/collab-text/internal/collab"
	"github.com/serroba/collab-text/internal/storage"
	"github.com/serroba/collab-text/internal/ws"
	"github.com/stretchr/testify/require"
)

const testDocID = "doc1"

type testEnv struct {
	handler http.Handler
	manager *collab.Manager
	store   *storage.MemoryStore
	perms   *acl.MemoryStore
	hub     *ws.Hub
}

// newTestEnv wires a server over memory stores. With withACL, users need
// explicit grants and requests must name a user.
func newTestEnv(t *testing.T, withACL bool) *testEnv {
	t.Helper()

	env := &testEnv{store: storage.NewMemoryStore(), hub: ws.NewHub()}

	cfg := collab.ManagerConfig{Store: env.store, Hub: env.hub, HistorySize: 4}
	if withACL {
		env.perms = acl.NewMemoryStore()
		cfg.PermStore = env.perms
	}

	env.manager = collab.NewManager(cfg)
	env.handler = api.NewServer(api.ServerConfig{
		Manager:     env.manager,
		Hub:         env.hub,
		SendBuffer:  16,
		RequireUser: withACL,
	}).Handler()

	t.Cleanup(func() { _ = env.manager.CloseAll(context.Background()) })

	return env
}

func (e *testEnv) createDoc(t *testing.T, docID, text, owner string) {
	t.Helper()

	require.NoError(t, e.manager.CreateDocument(context.Background(), docID, text, owner))
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))

	return v
}
