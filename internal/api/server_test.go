package api_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/serroba/collab-text/internal/api"
	"github.com/stretchr/testify/require"
)

func TestServer_Health(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[api.HealthResponse](t, rec)
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, 0, resp.Sessions)
}

func TestServer_Auth(t *testing.T) {
	t.Parallel()

	t.Run("required when access control is on", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, true)

		for _, path := range []string{"/documents/x", "/ws?docId=x"} {
			rec := env.do(t, http.MethodGet, path, "", nil)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("%s: expected 401 for missing user, got %d", path, rec.Code)
			}
		}

		env.createDoc(t, testDocID, "hi", "alice")

		rec := env.do(t, http.MethodGet, "/documents/"+testDocID+"?userId=alice", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("anonymous otherwise", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, false)
		env.createDoc(t, testDocID, "hi", "")

		rec := env.do(t, http.MethodGet, "/documents/"+testDocID, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestServer_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPatch, "/documents/test", "user1", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestUserIDFromContext_Unset(t *testing.T) {
	t.Parallel()

	if userID := api.UserIDFromContext(context.Background()); userID != "" {
		t.Errorf("expected empty string, got %q", userID)
	}
}
