package api

import (
	"context"
	"net/http"
)

const (
	headerUserID = "X-User-Id"
	queryUserID  = "userId"

	// AnonymousUser acts for requests without a user when none is required.
	AnonymousUser = "anonymous"
)

type userKey struct{}

// UserIDFromContext returns the user a request acts for, or "".
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)

	return userID
}

// authMiddleware extracts the user ID from the X-User-Id header and adds it
// to the request context. Browsers cannot set headers on a WebSocket
// handshake, so the userId query parameter is accepted as well.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(headerUserID)
		if userID == "" {
			userID = r.URL.Query().Get(queryUserID)
		}

		if userID == "" {
			if s.requireUser {
				http.Error(w, "missing X-User-Id header", http.StatusUnauthorized)

				return
			}

			userID = AnonymousUser
		}

		ctx := context.WithValue(r.Context(), userKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
