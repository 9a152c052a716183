package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/serroba/collab-text/internal/acl"
	"github.com/serroba/collab-text/internal/collab"
	"github.com/serroba/collab-text/internal/ot"
)

// CreateDocumentRequest is the request body for creating a document.
// A missing ID is generated.
type CreateDocumentRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// DocumentResponse is a document's state at a revision.
type DocumentResponse struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Revision int    `json:"revision"`
}

// HistoryResponse lists the retained entries after a revision.
type HistoryResponse struct {
	ID       string            `json:"id"`
	Revision int               `json:"revision"`
	Entries  []ot.HistoryEntry `json:"entries"`
}

// ShareRequest grants Role on a document to UserID.
type ShareRequest struct {
	UserID string   `json:"userId"`
	Role   acl.Role `json:"role"`
}

// handleCreateDocument handles POST /documents.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)

		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	userID := UserIDFromContext(r.Context())

	if err := s.manager.CreateDocument(r.Context(), req.ID, req.Text, userID); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, DocumentResponse{ID: req.ID, Text: req.Text})
}

// handleGetDocument handles GET /documents/{id}.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	session, err := s.manager.GetOrCreateSession(r.Context(), docID)
	if err != nil {
		writeError(w, err)

		return
	}

	snap, err := session.GetState(UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, DocumentResponse{ID: docID, Text: snap.Text, Revision: snap.Revision})
}

// handleDeleteDocument handles DELETE /documents/{id}.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	if err := s.manager.DeleteDocument(r.Context(), docID, UserIDFromContext(r.Context())); err != nil {
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHistory handles GET /documents/{id}/history?since={revision}.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	since, err := parseRevision(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, err)

		return
	}

	session, err := s.manager.GetOrCreateSession(r.Context(), docID)
	if err != nil {
		writeError(w, err)

		return
	}

	userID := UserIDFromContext(r.Context())

	entries, err := session.History(userID, since)

	switch {
	case errors.Is(err, ot.ErrStaleClient), errors.Is(err, ot.ErrFutureRevision):
		snap, stateErr := session.GetState(userID)
		if stateErr != nil {
			writeError(w, stateErr)

			return
		}

		writeError(w, &collab.ResyncError{Snapshot: snap, Err: err})

		return
	case err != nil:
		writeError(w, err)

		return
	}

	if entries == nil {
		entries = []ot.HistoryEntry{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{ID: docID, Revision: session.Revision(), Entries: entries})
}

// handleShare handles PUT /documents/{id}/permissions.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	if s.manager.Checker() == nil {
		http.Error(w, "access control is disabled", http.StatusNotImplemented)

		return
	}

	var req ShareRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)

		return
	}

	if req.UserID == "" {
		writeError(w, fmt.Errorf("%w: userId is required", ot.ErrInvalidPayload))

		return
	}

	docID := mux.Vars(r)["id"]

	if err := s.manager.Share(r.Context(), docID, UserIDFromContext(r.Context()), req.UserID, req.Role); err != nil {
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListPermissions handles GET /documents/{id}/permissions.
func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if s.manager.Checker() == nil {
		http.Error(w, "access control is disabled", http.StatusNotImplemented)

		return
	}

	perms, err := s.manager.Permissions(mux.Vars(r)["id"], UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, perms)
}

// parseRevision parses an optional revision query value. Empty means 0.
func parseRevision(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}

	rev, err := strconv.Atoi(raw)
	if err != nil || rev < 0 {
		return 0, fmt.Errorf("%w: bad revision %q", ot.ErrInvalidPayload, raw)
	}

	return rev, nil
}
