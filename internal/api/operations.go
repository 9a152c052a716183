package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/serroba/collab-text/internal/collab"
	"github.com/serroba/collab-text/internal/ws"
)

// handleSubmit handles POST /documents/{id}/operations.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req ws.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)

		return
	}

	session, err := s.manager.GetOrCreateSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)

		return
	}

	ack, err := session.Submit(r.Context(), collab.Submission{
		ClientID: req.ClientID,
		UserID:   UserIDFromContext(r.Context()),
		Op:       req.Op,
		Revision: req.Revision,
		Seq:      req.Seq,
	})
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, submitResponse(ack))
}

func submitResponse(ack collab.Ack) ws.SubmitResponse {
	resp := ws.SubmitResponse{Ack: true, Revision: ack.Revision, Seq: ack.Seq}

	if ack.Transformed() {
		op := ack.Op
		resp.TransformedOp = &op
	}

	return resp
}
