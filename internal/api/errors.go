package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/serroba/collab-text/internal/acl"
	"github.com/serroba/collab-text/internal/collab"
	"github.com/serroba/collab-text/internal/ot"
	"github.com/serroba/collab-text/internal/storage"
	"github.com/serroba/collab-text/internal/ws"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error ws.ErrorPayload `json:"error"`
}

// classify maps an error to an HTTP status and a stream error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ot.ErrInvalidPayload):
		return http.StatusBadRequest, ws.ErrorCodeInvalidMessage
	case errors.Is(err, ot.ErrOutOfRange):
		return http.StatusUnprocessableEntity, ws.ErrorCodeOutOfRange
	case errors.Is(err, acl.ErrAccessDenied):
		return http.StatusForbidden, ws.ErrorCodeAccessDenied
	case errors.Is(err, storage.ErrDocumentNotFound):
		return http.StatusNotFound, ws.ErrorCodeNotFound
	case errors.Is(err, storage.ErrDocumentExists):
		return http.StatusConflict, ws.ErrorCodeExists
	case errors.Is(err, collab.ErrSessionClosed):
		return http.StatusServiceUnavailable, ws.ErrorCodeUnavailable
	default:
		return http.StatusInternalServerError, ws.ErrorCodeInternalError
	}
}

// writeError reports err to the caller. A resync is not a failure of the
// request body, so it is answered with the state to restart from.
func writeError(w http.ResponseWriter, err error) {
	var resync *collab.ResyncError
	if errors.As(err, &resync) {
		writeJSON(w, http.StatusConflict, resyncResponse(resync))

		return
	}

	status, code := classify(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("api: %v", err)

		message = "internal server error"
	}

	writeJSON(w, status, ErrorResponse{Error: ws.ErrorPayload{Code: code, Message: message}})
}

func resyncResponse(e *collab.ResyncError) ws.ResyncResponse {
	return ws.ResyncResponse{
		Type:     ws.EventResync,
		Text:     e.Snapshot.Text,
		Revision: e.Snapshot.Revision,
		Seq:      e.Seq,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

// decodeBody decodes a JSON request body. Any decoding failure is reported
// as an invalid payload.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, ot.ErrInvalidPayload) {
			return err
		}

		return fmt.Errorf("%w: %w", ot.ErrInvalidPayload, err)
	}

	return nil
}
