package ws

import "github.com/serroba/collab-text/internal/ot"

// EventType identifies the kind of WebSocket frame.
type EventType string

const (
	// Client to Server frames.
	EventSubmit EventType = "submit" // Client submits an edit in-band

	// Server to Client frames.
	EventConnected EventType = "connected" // Stream is live at a revision
	EventUpdate    EventType = "update"    // An operation was committed
	EventResync    EventType = "resync"    // Full state; the client fell out of the history window
	EventAck       EventType = "ack"       // Answer to an in-band submit
	EventError     EventType = "error"     // Server reports an error
)

// Event is the flat JSON frame pushed from server to client.
// Fields irrelevant to a type are omitted.
type Event struct {
	Type           EventType     `json:"type"`
	Revision       int           `json:"revision"`
	Text           *string       `json:"text,omitempty"`
	Op             *ot.Operation `json:"op,omitempty"`
	SourceClientID string        `json:"sourceClientId,omitempty"`
	TransformedOp  *ot.Operation `json:"transformedOp,omitempty"`
	Seq            uint64        `json:"seq,omitempty"`
	Error          *ErrorPayload `json:"error,omitempty"`
}

// SubmitRequest carries one operation generated against Revision.
// Seq numbers a client's submissions so retries are recognised.
type SubmitRequest struct {
	Op       ot.Operation `json:"op"`
	ClientID string       `json:"clientId"`
	Revision int          `json:"revision"`
	Seq      uint64       `json:"seq,omitempty"`
}

// SubmitResponse acknowledges a submission. TransformedOp is present only
// when the committed operation differs from the submitted one.
type SubmitResponse struct {
	Ack           bool          `json:"ack"`
	Revision      int           `json:"revision"`
	TransformedOp *ot.Operation `json:"transformedOp,omitempty"`
	Seq           uint64        `json:"seq,omitempty"`
}

// ResyncResponse is the full state sent to a client that cannot be
// reconciled incrementally. Seq is the last submission of that client the
// server has processed.
type ResyncResponse struct {
	Type     EventType `json:"type"`
	Text     string    `json:"text"`
	Revision int       `json:"revision"`
	Seq      uint64    `json:"seq,omitempty"`
}

// Frame is what a client may send over the socket.
type Frame struct {
	Type EventType `json:"type"`
	SubmitRequest
}

// ErrorPayload reports an error to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrorCodeAccessDenied   = "access_denied"
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeOutOfRange     = "out_of_range"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeExists         = "already_exists"
	ErrorCodeUnavailable    = "unavailable"
	ErrorCodeInternalError  = "internal_error"
)

// ConnectedEvent announces a live stream. Text is set when the client has no
// state to catch up from.
func ConnectedEvent(revision int, text *string) Event {
	return Event{Type: EventConnected, Revision: revision, Text: text}
}

// UpdateEvent pushes a committed entry.
func UpdateEvent(entry ot.HistoryEntry) Event {
	op := entry.Op

	return Event{
		Type:           EventUpdate,
		Revision:       entry.Revision,
		Op:             &op,
		SourceClientID: entry.ClientID,
	}
}

// ResyncEvent replaces the client's state wholesale.
func ResyncEvent(text string, revision int, seq uint64) Event {
	return Event{Type: EventResync, Revision: revision, Text: &text, Seq: seq}
}

// AckEvent answers an in-band submit.
func AckEvent(resp SubmitResponse) Event {
	return Event{Type: EventAck, Revision: resp.Revision, TransformedOp: resp.TransformedOp, Seq: resp.Seq}
}

// ErrorEvent reports a failure to the client.
func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Error: &ErrorPayload{Code: code, Message: message}}
}
