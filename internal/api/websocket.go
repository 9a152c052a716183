package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/serroba/collab-text/internal/collab"
	"github.com/serroba/collab-text/internal/ot"
	"github.com/serroba/collab-text/internal/ws"
)

const maxFrameSize = 1 << 20

// handleWebSocket handles GET /ws?docId={id}&clientId={id}&since={revision}.
// Without since the stream starts with the full text; with it, with the
// updates the client missed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	docID := query.Get("docId")
	if docID == "" {
		writeError(w, fmt.Errorf("%w: docId query parameter is required", ot.ErrInvalidPayload))

		return
	}

	clientID := query.Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	var since *int

	if raw := query.Get("since"); raw != "" {
		rev, err := parseRevision(raw)
		if err != nil {
			writeError(w, err)

			return
		}

		since = &rev
	}

	userID := UserIDFromContext(r.Context())

	// Fail with a plain HTTP status while that is still possible.
	session, err := s.manager.GetOrCreateSession(r.Context(), docID)
	if err != nil {
		writeError(w, err)

		return
	}

	if _, err := session.GetState(userID); err != nil {
		writeError(w, err)

		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade error: %v", err)

		return
	}

	client := ws.NewClient(uuid.NewString(), clientID, userID, conn, s.sendBuffer)
	s.hub.Register(client)

	defer func() {
		s.hub.Unregister(client)
		_ = client.Close()
	}()

	go client.WritePump(s.pingInterval)

	if err := session.Subscribe(client, since); err != nil {
		log.Printf("api: subscribe %s to %s: %v", clientID, docID, err)

		return
	}

	s.keepAlive(conn)

	log.Printf("api: stream %s opened for %s on %s", client.ID, clientID, docID)
	s.readFrames(r.Context(), client, session)
	log.Printf("api: stream %s closed", client.ID)
}

// keepAlive expects a pong, or any frame, within two ping intervals.
func (s *Server) keepAlive(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)

	if s.pingInterval <= 0 {
		return
	}

	wait := 2 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(wait))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
}

// readFrames processes frames from a client until the stream ends.
func (s *Server) readFrames(ctx context.Context, client *ws.Client, session *collab.Session) {
	for {
		frame, err := client.Receive()

		switch {
		case errors.Is(err, ws.ErrInvalidFrame):
			client.SendError(ws.ErrorCodeInvalidMessage, err.Error())

			continue
		case err != nil:
			return
		}

		switch frame.Type {
		case ws.EventSubmit:
			s.handleSubmitFrame(ctx, client, session, frame.SubmitRequest)
		case ws.EventConnected, ws.EventUpdate, ws.EventResync, ws.EventAck, ws.EventError:
			client.SendError(ws.ErrorCodeInvalidMessage, "unexpected frame type "+strconv.Quote(string(frame.Type)))
		default:
			client.SendError(ws.ErrorCodeInvalidMessage, "unknown frame type "+strconv.Quote(string(frame.Type)))
		}
	}
}

// handleSubmitFrame submits an in-band operation and answers on the stream.
// The stream's own client ID identifies the submitter.
func (s *Server) handleSubmitFrame(ctx context.Context, client *ws.Client, session *collab.Session, req ws.SubmitRequest) {
	ack, err := session.Submit(ctx, collab.Submission{
		ClientID: client.ClientID,
		UserID:   client.UserID,
		Op:       req.Op,
		Revision: req.Revision,
		Seq:      req.Seq,
	})

	var resync *collab.ResyncError

	var answer ws.Event

	switch {
	case errors.As(err, &resync):
		answer = ws.ResyncEvent(resync.Snapshot.Text, resync.Snapshot.Revision, resync.Seq)
	case err != nil:
		_, code := classify(err)
		answer = ws.ErrorEvent(code, err.Error())
	default:
		answer = ws.AckEvent(submitResponse(ack))
	}

	// A stream too slow to take its own answer is dropped like any slow
	// subscriber; the client recovers by reconnecting with since.
	s.hub.Send(client, answer)
}
