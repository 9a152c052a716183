package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrInvalidFrame is returned by Receive when a frame cannot be decoded.
// The connection remains usable.
var ErrInvalidFrame = errors.New("invalid frame")

const writeWait = 10 * time.Second

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client represents one open stream.
// ID names the connection; ClientID names the editing session on the other
// end, which survives reconnects.
type Client struct {
	ID       string
	ClientID string
	UserID   string
	conn     Conn

	send      chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	docID string // Currently subscribed document
}

// NewClient creates a client whose outbound queue holds bufferSize events.
func NewClient(id, clientID, userID string, conn Conn, bufferSize int) *Client {
	if bufferSize < 1 {
		bufferSize = 1
	}

	return &Client{
		ID:       id,
		ClientID: clientID,
		UserID:   userID,
		conn:     conn,
		send:     make(chan Event, bufferSize),
		done:     make(chan struct{}),
	}
}

// Enqueue queues an event without blocking. It returns false when the queue
// is full or the client is closed.
func (c *Client) Enqueue(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// SendError queues an error event.
func (c *Client) SendError(code, message string) bool {
	return c.Enqueue(ErrorEvent(code, message))
}

// Capacity is the size of the outbound queue.
func (c *Client) Capacity() int {
	return cap(c.send)
}

// WritePump writes queued events in order and pings every pingInterval.
// It returns, closing the client, when a write fails or Close is called.
func (c *Client) WritePump(pingInterval time.Duration) {
	defer c.Close()

	var tick <-chan time.Time

	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Receive reads the next frame from the client.
func (c *Client) Receive() (Frame, error) {
	var raw json.RawMessage

	if err := c.conn.ReadJSON(&raw); err != nil {
		return Frame{}, err
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	return frame, nil
}

// Close closes the client connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})

	return err
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// DocID returns the document the client is subscribed to.
func (c *Client) DocID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.docID
}

// SetDocID sets the document the client is subscribed to.
func (c *Client) SetDocID(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.docID = docID
}
