// Package client keeps a local copy of a shared document in sync with a
// collaboration server.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/serroba/collab-text/internal/ws"
)

// Common errors.
var (
	ErrNotReady = errors.New("document not loaded yet")
	ErrRejected = errors.New("stream rejected by server")
)

// ConnState is the state of the push stream.
type ConnState int

const (
	Connecting ConnState = iota
	Connected
	Disconnected
)

// String returns the string representation of the state.
func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// State is what an editor renders.
type State struct {
	Text     string
	Cursor   int
	Revision int
	Conn     ConnState
	Ready    bool // An initial snapshot was received
	Syncing  bool // Local edits are waiting for the server
}

// Config holds configuration for creating a client.
type Config struct {
	BaseURL  string // e.g. http://localhost:8080
	DocID    string
	ClientID string // Generated when empty
	UserID   string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// OnChange is called after every state change, outside any lock and
	// possibly from more than one goroutine.
	OnChange func(State)

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ReadTimeout bounds the silence tolerated on the stream, pings included.
	ReadTimeout time.Duration
}

// Client edits one document. Edits apply locally at once; a background
// sender submits them one at a time while the stream delivers everyone
// else's changes.
type Client struct {
	cfg Config

	mu      sync.Mutex
	rec     *Reconciler
	ready   bool
	conn    ConnState
	active  *websocket.Conn
	changed chan struct{} // closed and replaced on every change

	wake chan struct{}
}

// New creates a client. Call Run to connect.
func New(cfg Config) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}

	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Minute
	}

	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &Client{
		cfg:     cfg,
		rec:     NewReconciler(cfg.ClientID),
		conn:    Disconnected,
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// ClientID returns the ID this editing session submits under.
func (c *Client) ClientID() string {
	return c.cfg.ClientID
}

// State returns a snapshot of the local state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stateLocked()
}

func (c *Client) stateLocked() State {
	return State{
		Text:     c.rec.Text(),
		Cursor:   c.rec.Cursor(),
		Revision: c.rec.Revision(),
		Conn:     c.conn,
		Ready:    c.ready,
		Syncing:  c.rec.Syncing(),
	}
}

// Edit replaces the local text. It never blocks on the network.
func (c *Client) Edit(text string, cursor int) error {
	c.mu.Lock()

	if !c.ready {
		c.mu.Unlock()

		return ErrNotReady
	}

	c.rec.Edit(text, cursor)
	c.mu.Unlock()

	c.notify()

	return nil
}

// WaitFor blocks until pred holds for the current state.
func (c *Client) WaitFor(ctx context.Context, pred func(State) bool) error {
	for {
		c.mu.Lock()
		state, changed := c.stateLocked(), c.changed
		c.mu.Unlock()

		if pred(state) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Run keeps the client connected until ctx is done or the server rejects
// the stream.
func (c *Client) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		c.sendLoop(runCtx)
	}()

	err := c.streamLoop(runCtx)

	cancel()
	wg.Wait()

	if err != nil {
		return err
	}

	return ctx.Err()
}

// notify wakes the sender and any WaitFor callers.
func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}

	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	state := c.stateLocked()
	c.mu.Unlock()

	if c.cfg.OnChange != nil {
		c.cfg.OnChange(state)
	}
}

func (c *Client) setConn(state ConnState, stream *websocket.Conn) {
	c.mu.Lock()
	c.conn = state
	c.active = stream
	c.mu.Unlock()

	c.notify()
}

// restart drops the local state and reconnects for a fresh snapshot.
func (c *Client) restart(cause error) {
	log.Printf("client: %s: starting over: %v", c.cfg.DocID, cause)

	c.mu.Lock()
	c.ready = false
	stream := c.active
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) streamLoop(ctx context.Context) error {
	b := c.newBackOff()

	for {
		c.setConn(Connecting, nil)

		err := c.stream(ctx, b)

		c.setConn(Disconnected, nil)

		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, ErrRejected) {
			return err
		}

		log.Printf("client: %s stream: %v", c.cfg.DocID, err)

		if !sleep(ctx, b.NextBackOff()) {
			return nil
		}
	}
}

func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL + "/ws")
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	q := url.Values{"docId": {c.cfg.DocID}, "clientId": {c.cfg.ClientID}}

	c.mu.Lock()
	if c.ready {
		q.Set("since", strconv.Itoa(c.rec.Revision()))
	}
	c.mu.Unlock()

	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.cfg.UserID != "" {
		h.Set("X-User-Id", c.cfg.UserID)
	}

	return h
}

// stream runs one connection until it fails.
func (c *Client) stream(ctx context.Context, b *backoff.ExponentialBackOff) error {
	target, err := c.streamURL()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, c.header())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("%w: %s", ErrRejected, resp.Status)
		}

		return err
	}

	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	c.setConn(Connected, conn)
	b.Reset()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		var ev ws.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}

		if err := c.handleEvent(ev); err != nil {
			c.restart(err)

			return err
		}

		c.notify()
	}
}

func (c *Client) handleEvent(ev ws.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case ws.EventConnected:
		if ev.Text == nil {
			// Missed updates follow.
			return nil
		}

		if !c.ready {
			c.rec.Reset(*ev.Text, ev.Revision)
			c.ready = true

			return nil
		}

		return c.rec.Resync(*ev.Text, ev.Revision, 0)
	case ws.EventUpdate:
		if ev.Op == nil {
			return nil
		}

		return c.rec.Receive(Update{Revision: ev.Revision, Op: *ev.Op, SourceClientID: ev.SourceClientID})
	case ws.EventResync:
		if ev.Text == nil {
			return nil
		}

		if !c.ready {
			c.rec.Reset(*ev.Text, ev.Revision)
			c.ready = true

			return nil
		}

		return c.rec.Resync(*ev.Text, ev.Revision, ev.Seq)
	case ws.EventError:
		if ev.Error != nil {
			log.Printf("client: %s: server error %s: %s", c.cfg.DocID, ev.Error.Code, ev.Error.Message)
		}
	case ws.EventAck, ws.EventSubmit:
		// Submissions go over HTTP; nothing to match an in-band ack with.
	}

	return nil
}

func (c *Client) next() (Submission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return Submission{}, false
	}

	return c.rec.Next()
}

func (c *Client) sendLoop(ctx context.Context) {
	b := c.newBackOff()

	for {
		sub, ok := c.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}

		err := c.submit(ctx, sub)
		if err == nil {
			b.Reset()
			c.notify()

			continue
		}

		if ctx.Err() != nil {
			return
		}

		log.Printf("client: %s submit seq %d: %v", c.cfg.DocID, sub.Seq, err)

		if !sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}

// submit sends one operation and applies the answer. Transient failures
// leave the operation pending for a retry.
func (c *Client) submit(ctx context.Context, sub Submission) error {
	req := ws.SubmitRequest{Op: sub.Op, ClientID: c.cfg.ClientID, Revision: sub.Revision, Seq: sub.Seq}

	status, err := c.do(ctx, http.MethodPost, "/documents/"+url.PathEscape(c.cfg.DocID)+"/operations", req, func(status int, dec decoder) error {
		switch status {
		case http.StatusOK:
			var resp ws.SubmitResponse
			if err := dec(&resp); err != nil {
				return err
			}

			return c.withReconciler(func(r *Reconciler) error {
				return r.Ack(sub.Seq, resp.Revision, resp.TransformedOp)
			})
		case http.StatusConflict:
			var resp ws.ResyncResponse
			if err := dec(&resp); err != nil {
				return err
			}

			return c.withReconciler(func(r *Reconciler) error {
				return r.Resync(resp.Text, resp.Revision, resp.Seq)
			})
		}

		return nil
	})

	switch {
	case errors.Is(err, ErrDesync):
		c.restart(err)

		return nil
	case err != nil:
		c.sendFailed(sub.Seq)

		return err
	case status >= 500:
		c.sendFailed(sub.Seq)

		return fmt.Errorf("server answered %d", status)
	case status >= 400 && status != http.StatusConflict:
		// The operation can never succeed.
		c.restart(fmt.Errorf("seq %d refused with %d", sub.Seq, status))
	}

	return nil
}

func (c *Client) sendFailed(seq uint64) {
	_ = c.withReconciler(func(r *Reconciler) error {
		r.SendFailed(seq)

		return nil
	})
}

func (c *Client) withReconciler(fn func(*Reconciler) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return fn(c.rec)
}

// Document fetches the server's current state.
func (c *Client) Document(ctx context.Context) (Document, error) {
	return c.api().Get(ctx, c.cfg.DocID)
}

func (c *Client) api() *API {
	return &API{BaseURL: c.cfg.BaseURL, UserID: c.cfg.UserID, HTTPClient: c.cfg.HTTPClient}
}

func (c *Client) do(ctx context.Context, method, path string, body any, handle func(int, decoder) error) (int, error) {
	return c.api().do(ctx, method, path, body, handle)
}
