package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/serroba/collab-text/internal/ws"
)

// Document is a document's state at a revision.
type Document struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Revision int    `json:"revision"`
}

// StatusError is a request the server refused.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server answered %d", e.Status)
	}

	return fmt.Sprintf("server answered %d: %s", e.Status, e.Message)
}

type decoder func(v any) error

// API makes one-off document requests.
type API struct {
	BaseURL    string
	UserID     string
	HTTPClient *http.Client
}

// Create creates a document. An empty id lets the server pick one.
func (a *API) Create(ctx context.Context, id, text string) (Document, error) {
	var doc Document

	_, err := a.do(ctx, http.MethodPost, "/documents", Document{ID: id, Text: text}, func(status int, dec decoder) error {
		if status != http.StatusCreated {
			return statusError(status, dec)
		}

		return dec(&doc)
	})

	return doc, err
}

// Get fetches a document's current state.
func (a *API) Get(ctx context.Context, id string) (Document, error) {
	var doc Document

	_, err := a.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(id), nil, func(status int, dec decoder) error {
		if status != http.StatusOK {
			return statusError(status, dec)
		}

		return dec(&doc)
	})

	return doc, err
}

func (a *API) do(ctx context.Context, method, path string, body any, handle func(int, decoder) error) (int, error) {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if a.UserID != "" {
		req.Header.Set("X-User-Id", a.UserID)
	}

	httpClient := a.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}

	defer resp.Body.Close()

	dec := func(v any) error {
		return json.NewDecoder(resp.Body).Decode(v)
	}

	return resp.StatusCode, handle(resp.StatusCode, dec)
}

func statusError(status int, dec decoder) error {
	var body struct {
		Error ws.ErrorPayload `json:"error"`
	}

	_ = dec(&body)

	return &StatusError{Status: status, Code: body.Error.Code, Message: body.Error.Message}
}
