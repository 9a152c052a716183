package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/serroba/collab-text/internal/collab"
	"github.com/serroba/collab-text/internal/ws"
)

// Defaults for stream connections.
const (
	DefaultSendBuffer   = 256
	DefaultPingInterval = 15 * time.Second
)

// Server handles HTTP requests for the collaboration API.
type Server struct {
	manager      *collab.Manager
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	sendBuffer   int
	pingInterval time.Duration
	requireUser  bool
}

// ServerConfig holds configuration for creating a server.
// With RequireUser unset, requests without a user act as AnonymousUser.
type ServerConfig struct {
	Manager      *collab.Manager
	Hub          *ws.Hub
	SendBuffer   int
	PingInterval time.Duration
	RequireUser  bool
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}

	pingInterval := cfg.PingInterval
	if pingInterval == 0 {
		pingInterval = DefaultPingInterval
	}

	return &Server{
		manager:      cfg.Manager,
		hub:          cfg.Hub,
		sendBuffer:   sendBuffer,
		pingInterval: pingInterval,
		requireUser:  cfg.RequireUser,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				return true // Any origin may connect
			},
		},
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// Everything else acts on behalf of a user
	api := r.NewRoute().Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/documents", s.handleCreateDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", s.handleDeleteDocument).Methods(http.MethodDelete)
	api.HandleFunc("/documents/{id}/operations", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/permissions", s.handleListPermissions).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/permissions", s.handleShare).Methods(http.MethodPut)
	api.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	return r
}

// HealthResponse reports liveness and load.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Clients  int    `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Sessions: s.manager.SessionCount()}
	if s.hub != nil {
		resp.Clients = s.hub.TotalClients()
	}

	writeJSON(w, http.StatusOK, resp)
}
