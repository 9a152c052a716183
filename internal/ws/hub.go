package ws

import (
	"log"
	"sync"
)

// Hub tracks open streams per document and fans committed operations out to them.
type Hub struct {
	mu sync.RWMutex

	// clients maps connection ID to client
	clients map[string]*Client

	// documents maps document ID to set of connection IDs
	documents map[string]map[string]struct{}
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		documents: make(map[string]map[string]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
}

// Unregister removes a client from the hub and any document subscription.
// It is safe to call for a client that is no longer registered.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromDocument(client.ID, client.DocID())
	delete(h.clients, client.ID)
}

// Subscribe adds a client to a document's broadcast list, leaving any
// document it was subscribed to before.
func (h *Hub) Subscribe(client *Client, docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if oldDocID := client.DocID(); oldDocID != docID {
		h.removeFromDocument(client.ID, oldDocID)
	}

	if h.documents[docID] == nil {
		h.documents[docID] = make(map[string]struct{})
	}

	h.documents[docID][client.ID] = struct{}{}
	client.SetDocID(docID)
}

// Unsubscribe removes a client from a document's broadcast list.
func (h *Hub) Unsubscribe(client *Client, docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromDocument(client.ID, docID)

	if client.DocID() == docID {
		client.SetDocID("")
	}
}

func (h *Hub) removeFromDocument(id, docID string) {
	if docID == "" {
		return
	}

	if clients, ok := h.documents[docID]; ok {
		delete(clients, id)

		if len(clients) == 0 {
			delete(h.documents, docID)
		}
	}
}

// Broadcast queues ev for every stream on docID except those belonging to
// excludeClientID. It never blocks: a client whose queue is full is dropped
// and disconnected.
func (h *Hub) Broadcast(docID string, ev Event, excludeClientID string) {
	var slow []*Client

	h.mu.RLock()

	for id := range h.documents[docID] {
		client, ok := h.clients[id]
		if !ok || (excludeClientID != "" && client.ClientID == excludeClientID) {
			continue
		}

		if !client.Enqueue(ev) {
			slow = append(slow, client)
		}
	}

	h.mu.RUnlock()

	for _, client := range slow {
		h.drop(client)
	}
}

// Send queues ev for one client. A client whose queue is full is dropped and
// disconnected, as in Broadcast.
func (h *Hub) Send(client *Client, ev Event) bool {
	if client.Enqueue(ev) {
		return true
	}

	h.drop(client)

	return false
}

func (h *Hub) drop(client *Client) {
	log.Printf("ws: dropping client %s on %s: send queue full", client.ID, client.DocID())
	h.Unregister(client)
	_ = client.Close()
}

// CloseDocument disconnects every stream on docID.
func (h *Hub) CloseDocument(docID string) {
	h.mu.Lock()

	var clients []*Client

	for id := range h.documents[docID] {
		if client, ok := h.clients[id]; ok {
			clients = append(clients, client)
			delete(h.clients, id)
		}
	}

	delete(h.documents, docID)
	h.mu.Unlock()

	for _, client := range clients {
		_ = client.Close()
	}
}

// ClientCount returns the number of clients subscribed to a document.
func (h *Hub) ClientCount(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.documents[docID])
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}
