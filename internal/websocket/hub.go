package websocket

import (
	"context"
	"sync"

	"github.com/gatedl/gatedl/internal/metrics"
	"github.com/gatedl/gatedl/internal/models"
)

// Hub maintains the set of active clients and fans progress out to the
// clients of the access token it belongs to.
type Hub struct {
	// Registered clients by access token ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ProgressMessage
	done       chan struct{}

	metrics *metrics.Metrics
	mu      sync.RWMutex
}

// ProgressMessage is one live progress update pushed to the portal.
type ProgressMessage struct {
	Type     string                   `json:"type"`
	TokenID  string                   `json:"-"` // routing only
	Download *models.ProgressSnapshot `json:"download"`
}

const messageTypeProgress = "download_progress"

func NewHub(m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ProgressMessage, 256),
		done:       make(chan struct{}),
		metrics:    m,
	}
}

// Run is the hub's main loop. It returns when ctx is done, closing every
// client still connected.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for tokenID, clients := range h.clients {
				for client := range clients {
					h.drop(tokenID, client)
				}
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.tokenID] == nil {
				h.clients[client.tokenID] = make(map[*Client]bool)
			}
			h.clients[client.tokenID][client] = true
			h.metrics.IncWSConnections()
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.tokenID]; ok && clients[client] {
				h.drop(client.tokenID, client)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[message.TokenID] {
				select {
				case client.send <- message:
				default:
					// Slow consumer
					h.drop(message.TokenID, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes a registered client. Callers hold mu.
func (h *Hub) drop(tokenID string, client *Client) {
	clients := h.clients[tokenID]
	delete(clients, client)
	close(client.send)
	h.metrics.DecWSConnections()
	if len(clients) == 0 {
		delete(h.clients, tokenID)
	}
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// BroadcastProgress queues a snapshot for the clients of its token without
// blocking. Updates are dropped while the hub is saturated.
func (h *Hub) BroadcastProgress(snap *models.ProgressSnapshot) bool {
	if snap == nil || snap.TokenID == "" {
		return false
	}
	select {
	case h.broadcast <- &ProgressMessage{Type: messageTypeProgress, TokenID: snap.TokenID, Download: snap}:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected clients for a token.
func (h *Hub) ClientCount(tokenID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[tokenID])
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
