package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/ports"
	"github.com/lorrc/studio-realtime/internal/core/refresh"
)

// Hub maintains the set of active Clients and relays domain events and
// refresh notices to them.
type Hub struct {
	// Clients maps viewer IDs to their active connections
	// A single viewer can have multiple connections (multiple tabs/devices)
	clients map[domain.ID]map[*Client]bool

	// Rooms maps shoot IDs to subscribed clients
	rooms map[domain.ID]map[*Client]bool

	// Broadcast channel for messages
	broadcast chan Message

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// done is closed when Run returns
	done     chan struct{}
	doneOnce sync.Once

	// mu protects the clients and rooms maps
	mu sync.RWMutex

	// logger for the hub
	logger *slog.Logger
}

// Ensure Hub can sit on the event bus.
var _ ports.Listener = (*Hub)(nil)

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[domain.ID]map[*Client]bool),
		rooms:      make(map[domain.ID]map[*Client]bool),
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "websocket_hub"),
	}
}

// Notify relays a domain event. Events about a shoot go to the shoot's
// room; anything else goes to every client.
func (h *Hub) Notify(_ context.Context, event domain.DomainEvent) {
	msg, ok := NewEventMessage(event)
	if !ok {
		return
	}
	h.Broadcast(msg)
}

// Refresher returns a refresh handler that tells every client to reload
// the list named by messageType.
func (h *Hub) Refresher(messageType string) refresh.Handler {
	return func(context.Context) error {
		h.Broadcast(Message{Type: messageType, Timestamp: time.Now().UTC()})
		return nil
	}
}

// Broadcast queues msg for delivery, dropping it when the queue is full.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast channel full, dropping message",
			"type", msg.Type,
			"shoot_id", msg.ShootID,
		)
	}
}

// Run starts the hub's event loop until ctx is done. This MUST be run as a
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.doneOnce.Do(func() { close(h.done) })
			h.closeAll()
			return

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// Attach hands client to the running hub. It returns false once the hub
// has stopped.
func (h *Hub) Attach(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Detach removes client from the running hub.
func (h *Hub) Detach(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

// registerClient adds a client to the hub
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID := client.Viewer.UserID
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]bool)
	}
	h.clients[userID][client] = true

	h.logger.Info("client registered",
		"client_id", client.ID,
		"user_id", userID,
		"role", client.Viewer.Role,
		"total_connections", len(h.clients[userID]),
	)
}

// unregisterClient removes a client from the hub and all rooms
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// 1. Remove from the global viewer map
	userID := client.Viewer.UserID
	userClients := h.clients[userID]
	if !userClients[client] {
		return
	}
	delete(userClients, client)
	if len(userClients) == 0 {
		delete(h.clients, userID)
	}

	// 2. Remove from all subscribed rooms
	for _, shootID := range client.Shoots() {
		if room, ok := h.rooms[shootID]; ok {
			delete(room, client)
			if len(room) == 0 {
				delete(h.rooms, shootID)
			}
		}
	}

	// 3. End the outbound stream
	client.close()

	h.logger.Info("client unregistered",
		"client_id", client.ID,
		"user_id", userID,
	)
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*Client
	for _, userClients := range h.clients {
		for client := range userClients {
			all = append(all, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range all {
		h.unregisterClient(client)
	}
}

// broadcastMessage sends msg to the shoot's room, or to everyone when the
// message is not about a single shoot.
func (h *Hub) broadcastMessage(msg Message) {
	h.mu.RLock()
	var clients []*Client
	if msg.ShootID.IsZero() {
		for _, userClients := range h.clients {
			for client := range userClients {
				clients = append(clients, client)
			}
		}
	} else {
		// Copy the client list to avoid holding the lock while sending
		for client := range h.rooms[msg.ShootID] {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	h.logger.Debug("broadcasting message",
		"type", msg.Type,
		"shoot_id", msg.ShootID,
		"client_count", len(clients),
	)

	for _, client := range clients {
		if !client.enqueue(msg) {
			h.logger.Warn("client too slow, unregistering",
				"client_id", client.ID,
				"user_id", client.Viewer.UserID,
			)
			h.unregisterClient(client)
		}
	}
}

// subscribeClientToShoot adds a registered client to a shoot's room. A
// client the hub already dropped stays out of every room.
func (h *Hub) subscribeClientToShoot(client *Client, shootID domain.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client.Viewer.UserID][client] {
		return
	}
	if h.rooms[shootID] == nil {
		h.rooms[shootID] = make(map[*Client]bool)
	}
	h.rooms[shootID][client] = true
	client.watch(shootID)

	h.logger.Debug("client subscribed to shoot",
		"client_id", client.ID,
		"shoot_id", shootID,
	)
}

// unsubscribeClientFromShoot removes a client from a shoot's room
func (h *Hub) unsubscribeClientFromShoot(client *Client, shootID domain.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[shootID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, shootID)
		}
	}
	client.unwatch(shootID)

	h.logger.Debug("client unsubscribed from shoot",
		"client_id", client.ID,
		"shoot_id", shootID,
	)
}

// GetClientCount returns the total number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, userClients := range h.clients {
		count += len(userClients)
	}
	return count
}

// GetRoomCount returns the number of active rooms
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// GetClientsInRoom returns the number of clients subscribed to a shoot
func (h *Hub) GetClientsInRoom(shootID domain.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[shootID])
}
