package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

// Socket is the slice of *websocket.Conn the hub drives, narrowed to an
// interface so connection lifecycle tests can run against a stub.
type Socket interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadDeadline(t time.Time) error
}

var _ Socket = (*websocket.Conn)(nil)

// ClientConnection wraps a WebSocket connection with metadata. Writes go
// through WriteJSON: the conversation store and typing coordinator push
// from their own goroutines, so the socket needs a write lock.
type ClientConnection struct {
	Conn       Socket
	ProfileID  uint
	LastPong   time.Time
	PingTicker *time.Ticker
	CloseChan  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *ClientConnection) WriteJSON(data interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(data)
}

// shutdown stops the ping ticker and releases anyone selecting on
// CloseChan. Replacement and unregister can both reach a connection, so it
// must tolerate being called twice.
func (c *ClientConnection) shutdown() {
	c.closeOnce.Do(func() {
		if c.PingTicker != nil {
			c.PingTicker.Stop()
		}
		close(c.CloseChan)
	})
}

// Hub manages all active WebSocket connections, one per profile.
type Hub struct {
	clients      map[uint]*ClientConnection
	clientsMux   sync.RWMutex
	pingInterval time.Duration
	pongTimeout  time.Duration
}

func NewHub() *Hub {
	hub := &Hub{
		clients:      make(map[uint]*ClientConnection),
		pingInterval: 30 * time.Second,
		pongTimeout:  90 * time.Second,
	}

	go hub.connectionHealthChecker()

	return hub
}

// Register adds a client connection with health monitoring. A second
// connection for the same profile replaces the first and shuts the old one
// down, so its ping routine stops instead of idling against a dead socket.
func (h *Hub) Register(profileID uint, conn Socket) *ClientConnection {
	clientConn := &ClientConnection{
		Conn:       conn,
		ProfileID:  profileID,
		LastPong:   time.Now(),
		PingTicker: time.NewTicker(h.pingInterval),
		CloseChan:  make(chan struct{}),
	}

	// The read deadline is absolute, so every pong has to push it forward;
	// otherwise a healthy connection's read loop fails once the initial
	// window elapses.
	conn.SetPongHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
		h.clientsMux.Lock()
		clientConn.LastPong = time.Now()
		h.clientsMux.Unlock()
		return nil
	})
	_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))

	h.clientsMux.Lock()
	if old, exists := h.clients[profileID]; exists {
		old.shutdown()
	}
	h.clients[profileID] = clientConn
	count := len(h.clients)
	h.clientsMux.Unlock()

	go h.pingRoutine(clientConn)

	log.Printf("Profile %d connected to hub (total: %d)", profileID, count)
	return clientConn
}

// Unregister tears down a client connection. The map entry is removed only
// while it still belongs to this connection: a profile that reconnected
// has already replaced it, and the newer socket must not be evicted when
// the old read loop winds down.
func (h *Hub) Unregister(client *ClientConnection) {
	client.shutdown()

	h.clientsMux.Lock()
	if current, exists := h.clients[client.ProfileID]; exists && current == client {
		delete(h.clients, client.ProfileID)
	}
	count := len(h.clients)
	h.clientsMux.Unlock()
	log.Printf("Profile %d disconnected from hub (total: %d)", client.ProfileID, count)
}

// IsConnected checks if a profile has a live socket.
func (h *Hub) IsConnected(profileID uint) bool {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	_, exists := h.clients[profileID]
	return exists
}

// SendToProfile sends data to a specific profile if connected. Offline
// recipients are not an error: they catch up through fetch-merge on the
// next open.
func (h *Hub) SendToProfile(profileID uint, data interface{}) error {
	h.clientsMux.RLock()
	clientConn, exists := h.clients[profileID]
	h.clientsMux.RUnlock()

	if !exists {
		return nil
	}

	if err := clientConn.WriteJSON(data); err != nil {
		log.Printf("Error sending to profile %d: %v", profileID, err)
		h.Unregister(clientConn)
		return err
	}
	return nil
}

// BroadcastToProfiles sends data to each connected profile in the list.
func (h *Hub) BroadcastToProfiles(profileIDs []uint, data interface{}) {
	for _, profileID := range profileIDs {
		_ = h.SendToProfile(profileID, data)
	}
}

// ConnectedProfiles returns the ids of currently connected profiles.
func (h *Hub) ConnectedProfiles() []uint {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()

	ids := make([]uint, 0, len(h.clients))
	for profileID := range h.clients {
		ids = append(ids, profileID)
	}
	return ids
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}

// pingRoutine sends periodic ping frames to keep the connection alive.
func (h *Hub) pingRoutine(client *ClientConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Ping routine recovered from panic for profile %d: %v", client.ProfileID, r)
		}
	}()

	for {
		select {
		case <-client.CloseChan:
			return
		case <-client.PingTicker.C:
			h.clientsMux.RLock()
			current := h.clients[client.ProfileID]
			h.clientsMux.RUnlock()

			if current != client {
				return
			}

			if err := client.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				log.Printf("Ping failed for profile %d: %v", client.ProfileID, err)
				h.Unregister(client)
				return
			}
		}
	}
}

// connectionHealthChecker removes connections that stopped answering pings.
func (h *Hub) connectionHealthChecker() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		h.clientsMux.RLock()
		dead := make([]*ClientConnection, 0)
		now := time.Now()

		for _, client := range h.clients {
			if now.Sub(client.LastPong) > h.pongTimeout {
				dead = append(dead, client)
			}
		}
		h.clientsMux.RUnlock()

		for _, client := range dead {
			log.Printf("Removing dead connection for profile %d (no pong received)", client.ProfileID)
			h.Unregister(client)
		}
	}
}
