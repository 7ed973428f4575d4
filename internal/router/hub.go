package router

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relay/internal/metrics"
)

// Role enumerates what a socket has authenticated as.
type Role string

const (
	RoleUnauth   Role = "unauth"
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// Client wraps one socket with a send mutex, since gorilla/websocket
// forbids concurrent writers on the same connection.
type Client struct {
	Conn *websocket.Conn

	mu   sync.Mutex
	hook func(Frame) // test seam: redirect sends without a live socket
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{Conn: conn}
}

// SetSendHook redirects Send to fn instead of writing to the socket,
// for tests that don't want a live connection.
func (c *Client) SetSendHook(fn func(Frame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send is best-effort: a write failure never panics and never blocks
// other clients.
func (c *Client) Send(frame Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		c.hook(frame)
		return
	}
	if c.Conn == nil {
		return
	}
	_ = c.Conn.WriteJSON(frame)
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// CloseWithStatus sends a WS close control frame with the given status
// code and reason before closing the underlying connection.
func (c *Client) CloseWithStatus(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.Conn.Close()
}

// ClientInfo is the per-socket metadata the hub maintains, mapping a
// socket to its authenticated role and identity. The router is its
// only writer; every other component that needs fan-out reads through
// the hub's locked accessors.
type ClientInfo struct {
	ClientID string
	Role     Role
	Client   *Client

	// Producer fields, populated on successful `connect`.
	SessionID uint
	UserID    uint
	HubID     uint
	HubSlug   string

	// Consumer fields, populated on successful `authenticate`/`register_device`.
	ConsumerUserID uint
}

// Hub owns every live socket, keyed by ephemeral client id, guarded by
// one mutex with short critical sections, never held around I/O.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*ClientInfo
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*ClientInfo)}
}

func (h *Hub) Register(info *ClientInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[info.ClientID] = info
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, clientID)
}

func (h *Hub) Get(clientID string) (*ClientInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info, ok := h.clients[clientID]
	return info, ok
}

// SetProducer promotes a socket to the producer role and records its
// identity fields after a successful connect, under the hub's lock.
func (h *Hub) SetProducer(clientID string, sessionID, userID, hubID uint, hubSlug string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if info, ok := h.clients[clientID]; ok {
		info.Role = RoleProducer
		info.SessionID = sessionID
		info.UserID = userID
		info.HubID = hubID
		info.HubSlug = hubSlug
	}
}

func (h *Hub) SetConsumer(clientID string, userID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if info, ok := h.clients[clientID]; ok {
		if info.Role != RoleConsumer {
			metrics.WSConnections.WithLabelValues(string(info.Role)).Dec()
			metrics.WSConnections.WithLabelValues(string(RoleConsumer)).Inc()
		}
		info.Role = RoleConsumer
		info.ConsumerUserID = userID
	}
}

// ConsumersForUser returns every live, authenticated consumer socket
// belonging to userID.
func (h *Hub) ConsumersForUser(userID uint) []*ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*ClientInfo
	for _, info := range h.clients {
		if info.Role == RoleConsumer && info.ConsumerUserID == userID {
			out = append(out, info)
		}
	}
	return out
}

// ProducerBySessionID finds the live producer socket for a session,
// used by consumer `command` forwarding with an authorization check.
func (h *Hub) ProducerBySessionID(sessionID, ownerUserID uint) (*ClientInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, info := range h.clients {
		if info.Role == RoleProducer && info.SessionID == sessionID {
			if info.UserID != ownerUserID {
				return nil, false
			}
			return info, true
		}
	}
	return nil, false
}

// FanOutToConsumers sends frame to every one of userID's consumer
// sockets, best-effort: drops frames on not-open sockets without
// error.
func (h *Hub) FanOutToConsumers(userID uint, frame Frame) {
	for _, info := range h.ConsumersForUser(userID) {
		info.Client.Send(frame)
	}
}

// Count reports the number of live sockets of every role.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// All returns a snapshot of every live socket, for shutdown sweeps that
// need to close everything without racing concurrent Register/Unregister.
func (h *Hub) All() []*ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*ClientInfo, 0, len(h.clients))
	for _, info := range h.clients {
		out = append(out, info)
	}
	return out
}
