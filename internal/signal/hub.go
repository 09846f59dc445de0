// Package signal pushes recording lifecycle signals to room observers over
// WebSocket. Delivery is fire-and-forget: a failed or missing observer never
// blocks the recording protocol.
package signal

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// RoomPublisher publishes a room event to Redis for cross-instance fan-out.
type RoomPublisher interface {
	PublishRoomEvent(roomID, event string, payload []byte) error
}

// RoomSubscriber subscribes to a room's channel and invokes handler for
// incoming events from other instances.
type RoomSubscriber interface {
	SubscribeRoom(roomID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains room_id -> set of connections and broadcasts signals.
// Redis pub/sub carries signals to observers connected to other instances.
type Hub struct {
	rooms  map[string]map[string]*Client
	subs   map[string]func() // cancel Redis subscription per room
	mu     sync.RWMutex
	logger *zap.Logger
	pub    RoomPublisher
	sub    RoomSubscriber
}

// NewHub creates a WebSocket signal hub.
func NewHub(logger *zap.Logger, pub RoomPublisher, sub RoomSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[string]*Client),
		subs:   make(map[string]func()),
		logger: logger,
		pub:    pub,
		sub:    sub,
	}
}

// Register adds a client to a room. The first client of a room starts the
// Redis subscription for it.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.RoomID] == nil {
		h.rooms[c.RoomID] = make(map[string]*Client)
		if h.sub != nil {
			cancel, err := h.sub.SubscribeRoom(c.RoomID, func(event string, payload []byte) {
				h.Broadcast(c.RoomID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.RoomID] = cancel
			}
		}
	}
	h.rooms[c.RoomID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("observer joined room", zap.String("client_id", c.ID), zap.String("room_id", c.RoomID))
}

// Unregister removes a client from a room. The last client leaving cancels
// the room's Redis subscription.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.rooms[c.RoomID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.rooms, c.RoomID)
			if cancel, ok := h.subs[c.RoomID]; ok {
				cancel()
				delete(h.subs, c.RoomID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("observer left room", zap.String("client_id", c.ID), zap.String("room_id", c.RoomID))
}

// Broadcast sends a signal to all local clients in a room.
func (h *Hub) Broadcast(roomID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.rooms[roomID]
	h.mu.RUnlock()

	if clients == nil {
		return
	}
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Notify sends a signal to local clients and publishes it to Redis for
// observers on other instances. Errors are swallowed.
func (h *Hub) Notify(roomID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.Broadcast(roomID, event, json.RawMessage(data))
	if h.pub != nil {
		if err := h.pub.PublishRoomEvent(roomID, event, data); err != nil {
			h.logger.Debug("publish room signal failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

// ObserverCount returns the number of connected clients in a room.
func (h *Hub) ObserverCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
