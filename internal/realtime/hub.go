package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	EventCheckedIn = "checked_in"
)

// Room identifies a broadcast group. A zero UserID is the staff feed of the whole event.
type Room struct {
	EventID uuid.UUID
	UserID  uuid.UUID
}

// Channel returns the Redis channel name of the room.
func (r Room) Channel() string {
	if r.UserID == uuid.Nil {
		return channelPrefix + r.EventID.String()
	}
	return channelPrefix + r.EventID.String() + ":" + r.UserID.String()
}

// CheckedInPayload is the body of a checked_in event.
type CheckedInPayload struct {
	CheckinID uuid.UUID `json:"checkin_id"`
	EventID   uuid.UUID `json:"event_id"`
	UserID    uuid.UUID `json:"user_id"`
	At        time.Time `json:"checked_in_at"`
}

// Publisher sends a room event to every instance.
type Publisher interface {
	Publish(ctx context.Context, room Room, event string, payload []byte) error
}

// Subscriber delivers events published to a room by any instance.
type Subscriber interface {
	Subscribe(room Room, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains room -> set of connections. With Redis configured every delivery goes through
// pub/sub, so a check-in handled by one instance reaches sockets held by another.
type Hub struct {
	rooms  map[Room]map[string]*Client
	subs   map[Room]func()
	mu     sync.RWMutex
	logger *zap.Logger
	pub    Publisher
	sub    Subscriber
}

// NewHub creates a hub. pub and sub may be nil for a single instance.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[Room]map[string]*Client),
		subs:   make(map[Room]func()),
		logger: logger,
		pub:    pub,
		sub:    sub,
	}
}

// Register adds a client to its room, subscribing to Redis for the first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.Room] == nil {
		h.rooms[c.Room] = make(map[string]*Client)
		if h.sub != nil {
			room := c.Room
			cancel, err := h.sub.Subscribe(room, func(event string, payload []byte) {
				h.Broadcast(room, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("room subscribe failed", zap.String("channel", room.Channel()), zap.Error(err))
			} else {
				h.subs[room] = cancel
			}
		}
	}
	h.rooms[c.Room][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined room", zap.String("client_id", c.ID), zap.String("channel", c.Room.Channel()))
}

// Unregister removes a client and drops the Redis subscription with the last one.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.rooms[c.Room]; ok {
		if _, ok := m[c.ID]; ok {
			delete(m, c.ID)
			close(c.send)
		}
		if len(m) == 0 {
			delete(h.rooms, c.Room)
			if cancel, ok := h.subs[c.Room]; ok {
				cancel()
				delete(h.subs, c.Room)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left room", zap.String("client_id", c.ID), zap.String("channel", c.Room.Channel()))
}

// Broadcast sends to the clients of room connected to this instance.
func (h *Hub) Broadcast(room Room, event string, payload any) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			h.logger.Error("marshal room event", zap.String("event", event), zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[room] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish delivers an event to room on every instance. Without Redis it broadcasts locally.
func (h *Hub) Publish(ctx context.Context, room Room, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal room event", zap.String("event", event), zap.Error(err))
		return
	}
	if h.pub == nil {
		h.Broadcast(room, event, json.RawMessage(data))
		return
	}
	if err := h.pub.Publish(ctx, room, event, data); err != nil {
		h.logger.Warn("room publish failed", zap.String("channel", room.Channel()), zap.Error(err))
	}
}

// CheckedIn tells the participant's screen and the event's staff feed about a check-in.
func (h *Hub) CheckedIn(ctx context.Context, userID, eventID, checkinID uuid.UUID, at time.Time) {
	payload := CheckedInPayload{CheckinID: checkinID, EventID: eventID, UserID: userID, At: at}
	h.Publish(ctx, Room{EventID: eventID, UserID: userID}, EventCheckedIn, payload)
	h.Publish(ctx, Room{EventID: eventID}, EventCheckedIn, payload)
}

// Connected returns the number of local clients in room.
func (h *Hub) Connected(room Room) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
