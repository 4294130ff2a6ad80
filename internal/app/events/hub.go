// Package events broadcasts entity transitions to websocket subscribers so
// clients do not have to poll approval and swap status.
package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crossvault/authcore/pkg/logger"
)

// Event is the envelope pushed to subscribers.
type Event struct {
	Type      string      `json:"type"`
	Entity    interface{} `json:"entity"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans events out to connected websocket clients. Publishing never
// blocks a coordinator: subscribers that fall behind are disconnected.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an event hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[chan Event]struct{}),
	}
}

// Publish broadcasts an event. Safe to call on a nil hub.
func (h *Hub) Publish(eventType string, entity interface{}) {
	if h == nil {
		return
	}
	evt := Event{Type: eventType, Entity: entity, Timestamp: time.Now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber is not keeping up; closing the channel ends its
			// writer loop and connection.
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
		_ = conn.Close()
	}()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	for evt := range ch {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}
}

// SubscriberCount reports the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
