package broadcast

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	subscriberBuffer = 16
	pingInterval     = 30 * time.Second
	writeTimeout     = 10 * time.Second
	pongWait         = pingInterval + writeTimeout
)

// Hub fans events out to in-process subscribers keyed by course. A slow
// subscriber has its event dropped rather than blocking the publisher; the
// live feed is a notification stream, not a consistency boundary.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a listener on a course topic. The cancel func must be
// called when the listener goes away; it closes the returned channel.
func (h *Hub) Subscribe(courseID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.topics[courseID] == nil {
		h.topics[courseID] = make(map[chan Event]struct{})
	}
	h.topics[courseID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.topics[courseID], ch)
			if len(h.topics[courseID]) == 0 {
				delete(h.topics, courseID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its course topic.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.topics[evt.CourseID] {
		select {
		case ch <- evt:
		default:
			// Subscriber is not keeping up; drop this event for it.
		}
	}
	return nil
}

// SubscriberCount reports listeners on a course topic.
func (h *Hub) SubscriberCount(courseID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[courseID])
}

// ServeWS streams a course's events over an upgraded websocket connection
// until the client disconnects or ctx is cancelled. Events are sent as the
// JSON form of Event with a "student_checked_in" type tag.
func (h *Hub) ServeWS(ctx context.Context, conn *websocket.Conn, courseID string) {
	defer conn.Close()

	events, cancel := h.Subscribe(courseID)
	defer cancel()

	// Reader goroutine only surfaces disconnects; clients do not send.
	// Pongs extend the read deadline so a silently dead peer times out
	// instead of lingering until a write fails.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			msg := struct {
				Type string `json:"type"`
				Event
			}{Type: "student_checked_in", Event: evt}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("live feed write failed for course %s: %v", courseID, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
