package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // operator dashboards connect from arbitrary origins
	},
}

// Hub fans node events — status transitions, defense actions, workflow
// completions — out to every subscriber of GET /api/v1/stream. Events
// are fire-and-forget: a subscriber that cannot keep up is dropped
// rather than allowed to stall the feed.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*websocket.Conn]struct{}
	events      chan []byte
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*websocket.Conn]struct{}),
		events:      make(chan []byte, 256),
	}
}

// Run delivers queued events to every live subscriber until the events
// channel is closed. A write failure or missed deadline evicts the
// subscriber.
func (h *Hub) Run() {
	for event := range h.events {
		h.mu.Lock()
		for sub := range h.subscribers {
			_ = sub.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := sub.WriteMessage(websocket.TextMessage, event); err != nil {
				log.Printf("api: dropping slow stream subscriber: %v", err)
				sub.Close()
				delete(h.subscribers, sub)
			}
		}
		h.mu.Unlock()
	}
}

// Subscribe upgrades the request to a websocket and registers it for
// the event feed. The read loop exists only to notice disconnects; the
// feed is push-only.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: stream upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.subscribers[conn] = struct{}{}
	total := len(h.subscribers)
	h.mu.Unlock()
	log.Printf("api: stream subscriber connected (%d total)", total)

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.subscribers, conn)
			remaining := len(h.subscribers)
			h.mu.Unlock()
			conn.Close()
			log.Printf("api: stream subscriber disconnected (%d remaining)", remaining)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("api: stream read error: %v", err)
				}
				return
			}
		}
	}()
}

// Broadcast enqueues an encoded event for delivery to all subscribers.
func (h *Hub) Broadcast(event []byte) {
	h.events <- event
}
