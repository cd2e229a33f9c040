package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // ops dashboard only, not a spec.md core surface
	},
}

// Hub fans out ingestion/reducer lifecycle events to connected ops-dashboard
// clients — not part of spec.md's core HTTP table, but a natural operational
// extension the teacher's websocket hub already has the shape for.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

// NewHub constructs an idle Hub. Callers must start Run in a goroutine.
func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Run drains the broadcast channel and fans each message out to every
// connected client, dropping clients whose write deadline expires.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Hub] write error: %v", err)
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades a GET /stream request to a websocket connection.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] upgrade failed: %v", err)
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	h.mutex.Unlock()

	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			h.mutex.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// wsEvent is the envelope every ops-stream push carries.
type wsEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (h *Hub) push(eventType string, data interface{}) {
	payload, err := json.Marshal(wsEvent{Type: eventType, Data: data})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		log.Println("[Hub] broadcast channel full, dropping event")
	}
}

// BroadcastBatchAccepted notifies ops clients that a /shuffle batch cleared
// admission control and was forwarded to the Collector.
func (h *Hub) BroadcastBatchAccepted(siteID string, eventCount int) {
	h.push("batch_accepted", gin.H{
		"site_id":    siteID,
		"event_count": eventCount,
		"at":         time.Now().UTC(),
	})
}

// BroadcastBucketPublished notifies ops clients that the reducer published a
// new DpWindow.
func (h *Hub) BroadcastBucketPublished(siteID, metric string, windowStart time.Time, value float64) {
	h.push("bucket_published", gin.H{
		"site_id":      siteID,
		"metric":       metric,
		"window_start": windowStart,
		"value":        value,
	})
}
