package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientBacklog  = 256
	maxClientBytes = 4096
)

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub is the REALTIME_STREAM channel. Clients get two kinds of message: the
// raw event feed (Feed), tagged "event", and routed notifications (Send),
// tagged "notification" by the realtime template. A client that falls behind
// is disconnected rather than slowing the others down.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*streamClient]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // dashboards are served from other origins
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*streamClient]struct{}),
	}
}

func (h *Hub) Name() database.Channel { return database.ChannelRealtime }

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send broadcasts the rendered body. Having no clients is not a failure.
func (h *Hub) Send(ctx context.Context, p Payload) error {
	h.broadcast([]byte(p.Body))
	return nil
}

// feedMessage is one raw stream event as clients receive it
type feedMessage struct {
	Stream string       `json:"stream"`
	Event  events.Event `json:"event"`
}

// Feed starts mirroring every stream event to the clients until ctx ends.
// Events published after it returns are included. It reads a drop-oldest
// subscription and records nothing, so a burst of alert changes never turns
// into notification attempts or holds up the pipeline.
func (h *Hub) Feed(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(clientBacklog, nil)
	go func() {
		defer sub.Close()
		sub.Run(ctx, func(_ context.Context, e events.Event) {
			msg, err := json.Marshal(feedMessage{Stream: "event", Event: e})
			if err != nil {
				log.Printf("Warning: EventStream: could not encode event %s: %v", e.ID, err)
				return
			}
			h.broadcast(msg)
		})
		if n := sub.Dropped(); n > 0 {
			log.Printf("Warning: EventStream: feed dropped %d events while clients were behind", n)
		}
	}()
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.RLock()
	var slow []*streamClient
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Printf("Warning: EventStream: client %s fell behind, disconnecting", c.conn.RemoteAddr())
		h.remove(c)
	}
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the client leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("EventStream: Failed to upgrade WebSocket: %v", err)
		return
	}
	c := &streamClient{conn: conn, send: make(chan []byte, clientBacklog)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("EventStream: client connected from %s", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client messages and notices disconnects
func (h *Hub) readPump(c *streamClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		log.Printf("EventStream: client %s disconnected", c.conn.RemoteAddr())
	}()
	c.conn.SetReadLimit(maxClientBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
