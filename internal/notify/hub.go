package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pongWait   = 30 * time.Second
	writeWait  = 5 * time.Second
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	callerID string
	conn     *websocket.Conn
	send     chan []byte
}

// Hub keeps the live websocket connections of this process, keyed by caller.
// A caller may hold several connections.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{clients: map[string]map[*client]struct{}{}, log: log}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.callerID]
	if !ok {
		set = map[*client]struct{}{}
		h.clients[c.callerID] = set
	}
	set[c] = struct{}{}
	h.log.Debug().Str("caller_id", c.callerID).Int("connections", len(set)).Msg("websocket registered")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.callerID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.callerID)
	}
	h.log.Debug().Str("caller_id", c.callerID).Msg("websocket unregistered")
}

// Connected reports how many connections callerID holds.
func (h *Hub) Connected(callerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[callerID])
}

// Notify queues msg for every connection of each recipient. Slow
// connections drop the message rather than block the caller.
func (h *Hub) Notify(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range msg.Recipients {
		for c := range h.clients[id] {
			select {
			case c.send <- data:
			default:
				h.log.Warn().Str("caller_id", id).Str("request_id", msg.RequestID).Msg("websocket send buffer full; dropping message")
			}
		}
	}
	return nil
}

// Serve upgrades the request and streams messages for callerID until the
// client goes away. The caller must already be authenticated.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, callerID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{callerID: callerID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go h.writeLoop(c)

	defer func() {
		h.unregister(c)
		conn.Close()
	}()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Str("caller_id", callerID).Msg("websocket closed unexpectedly")
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
