package bridge

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bosley/healthas/orchestrator"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 16
)

// Message is the envelope pushed to websocket subscribers.
type Message struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   orchestrator.View `json:"payload"`
}

const messageView = "view"

type wsConnection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	bridge *Bridge

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue never blocks; a subscriber that falls behind misses views.
func (c *wsConnection) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsConnection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func encodeView(v orchestrator.View) ([]byte, error) {
	return json.Marshal(Message{Type: messageView, Timestamp: time.Now(), Payload: v})
}

// broadcast runs inside the orchestrator's notification and must not block.
func (b *Bridge) broadcast(v orchestrator.View) {
	if b.clients.Len() == 0 {
		return
	}
	data, err := encodeView(v)
	if err != nil {
		slog.Error("Failed to marshal view", "error", err)
		return
	}
	b.clients.Each(func(c *wsConnection) {
		if !c.enqueue(data) {
			slog.Warn("Dropped view for subscriber", "clientID", c.id)
		}
	})
}

func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &wsConnection{
		id:     uuid.New(),
		conn:   conn,
		bridge: b,
		send:   make(chan []byte, sendBuffer),
	}

	// current state first so a fresh renderer never waits for a change
	if data, err := encodeView(b.app.View()); err == nil {
		c.send <- data
	}

	b.clients.Add(c)
	b.metrics.ClientConnected()
	slog.Info("Subscriber connected", "clientID", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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

// readPump only services control frames; renderers act through the HTTP API.
func (c *wsConnection) readPump() {
	defer func() {
		if c.bridge.clients.Remove(c.id) {
			c.bridge.metrics.ClientDisconnected()
			slog.Info("Subscriber disconnected", "clientID", c.id)
		}
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "clientID", c.id, "error", err)
			}
			return
		}
	}
}

// checkOrigin accepts same-host pages and pages served from loopback.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	switch host := u.Hostname(); host {
	case "localhost":
		return true
	default:
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
}
