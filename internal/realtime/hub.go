// Package realtime pushes timer updates and alerts to connected screens over
// websockets, grouped by branch.
package realtime

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 32
)

type client struct {
	group string
	conn  *websocket.Conn
	send  chan []byte
	once  sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.send) }) }

// Hub tracks subscribers per group. Delivery is best effort: a client whose
// buffer is full is disconnected rather than slowing the others down.
type Hub struct {
	mu       sync.RWMutex
	groups   map[string]map[*client]struct{}
	closed   bool
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		groups: map[string]map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logx.Or(log).Named("realtime"),
	}
}

// Serve upgrades the request and subscribes the connection to group. It
// blocks until the connection goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, group string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{group: group, conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.add(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		return conn.Close()
	}
	h.log.Debug("subscriber joined", zap.String("branch", group), zap.String("remote", r.RemoteAddr))

	go h.writer(c)
	h.reader(c)
	return nil
}

// Groups lists the groups with at least one subscriber, sorted.
func (h *Hub) Groups() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.groups))
	for g, cs := range h.groups {
		if len(cs) > 0 {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the number of clients in group.
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Send queues payload for every subscriber of group.
func (h *Hub) Send(group string, payload []byte) {
	var slow []*client
	h.mu.RLock()
	for c := range h.groups[group] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow subscriber", zap.String("branch", group))
		h.remove(c)
	}
}

// Close disconnects everyone and refuses new subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for g, cs := range h.groups {
		for c := range cs {
			c.close()
		}
		delete(h.groups, g)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	cs, ok := h.groups[c.group]
	if !ok {
		cs = map[*client]struct{}{}
		h.groups[c.group] = cs
	}
	cs[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if cs, ok := h.groups[c.group]; ok {
		delete(cs, c)
		if len(cs) == 0 {
			delete(h.groups, c.group)
		}
	}
	h.mu.Unlock()
	c.close()
}

// reader discards inbound messages; it exists to process control frames and
// notice the peer going away.
func (h *Hub) reader(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("subscriber read", zap.String("branch", c.group), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writer(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
