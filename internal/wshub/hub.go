// Package wshub serves the broadcast channel: a WebSocket endpoint that
// pushes the current availability truth for configured courses to every
// connected listener.
package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	logx "slotbot/pkg/logx"
)

// Config configures the broadcast endpoint.
type Config struct {
	Enabled bool
	Addr    string // listen address, e.g. ":8080"
	Path    string // endpoint path, default "/ws"
}

// TruthPayload is one broadcast message: the full availability truth for
// one course as of Timestamp (unix seconds). Not a diff; listeners that
// join mid-run get the same picture as everyone else.
type TruthPayload struct {
	Course    string `json:"course"`
	Available []int  `json:"available"`
	Timestamp int64  `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	clientSendBuffer = 16
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub owns the listener set and the retained per-course truth. Safe for
// concurrent use; Publish never blocks on a slow client.
type Hub struct {
	log logx.Logger
	cfg Config

	mu       sync.Mutex
	clients  map[*client]bool
	retained map[string][]byte // last payload per course, replayed to new clients
	server   *http.Server
	lnAddr   string
	started  bool
}

func New(cfg Config, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &Hub{
		log:      log,
		cfg:      cfg,
		clients:  map[*client]bool{},
		retained: map[string][]byte{},
	}
}

func (h *Hub) Enabled() bool { return h.cfg.Enabled && h.cfg.Addr != "" }

// Start binds the listener and begins accepting connections. Returns
// once the listener is bound so a bad address fails fast.
func (h *Hub) Start(ctx context.Context) error {
	if !h.Enabled() {
		return nil
	}
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(h.cfg.Path, h.handleWS)

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux}

	h.mu.Lock()
	h.server = srv
	h.lnAddr = ln.Addr().String()
	h.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("broadcast server stopped", logx.Err(err))
		}
	}()
	h.log.Info("broadcast channel listening",
		logx.String("addr", ln.Addr().String()), logx.String("path", h.cfg.Path))
	return nil
}

// Stop shuts the server down and disconnects every listener.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	srv := h.server
	h.server = nil
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[*client]bool{}
	h.started = false
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Publish fans the payload out to every connected listener and retains
// it for listeners that connect later. Slow clients are disconnected
// rather than blocking the cycle.
func (h *Hub) Publish(p TruthPayload) {
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().Unix()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		h.log.Error("marshal broadcast payload", logx.Err(err))
		return
	}

	h.mu.Lock()
	h.retained[p.Course] = raw
	var evict []*client
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			evict = append(evict, c)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range evict {
		close(c.send)
		h.log.Debug("dropping slow broadcast listener")
	}
}

// Forget drops the retained truth for a course, e.g. when it leaves the
// broadcast set on a config reload.
func (h *Hub) Forget(courseCode string) {
	h.mu.Lock()
	delete(h.retained, courseCode)
	h.mu.Unlock()
}

// Addr returns the bound listen address once started. Useful when the
// configured address uses port 0.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lnAddr
}

// ListenerCount returns the number of connected listeners.
func (h *Hub) ListenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}

	h.mu.Lock()
	// Replay the retained truth so a mid-run listener starts complete.
	for _, raw := range h.retained {
		select {
		case c.send <- raw:
		default:
		}
	}
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("broadcast listener connected", logx.Int("listeners", n))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; the channel is publish-only. It
// exists to notice disconnects and to service control frames.
func (h *Hub) readPump(c *client) {
	defer c.conn.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
