// Package dashboard fans out engine state to connected browser clients over
// WebSocket at a fixed 2 Hz cadence, using a per-client buffered send
// channel with drop-on-full rather than block semantics, broadcasting two
// named frame types: "dashboard" (engine/position/stats snapshot) and
// "ws-status-v1" (venue connection health).
package dashboard

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndrandal/hlperp-engine/internal/health"
	"github.com/ndrandal/hlperp-engine/internal/tradeengine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected dashboard browser tab.
type Client struct {
	id     uint64
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

var clientIDCounter uint64

func newClient(conn *websocket.Conn, buffer int) *Client {
	return &Client{
		id:     atomic.AddUint64(&clientIDCounter, 1),
		conn:   conn,
		sendCh: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Send enqueues a frame; returns false and drops it if the buffer is full.
func (c *Client) Send(data []byte) bool {
	select {
	case c.sendCh <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}

// StateProvider supplies the immutable snapshot broadcast each tick. The
// broadcaster never touches the engine's mutable internals directly.
type StateProvider func() tradeengine.EngineState

// WSStatusProvider supplies the venue connection status frame.
type WSStatusProvider func() WSStatus

// WSStatus describes venue connection health for the dashboard.
type WSStatus struct {
	Connected     bool  `json:"connected"`
	LastMessageMs int64 `json:"lastMessageMs"`
	ReconnectCount int  `json:"reconnectCount"`
}

// dashboardFrame is the {type:'dashboard',...} wire shape.
type dashboardFrame struct {
	Type  string                   `json:"type"`
	TsMs  int64                    `json:"tsMs"`
	State tradeengine.EngineState  `json:"state"`
}

// wsStatusFrame is the {type:'ws-status-v1',...} wire shape.
type wsStatusFrame struct {
	Type   string   `json:"type"`
	TsMs   int64    `json:"tsMs"`
	Status WSStatus `json:"status"`
}

// Hub manages connected dashboard clients and periodically broadcasts both
// frame types.
type Hub struct {
	mu         sync.RWMutex
	clients    map[uint64]*Client
	bufferSize int

	state  StateProvider
	wsStat WSStatusProvider
}

// NewHub creates a dashboard hub.
func NewHub(state StateProvider, wsStat WSStatusProvider, bufferSize int) *Hub {
	return &Hub{
		clients:    make(map[uint64]*Client),
		bufferSize: bufferSize,
		state:      state,
		wsStat:     wsStat,
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("dashboard: upgrade failed: %v", err)
		return
	}
	c := newClient(conn, h.bufferSize)

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go c.writePump()
	go h.readPump(c)
}

// readPump discards inbound messages; dashboard clients are read-only
// consumers. It exists only to detect disconnects via a read error.
func (h *Hub) readPump(c *Client) {
	defer h.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
}

// Run broadcasts both frame types at 2 Hz until done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.broadcastDashboard()
			h.broadcastWSStatus()
		}
	}
}

func (h *Hub) broadcastDashboard() {
	now := time.Now()
	frame := dashboardFrame{Type: "dashboard", TsMs: now.UnixMilli(), State: h.state()}
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("dashboard: marshal dashboard frame: %v", err)
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcastWSStatus() {
	now := time.Now()
	frame := wsStatusFrame{Type: "ws-status-v1", TsMs: now.UnixMilli(), Status: h.wsStat()}
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("dashboard: marshal ws-status frame: %v", err)
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.Send(data) {
			log.Printf("dashboard: client %d buffer full, frame dropped", c.id)
		}
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Mux builds an http.ServeMux wiring /health, /metrics, and the dashboard
// WebSocket endpoint together; internal/api.Server.Register mounts its own
// routes onto the same mux.
func (h *Hub) Mux(healthMon *health.Monitor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.ServeHTTP)
	mux.HandleFunc("GET /health", healthMon.Handler())
	mux.Handle("GET /metrics", health.MetricsHandler())
	return mux
}
