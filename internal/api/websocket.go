package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Default max concurrent WebSocket clients.
	defaultMaxClients = 100

	// Client send channel buffer size.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CheckOrigin allows connections from any origin (configure for prod).
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is a single /ws/runs connection.
type wsClient struct {
	hub        *RunHub
	conn       *websocket.Conn
	send       chan []byte
	id         string
	remoteAddr string
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RunHub broadcasts live run-metric snapshots to connected clients. It
// implements the coordinator's Broadcaster interface.
type RunHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	maxClients int
	mu         sync.RWMutex
	logger     zerolog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewRunHub creates a hub; call Run in a goroutine to start it.
func NewRunHub(logger zerolog.Logger) *RunHub {
	return &RunHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		maxClients: defaultMaxClients,
		logger:     logger.With().Str("component", "run-hub").Logger(),
		stop:       make(chan struct{}),
	}
}

// ClientCount returns the number of currently connected clients.
func (h *RunHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run is the hub's event loop.
func (h *RunHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= h.maxClients {
				h.mu.Unlock()
				h.logger.Warn().Str("client", client.id).
					Int("max", h.maxClients).Msg("Max clients reached, rejecting connection")
				_ = client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "max connections reached"))
				client.conn.Close()
				continue
			}
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()

			metrics.WebSocketConnectionsActive.WithLabelValues().Set(float64(total))
			h.logger.Info().Str("client", client.id).Str("ip", client.remoteAddr).
				Int("total", total).Msg("Client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.WebSocketConnectionsActive.WithLabelValues().Set(float64(len(h.clients)))
				h.logger.Info().Str("client", client.id).
					Int("total", len(h.clients)).Msg("Client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			// Slow clients are cut loose rather than backing up the hub.
			for _, client := range slow {
				metrics.WebSocketMessagesDropped.WithLabelValues().Inc()
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					close(client.send)
					metrics.WebSocketConnectionsActive.WithLabelValues().Set(float64(len(h.clients)))
					h.logger.Warn().Str("client", client.id).Msg("Slow client disconnected")
				}
				h.mu.Unlock()
			}

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				client.conn.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.WebSocketConnectionsActive.WithLabelValues().Set(0)
			h.logger.Info().Msg("Run hub stopped")
			return
		}
	}
}

// Stop shuts down the hub gracefully.
func (h *RunHub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// WSMessage is the envelope for all WebSocket messages.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// RunMetricsEvent pairs a snapshot with the run it belongs to.
type RunMetricsEvent struct {
	RunID   string                    `json:"run_id"`
	Metrics models.RunMetricsSnapshot `json:"metrics"`
}

// BroadcastRunMetrics fans a snapshot out to every connected client.
// Never blocks; a full broadcast channel drops the message.
func (h *RunHub) BroadcastRunMetrics(runID string, snap models.RunMetricsSnapshot) {
	data, err := json.Marshal(WSMessage{
		Type: "run_metrics",
		Data: RunMetricsEvent{RunID: runID, Metrics: snap},
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal run metrics")
		return
	}

	select {
	case h.broadcast <- data:
		metrics.WebSocketMessagesBroadcast.WithLabelValues("run_metrics").Inc()
	default:
		metrics.WebSocketMessagesDropped.WithLabelValues().Inc()
		h.logger.Warn().Msg("Broadcast channel full, dropping run metrics")
	}
}

// WebSocketRuns serves GET /ws/runs. It upgrades the connection and streams run
// metric snapshots until the client goes away.
func (s *Server) WebSocketRuns(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		hub:        s.runHub,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		id:         uuid.New().String(),
		remoteAddr: extractIP(r),
	}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// extractIP returns the client IP, respecting X-Forwarded-For.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
