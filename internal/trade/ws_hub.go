// WebSocket hub broadcasting trade and void position events to subscribers.

package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/metrics"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// Event types pushed to clients.
const (
	EventTradeExecuted  = "trade_executed"
	EventPositionVoided = "position_voided"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type           string             `json:"type"`
	TradeID        *model.TradeID     `json:"trade_id,omitempty"`
	PositionID     model.PositionID   `json:"position_id"`
	Positor        platform.Principal `json:"positor"`
	PositionKind   model.PositionKind `json:"position_kind"`
	Tokens         amount.Amount      `json:"tokens"`
	Rate           amount.Amount      `json:"cycles_per_token_rate"`
	Cycles         *amount.Amount     `json:"cycles,omitempty"`
	Cause          string             `json:"termination_cause,omitempty"`
	TimestampNanos uint64             `json:"timestamp_nanos"`
}

// WSHub manages WebSocket connections and broadcasts trade and void
// events to all connected clients. It satisfies engine.Events.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Clients returns the number of registered connections.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the engine.
	}
}

// TradeExecuted broadcasts a fill.
func (h *WSHub) TradeExecuted(t model.TradeLog) {
	id := t.ID
	cycles := t.Cycles
	h.Broadcast(WSMessage{
		Type:           EventTradeExecuted,
		TradeID:        &id,
		PositionID:     t.PositionIDMatchee,
		Positor:        t.Positor,
		PositionKind:   t.PositionKind,
		Tokens:         t.Tokens,
		Rate:           t.Rate,
		Cycles:         &cycles,
		TimestampNanos: t.TimestampNanos,
	})
}

// PositionVoided broadcasts a position leaving the book.
func (h *WSHub) PositionVoided(v model.VoidPosition) {
	h.Broadcast(WSMessage{
		Type:           EventPositionVoided,
		PositionID:     v.Position.ID,
		Positor:        v.Position.Positor,
		PositionKind:   v.Position.Kind,
		Tokens:         v.Position.Quest.Tokens,
		Rate:           v.Position.Quest.Rate,
		Cause:          v.Cause.String(),
		TimestampNanos: v.TerminationTimestampNanos,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
