package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunevest/ledger-engine/internal/events"
	"github.com/tunevest/ledger-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type            string `json:"type"`
	TrackID         string `json:"track_id"`
	Price           string `json:"price,omitempty"`
	OldPrice        string `json:"old_price,omitempty"`
	Side            string `json:"side,omitempty"`
	Amount          string `json:"amount,omitempty"`
	AvailableSupply string `json:"available_supply,omitempty"`
	OrderID         string `json:"order_id,omitempty"`
	AlertID         string `json:"alert_id,omitempty"`
	At              string `json:"at,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts market activity to all
// connected clients.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop and returns when ctx is done. Must
// be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "total", n)

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
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
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

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full; trades never wait on clients.
	}
}

// Handle is an events.Handler that relays market events to clients.
// Holdings and balances are never broadcast.
func (h *WSHub) Handle(_ context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.PriceChanged:
		h.Broadcast(WSMessage{
			Type:     e.EventType(),
			TrackID:  e.TrackID,
			Price:    e.NewPrice.String(),
			OldPrice: e.OldPrice.String(),
			At:       e.At.Format(time.RFC3339),
		})
	case events.InvestmentExecuted:
		h.Broadcast(WSMessage{
			Type:            e.EventType(),
			TrackID:         e.TrackID,
			Price:           e.Price.String(),
			Side:            string(e.Side),
			Amount:          e.Amount.String(),
			AvailableSupply: e.NewAvailableSupply.String(),
			At:              e.At.Format(time.RFC3339),
		})
	case events.OrderFilled:
		h.Broadcast(WSMessage{
			Type:    e.EventType(),
			TrackID: e.Order.TrackID,
			Price:   e.Price.String(),
			Side:    string(e.Order.Type),
			Amount:  e.Order.Quantity.String(),
			OrderID: e.Order.ID,
		})
	case events.AlertTriggered:
		h.Broadcast(WSMessage{
			Type:    e.EventType(),
			TrackID: e.Alert.TrackID,
			Price:   e.Price.String(),
			AlertID: e.Alert.ID,
		})
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // origin policy is enforced by the gateway
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
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
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
