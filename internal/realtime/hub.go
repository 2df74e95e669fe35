package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatusUpdate is the message pushed to clients watching a payment.
type StatusUpdate struct {
	TransactionID   string    `json:"transaction_id"`
	MerchantOrderID string    `json:"merchant_order_id"`
	OrderID         string    `json:"order_id"`
	State           string    `json:"state"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Hub manages WebSocket clients and pushes transaction state changes to
// them. Clients watching a payment stuck in PENDING see the terminal state
// as soon as a webhook or poll resolves it.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Updates     chan StatusUpdate
	mu          sync.Mutex
}

// NewHub constructs a Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Updates:     make(chan StatusUpdate, 16),
	}
}

// Publish queues a status update without blocking the reconciliation path.
// When the queue is full the update is dropped; the status endpoint remains
// the source of truth.
func (h *Hub) Publish(update StatusUpdate) {
	select {
	case h.Updates <- update:
	default:
	}
}

// Run processes register/unregister/update events.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case update := <-h.Updates:
			msg, err := json.Marshal(update)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}
