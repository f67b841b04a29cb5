package events

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Hub maintains the set of active connections and broadcasts events to them
type Hub struct {
	// Registered connections
	connections map[*Connection]bool

	// Inbound events from publishers
	broadcast chan Event

	// Register requests from the connections
	register chan *Connection

	// Unregister requests from connections
	unregister chan *Connection

	logger *zap.Logger
	mutex  sync.RWMutex
	done   chan struct{}
}

// NewHub creates a new hub instance
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[*Connection]bool),
		broadcast:   make(chan Event, 256),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for conn := range h.connections {
				delete(h.connections, conn)
				conn.closeSendChannel()
			}
			h.mutex.Unlock()
			return

		case conn := <-h.register:
			h.mutex.Lock()
			h.connections[conn] = true
			h.mutex.Unlock()
			h.logger.Debug("event subscriber registered", zap.String("connection", conn.ID))

		case conn := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.closeSendChannel()
				h.logger.Debug("event subscriber unregistered", zap.String("connection", conn.ID))
			}
			h.mutex.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(newMessage(event.Type, event))
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			h.mutex.Lock()
			for conn := range h.connections {
				if !conn.wants(event) {
					continue
				}
				select {
				case conn.send <- data:
				default:
					// slow subscriber
					conn.closeSendChannel()
					delete(h.connections, conn)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Publish queues e for broadcast. Events are dropped when the queue is full
// or the hub has stopped.
func (h *Hub) Publish(e Event) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("event queue full, dropping event", zap.String("type", e.Type), zap.String("database", e.Database))
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// GetConnectionCount returns the total number of active connections
func (h *Hub) GetConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.connections)
}
