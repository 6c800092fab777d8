// Package realtime streams provisioning saga status to websocket clients.
package realtime

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/provisioning"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// StatusSubscriber subscribes to saga status updates.
type StatusSubscriber interface {
	SubscribeSaga(sagaID uuid.UUID, handler func(update provisioning.StatusUpdate)) (cancel func(), err error)
}

// Hub maintains saga_id -> set of connections. One Redis subscription is
// held per saga while at least one client watches it.
type Hub struct {
	sagas  map[uuid.UUID]map[string]*Client
	subs   map[uuid.UUID]func()
	mu     sync.RWMutex
	logger *zap.Logger
	sub    StatusSubscriber
}

// NewHub creates a new websocket hub. sub may be nil for a single instance
// fed through Broadcast.
func NewHub(logger *zap.Logger, sub StatusSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sagas:  make(map[uuid.UUID]map[string]*Client),
		subs:   make(map[uuid.UUID]func()),
		logger: logger,
		sub:    sub,
	}
}

// Register adds a client. Starts the Redis subscription for its saga if it
// is the first watcher.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sagas[c.SagaID] == nil {
		if h.sub != nil {
			sagaID := c.SagaID
			cancel, err := h.sub.SubscribeSaga(sagaID, func(update provisioning.StatusUpdate) {
				h.Broadcast(update)
			})
			if err != nil {
				return err
			}
			h.subs[sagaID] = cancel
		}
		h.sagas[c.SagaID] = make(map[string]*Client)
	}
	h.sagas[c.SagaID][c.ID] = c
	h.logger.Debug("client watching saga", zap.String("client_id", c.ID), zap.String("saga_id", c.SagaID.String()))
	return nil
}

// Unregister removes a client and cancels the subscription when the last
// watcher of a saga leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.sagas[c.SagaID]
	if !ok {
		return
	}
	if _, ok := m[c.ID]; !ok {
		return
	}
	delete(m, c.ID)
	close(c.send)
	if len(m) == 0 {
		delete(h.sagas, c.SagaID)
		if cancel, ok := h.subs[c.SagaID]; ok {
			cancel()
			delete(h.subs, c.SagaID)
		}
	}
	h.logger.Debug("client left saga", zap.String("client_id", c.ID), zap.String("saga_id", c.SagaID.String()))
}

// Broadcast sends an update to the local watchers of its saga. Slow clients
// whose buffer is full miss the update.
func (h *Hub) Broadcast(update provisioning.StatusUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sagas[update.SagaID] {
		select {
		case c.send <- update:
		default:
		}
	}
}

// Watchers returns the number of connected clients watching a saga.
func (h *Hub) Watchers(sagaID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sagas[sagaID])
}
