package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/provisioning"
	"github.com/orgforge/backend/pkg/response"
)

const writeWait = 10 * time.Second

// SagaReader loads the current saga record.
type SagaReader interface {
	Get(ctx context.Context, id uuid.UUID) (*provisioning.Saga, error)
}

// NewUpgrader returns a websocket upgrader that accepts the given origins.
// An empty or "*" list accepts every origin.
func NewUpgrader(allowed []string) websocket.Upgrader {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(origins) == 0 || origins["*"] || origin == "" || origins[origin]
		},
	}
}

// Client is one websocket connection watching a saga.
type Client struct {
	ID     string
	SagaID uuid.UUID
	conn   *websocket.Conn
	send   chan provisioning.StatusUpdate
	logger *zap.Logger
}

// ServeWs handles GET /ws/provisioning/:id: it sends the current status
// of the saga, then every change, and closes after a terminal status.
func ServeWs(hub *Hub, sagas SagaReader, upgrader websocket.Upgrader, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sagaID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid saga id")
			return
		}
		if _, err := sagas.Get(c.Request.Context(), sagaID); err != nil {
			if errors.Is(err, provisioning.ErrSagaNotFound) {
				response.NotFound(c, "saga not found")
				return
			}
			response.Internal(c, "failed to load saga")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client := &Client{
			ID:     uuid.New().String(),
			SagaID: sagaID,
			conn:   conn,
			send:   make(chan provisioning.StatusUpdate, 32),
			logger: logger,
		}
		if err := hub.Register(client); err != nil {
			logger.Warn("subscribe saga status", zap.String("saga_id", sagaID.String()), zap.Error(err))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "status stream unavailable"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		defer hub.Unregister(client)

		// Snapshot after subscribing so no change between the two is lost.
		saga, err := sagas.Get(context.WithoutCancel(c.Request.Context()), sagaID)
		if err == nil {
			client.send <- snapshot(saga)
		}
		go client.readPump()
		client.writePump()
	}
}

func snapshot(s *provisioning.Saga) provisioning.StatusUpdate {
	return provisioning.StatusUpdate{
		SagaID:    s.ID,
		Status:    s.Status,
		Step:      s.CurrentStep(),
		StepIndex: s.StepIndex,
		Attempt:   s.Attempt,
		LastError: s.LastError,
		At:        s.UpdatedAt,
	}
}

// readPump discards client messages and keeps the read deadline alive. It
// closes the connection when the client goes away.
func (c *Client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case update, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(update); err != nil {
				return
			}
			if update.Status.Terminal() {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(update.Status)))
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
