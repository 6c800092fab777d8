package provisioning

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgforge/backend/pkg/response"
)

// Handler serves the provisioning HTTP endpoints.
type Handler struct {
	svc *Service
	log *zap.Logger
}

// NewHandler creates a provisioning handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, log: logger}
}

// TriggerResponse is returned by POST /provisioning.
type TriggerResponse struct {
	SagaID  uuid.UUID `json:"saga_id"`
	Status  Status    `json:"status"`
	Attempt int       `json:"attempt"`
}

// Trigger handles POST /provisioning. 202 when a saga or a new attempt was
// started, 200 when the request attached to an existing saga.
func (h *Handler) Trigger(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	saga, started, err := h.svc.Trigger(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			response.BadRequest(c, err.Error())
			return
		}
		if saga == nil {
			h.log.Error("trigger provisioning", zap.Error(err))
			response.Internal(c, "failed to start provisioning")
			return
		}
		// The saga is stored; a worker recovery pass will pick it up.
		h.log.Warn("provisioning saga not enqueued", zap.String("saga_id", saga.ID.String()), zap.Error(err))
	}
	out := TriggerResponse{SagaID: saga.ID, Status: saga.Status, Attempt: saga.Attempt}
	if started {
		response.Accepted(c, out)
		return
	}
	response.OK(c, out)
}

// Get handles GET /provisioning/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid saga id")
		return
	}
	saga, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			response.NotFound(c, "saga not found")
			return
		}
		response.Internal(c, "failed to load saga")
		return
	}
	response.OK(c, saga)
}

// Cancel handles POST /provisioning/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid saga id")
		return
	}
	saga, err := h.svc.Cancel(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrSagaNotFound):
		response.NotFound(c, "saga not found")
	case errors.Is(err, ErrSagaFinished):
		response.Conflict(c, "saga already finished with status "+string(saga.Status))
	case err != nil && saga == nil:
		response.Internal(c, "failed to cancel saga")
	default:
		if err != nil {
			h.log.Warn("cancelled saga not enqueued", zap.String("saga_id", id.String()), zap.Error(err))
		}
		response.Accepted(c, saga)
	}
}
