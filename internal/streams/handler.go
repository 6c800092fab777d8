// Package streams exposes the event log over HTTP: raw appends, stream reads,
// projection rebuilds and audit archive requests.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/eventstore"
	"github.com/orgforge/backend/internal/middleware"
	"github.com/orgforge/backend/pkg/queue"
	"github.com/orgforge/backend/pkg/response"
	"github.com/orgforge/backend/pkg/storage"
)

// EventStore is the part of the event store served over HTTP.
type EventStore interface {
	Append(ctx context.Context, ev events.Event) (eventstore.AppendResult, error)
	GetCurrentVersion(ctx context.Context, streamID string, st events.StreamType) (int, error)
	LoadStream(ctx context.Context, streamID string, st events.StreamType) ([]events.Event, error)
	Rebuild(ctx context.Context, streamID string, st events.StreamType) (int, error)
}

// ArchiveEnqueuer schedules an audit export of one stream.
type ArchiveEnqueuer interface {
	EnqueueArchive(ctx context.Context, payload queue.ArchivePayload) (string, error)
}

// ArchiveLinker signs download links for archived streams.
type ArchiveLinker interface {
	PresignDownload(ctx context.Context, key string) (string, error)
}

// Handler handles event stream HTTP endpoints.
type Handler struct {
	store   EventStore
	archive ArchiveEnqueuer
	links   ArchiveLinker
	log     *zap.Logger
}

// NewHandler creates a streams handler. archive may be nil when no audit
// bucket is configured.
func NewHandler(store EventStore, archive ArchiveEnqueuer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, archive: archive, log: logger}
}

// WithDownloads enables signed download links for archives.
func (h *Handler) WithDownloads(links ArchiveLinker) *Handler {
	h.links = links
	return h
}

// AppendEventRequest is the body for POST /events.
type AppendEventRequest struct {
	ID            *uuid.UUID      `json:"id"`
	StreamID      string          `json:"stream_id" binding:"required"`
	StreamType    string          `json:"stream_type" binding:"required"`
	StreamVersion int             `json:"stream_version" binding:"required,min=1"`
	EventType     string          `json:"event_type" binding:"required"`
	EventData     json.RawMessage `json:"event_data" binding:"required"`
	Metadata      events.Metadata `json:"event_metadata"`
	CreatedAt     *time.Time      `json:"created_at"`
}

// VersionResponse is returned by GET /streams/:type/:id/version.
type VersionResponse struct {
	StreamID      string            `json:"stream_id"`
	StreamType    events.StreamType `json:"stream_type"`
	StreamVersion int               `json:"stream_version"`
}

// RebuildResponse is returned by POST /streams/:type/:id/rebuild.
type RebuildResponse struct {
	StreamID   string            `json:"stream_id"`
	StreamType events.StreamType `json:"stream_type"`
	Events     int               `json:"events"`
}

// ArchiveResponse is returned by POST /streams/:type/:id/archive.
type ArchiveResponse struct {
	JobID      string            `json:"job_id"`
	StreamID   string            `json:"stream_id"`
	StreamType events.StreamType `json:"stream_type"`
}

// Append handles POST /events. 201 for a new event, 200 when the same fact
// already existed at that version.
func (h *Handler) Append(c *gin.Context) {
	var body AppendEventRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid event: "+err.Error())
		return
	}
	ev := events.Event{
		StreamID:      body.StreamID,
		StreamType:    events.StreamType(body.StreamType),
		StreamVersion: body.StreamVersion,
		EventType:     events.Type(body.EventType),
		EventData:     body.EventData,
		Metadata:      body.Metadata,
	}
	if body.ID != nil {
		ev.ID = *body.ID
	}
	if body.CreatedAt != nil {
		ev.CreatedAt = *body.CreatedAt
	}
	res, err := h.store.Append(c.Request.Context(), ev)
	if err != nil {
		h.fail(c, "append event", err)
		return
	}
	if res.Duplicate {
		response.OK(c, res)
		return
	}
	response.Created(c, res)
}

// Get handles GET /streams/:type/:id.
func (h *Handler) Get(c *gin.Context) {
	st, id, ok := streamParams(c)
	if !ok {
		return
	}
	stream, err := h.store.LoadStream(c.Request.Context(), id, st)
	if err != nil {
		h.fail(c, "load stream", err)
		return
	}
	if stream == nil {
		stream = []events.Event{}
	}
	response.OK(c, stream)
}

// Version handles GET /streams/:type/:id/version.
func (h *Handler) Version(c *gin.Context) {
	st, id, ok := streamParams(c)
	if !ok {
		return
	}
	v, err := h.store.GetCurrentVersion(c.Request.Context(), id, st)
	if err != nil {
		h.fail(c, "read stream version", err)
		return
	}
	response.OK(c, VersionResponse{StreamID: id, StreamType: st, StreamVersion: v})
}

// Rebuild handles POST /streams/:type/:id/rebuild.
func (h *Handler) Rebuild(c *gin.Context) {
	st, id, ok := streamParams(c)
	if !ok {
		return
	}
	n, err := h.store.Rebuild(c.Request.Context(), id, st)
	if err != nil {
		h.fail(c, "rebuild stream", err)
		return
	}
	response.OK(c, RebuildResponse{StreamID: id, StreamType: st, Events: n})
}

// Archive handles POST /streams/:type/:id/archive. The export runs on the
// worker; the response carries the job id.
func (h *Handler) Archive(c *gin.Context) {
	if h.archive == nil {
		response.ServiceUnavailable(c, "audit archive is not configured")
		return
	}
	st, id, ok := streamParams(c)
	if !ok {
		return
	}
	v, err := h.store.GetCurrentVersion(c.Request.Context(), id, st)
	if err != nil {
		h.fail(c, "read stream version", err)
		return
	}
	if v == 0 {
		response.NotFound(c, "stream not found")
		return
	}
	payload := queue.ArchivePayload{StreamType: st.String(), StreamID: id}
	if uid, ok := c.Get(middleware.ContextUserID); ok {
		if u, ok := uid.(uuid.UUID); ok {
			payload.RequestedBy = u.String()
		}
	}
	jobID, err := h.archive.EnqueueArchive(c.Request.Context(), payload)
	if err != nil {
		h.log.Error("enqueue archive", zap.String("stream_id", id), zap.Error(err))
		response.Internal(c, "failed to schedule archive")
		return
	}
	response.Accepted(c, ArchiveResponse{JobID: jobID, StreamID: id, StreamType: st})
}

// DownloadResponse is returned by GET /streams/:type/:id/archive/:stamp.
type DownloadResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// ArchiveDownload handles GET /streams/:type/:id/archive/:stamp. stamp is the
// archive time as it appears in the object key, e.g. 20260301T120000Z.
func (h *Handler) ArchiveDownload(c *gin.Context) {
	if h.links == nil {
		response.ServiceUnavailable(c, "audit archive is not configured")
		return
	}
	st, id, ok := streamParams(c)
	if !ok {
		return
	}
	at, err := time.Parse(storage.AuditStampLayout, c.Param("stamp"))
	if err != nil {
		response.BadRequest(c, "invalid archive stamp")
		return
	}
	key := storage.AuditKey(st.String(), id, at)
	url, err := h.links.PresignDownload(c.Request.Context(), key)
	if err != nil {
		h.log.Error("presign archive download", zap.String("key", key), zap.Error(err))
		response.Internal(c, "failed to sign download link")
		return
	}
	response.OK(c, DownloadResponse{Key: key, URL: url})
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	var perr *eventstore.ProcessingError
	switch {
	case errors.Is(err, eventstore.ErrConcurrentModification):
		response.Conflict(c, err.Error())
	case errors.Is(err, eventstore.ErrInvalidEvent),
		errors.Is(err, events.ErrUnknownStreamType):
		response.BadRequest(c, err.Error())
	case errors.As(err, &perr):
		response.UnprocessableEntity(c, err.Error())
	default:
		h.log.Error(op, zap.Error(err))
		response.Internal(c, "failed to "+op)
	}
}

func streamParams(c *gin.Context) (events.StreamType, string, bool) {
	st, err := events.ParseStreamType(c.Param("type"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return "", "", false
	}
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "stream id required")
		return "", "", false
	}
	return st, id, true
}
