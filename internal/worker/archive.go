package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/pkg/queue"
	"github.com/orgforge/backend/pkg/storage"
)

// StreamLoader reads one event stream.
type StreamLoader interface {
	LoadStream(ctx context.Context, streamID string, st events.StreamType) ([]events.Event, error)
}

// Archiver stores archive objects.
type Archiver interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// ArchiveProcessor exports event streams to the audit bucket as NDJSON.
type ArchiveProcessor struct {
	streams StreamLoader
	archive Archiver
	logger  *zap.Logger
	now     func() time.Time
}

// NewArchiveProcessor creates a stream archive processor.
func NewArchiveProcessor(streams StreamLoader, archive Archiver, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{streams: streams, archive: archive, logger: logger, now: time.Now}
}

// Process executes one archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchiveStream {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	st, err := events.ParseStreamType(payload.StreamType)
	if err != nil {
		p.logger.Warn("archive job for unknown stream type dropped", zap.String("stream_type", payload.StreamType))
		return nil
	}

	stream, err := p.streams.LoadStream(ctx, payload.StreamID, st)
	if err != nil {
		return err
	}
	body, err := EncodeNDJSON(stream)
	if err != nil {
		return err
	}
	key := storage.AuditKey(payload.StreamType, payload.StreamID, p.now())
	url, err := p.archive.Upload(ctx, key, storage.ContentTypeNDJSON, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("stream archived",
		zap.String("stream_type", payload.StreamType),
		zap.String("stream_id", payload.StreamID),
		zap.Int("events", len(stream)),
		zap.String("location", url),
		zap.String("requested_by", payload.RequestedBy),
	)
	return nil
}

// EncodeNDJSON writes one JSON event per line, in stream order.
func EncodeNDJSON(stream []events.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range stream {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
	}
	return buf.Bytes(), nil
}
