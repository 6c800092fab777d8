package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const (
	// FolderAudit is the S3 prefix for archived event streams.
	FolderAudit = "audit"
	// ContentTypeNDJSON is the content type of archived streams, one event per line.
	ContentTypeNDJSON = "application/x-ndjson"
	// AuditStampLayout formats the archive time in audit object keys.
	AuditStampLayout = "20060102T150405Z"
)

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AuditBucket          string
	PresignExpireMinutes int
}

// S3 stores audit archives with server-side encryption and hands out
// pre-signed download URLs.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client from a loaded AWS config.
func NewS3(awsCfg aws.Config, cfg S3Config, logger *zap.Logger) *S3 {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024 // 5MB parts for streaming
	})
	logger.Info("S3 audit archive configured", zap.String("region", cfg.Region), zap.String("bucket", cfg.AuditBucket))
	return &S3{
		client:   client,
		uploader: uploader,
		presign:  s3.NewPresignClient(client),
		cfg:      cfg,
		logger:   logger,
	}
}

// AuditKey returns the S3 object key for a stream archive:
// audit/{stream_type}/{stream_id}/{timestamp}.ndjson.
func AuditKey(streamType, streamID string, at time.Time) string {
	id := strings.NewReplacer("/", "_", "\\", "_").Replace(streamID)
	return path.Join(FolderAudit, streamType, id, at.UTC().Format(AuditStampLayout)+".ndjson")
}

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// Upload streams body to the audit bucket under key.
func (s *S3) Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	var contentLengthPtr *int64
	if contentLength > 0 {
		contentLengthPtr = &contentLength
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.cfg.AuditBucket),
		Key:                  aws.String(key),
		Body:                 body,
		ContentType:          aws.String(contentType),
		ContentLength:        contentLengthPtr,
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.cfg.AuditBucket, key), nil
}

// PresignDownload returns a pre-signed GET URL for an archived object.
func (s *S3) PresignDownload(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.AuditBucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.PresignExpire()
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}
