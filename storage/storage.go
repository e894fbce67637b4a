// Package storage archives raw message bodies in S3-compatible object
// storage. Objects are content-addressed by BLAKE3 hash, so the same message
// delivered to several linked accounts is stored once, and re-ingestion is a
// no-op at the storage layer.
package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"lukechampine.com/blake3"

	"github.com/migadu/rolo/config"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/pkg/metrics"
	"github.com/migadu/rolo/pkg/retry"
)

// ErrObjectNotFound is returned by Get for a missing key.
var ErrObjectNotFound = errors.New("object not found")

type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

// New builds the archive client from configuration.
func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}
	if cfg.Trace {
		client.TraceOn(os.Stdout)
	}
	return &S3Storage{Client: client, BucketName: cfg.Bucket}, nil
}

// ContentHash returns the hex BLAKE3 digest used as the object key.
func ContentHash(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// objectKey shards keys by hash prefix to keep listings usable.
func objectKey(hash string) string {
	if len(hash) < 2 {
		return "raw/" + hash
	}
	return "raw/" + hash[:2] + "/" + hash
}

// Exists reports whether the body with the given hash is already archived.
func (s *S3Storage) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, objectKey(hash), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", hash, err)
}

// Put archives a raw body under its content hash, retrying transient upload
// failures within the call. An object that already exists is skipped.
func (s *S3Storage) Put(ctx context.Context, hash string, body []byte) error {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	}()

	exists, err := s.Exists(ctx, hash)
	if err == nil && exists {
		metrics.S3Operations.WithLabelValues("PUT", "deduplicated").Inc()
		return nil
	}

	err = retry.WithRetry(ctx, func() error {
		_, err := s.Client.PutObject(ctx, s.BucketName, objectKey(hash),
			bytes.NewReader(body), int64(len(body)),
			minio.PutObjectOptions{SendContentMd5: true})
		return err
	}, retry.BackoffConfig{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	})
	if err != nil {
		metrics.S3Operations.WithLabelValues("PUT", classifyS3Error(err)).Inc()
		return fmt.Errorf("failed to archive message body: %w", err)
	}
	metrics.S3Operations.WithLabelValues("PUT", "success").Inc()
	return nil
}

// Get retrieves an archived body by hash.
func (s *S3Storage) Get(ctx context.Context, hash string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	}()

	object, err := s.Client.GetObject(ctx, s.BucketName, objectKey(hash), minio.GetObjectOptions{})
	if err != nil {
		metrics.S3Operations.WithLabelValues("GET", classifyS3Error(err)).Inc()
		return nil, err
	}
	defer object.Close()

	body, err := io.ReadAll(object)
	if err != nil {
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
			metrics.S3Operations.WithLabelValues("GET", "not_found").Inc()
			return nil, ErrObjectNotFound
		}
		metrics.S3Operations.WithLabelValues("GET", classifyS3Error(err)).Inc()
		return nil, fmt.Errorf("failed to read archived body: %w", err)
	}
	metrics.S3Operations.WithLabelValues("GET", "success").Inc()
	return body, nil
}

// Delete removes an archived body. Missing objects are treated as already
// deleted so the call is idempotent.
func (s *S3Storage) Delete(ctx context.Context, hash string) error {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
	}()

	exists, err := s.Exists(ctx, hash)
	if err != nil {
		metrics.S3Operations.WithLabelValues("DELETE", classifyS3Error(err)).Inc()
		return err
	}
	if !exists {
		logger.Debug("object already absent, skipping delete", "hash", hash)
		metrics.S3Operations.WithLabelValues("DELETE", "skipped").Inc()
		return nil
	}

	if err := s.Client.RemoveObject(ctx, s.BucketName, objectKey(hash), minio.RemoveObjectOptions{}); err != nil {
		metrics.S3Operations.WithLabelValues("DELETE", classifyS3Error(err)).Inc()
		return err
	}
	metrics.S3Operations.WithLabelValues("DELETE", "success").Inc()
	return nil
}

// classifyS3Error buckets S3 failures for metrics.
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}
	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
