// Package archive keeps a copy of dead-lettered tasks in object storage for operators.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"booking-webhook-pipeline/internal/config"
	"booking-webhook-pipeline/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Record is the JSON document written for each dead-lettered task.
type Record struct {
	Task       models.Task `json:"task"`
	Cause      string      `json:"cause"`
	ArchivedAt time.Time   `json:"archived_at"`
}

// Archiver writes dead-letter records to S3, or to a local directory when no bucket is set.
type Archiver struct {
	up     uploader
	prefix string
	now    func() time.Time
}

// New picks the S3 uploader when DLQ_ARCHIVE_BUCKET is set and the local one when
// DLQ_ARCHIVE_DIR is set. It returns nil when archiving is disabled.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	switch {
	case cfg.DLQArchiveBucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{up: &s3Uploader{client: client, bucket: cfg.DLQArchiveBucket}, prefix: "dlq", now: time.Now}, nil
	case cfg.DLQArchiveDir != "":
		return &Archiver{up: &localUploader{baseDir: cfg.DLQArchiveDir}, prefix: "dlq", now: time.Now}, nil
	default:
		return nil, nil
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.DLQArchiveRegion),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.DLQArchiveEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DLQArchiveEndpoint)
		}
		o.UsePathStyle = cfg.DLQArchivePathStyle
	}), nil
}

// Key returns the object key of a task archived at t: <prefix>/<queue>/<yyyy>/<mm>/<dd>/<id>.json.
func (a *Archiver) Key(task models.Task, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%s.json", a.prefix, task.Queue, t.Year(), int(t.Month()), t.Day(), task.ID)
}

// Archive stores task together with the error that exhausted its retries.
func (a *Archiver) Archive(ctx context.Context, task models.Task, cause string) error {
	if a == nil || a.up == nil {
		return errors.New("archive not configured")
	}
	now := a.now()
	body, err := json.MarshalIndent(Record{Task: task, Cause: cause, ArchivedAt: now.UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := a.up.Upload(ctx, a.Key(task, now), body, "application/json"); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}
