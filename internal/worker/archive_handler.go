package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/junlov/quotey/internal/config"
	"github.com/junlov/quotey/internal/models"
)

type documentUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ArchiveHandler runs archive_document tasks: it ships a rendered quote
// document to durable storage and returns the object location, which becomes
// the task's result fingerprint.
type ArchiveHandler struct {
	cfg   config.Config
	local documentUploader
	s3    documentUploader
}

// archivePayload is the expected task payload for operation archive_document.
type archivePayload struct {
	DocumentKey string `json:"document_key"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Destination string `json:"destination"`
}

// NewArchiveHandler constructs the handler and chooses an uploader (local or S3).
func NewArchiveHandler(ctx context.Context, cfg config.Config) (*ArchiveHandler, error) {
	baseDir := cfg.ArchiveOutputDir
	if baseDir == "" {
		baseDir = "./archive"
	}

	var s3Upload documentUploader
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}
	}

	return &ArchiveHandler{
		cfg:   cfg,
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Handle uploads one document and returns its location.
func (h *ArchiveHandler) Handle(ctx context.Context, task models.Task) (string, error) {
	payload, err := decodeArchivePayload(task)
	if err != nil {
		// Malformed payloads never heal on retry.
		return "", &TerminalError{Err: err}
	}

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return "", &TerminalError{Err: err}
	}

	key := payload.DocumentKey
	if key == "" {
		key = fmt.Sprintf("%s/%s.json", task.EntityID, task.ID)
	}
	key = sanitizeKey(key)

	contentType := payload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	location, err := uploader.Upload(ctx, key, []byte(payload.Content), contentType)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return location, nil
}

func decodeArchivePayload(task models.Task) (archivePayload, error) {
	var payload archivePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Content == "" {
		return payload, errors.New("content is required")
	}
	return payload, nil
}

func (h *ArchiveHandler) pickUploader(destination string) (documentUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but ARCHIVE_S3_BUCKET is not configured")
	case "local", "":
		if h.local != nil {
			return h.local, nil
		}
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	if h.local != nil {
		return h.local, nil
	}
	return nil, errors.New("no uploader configured")
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
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
