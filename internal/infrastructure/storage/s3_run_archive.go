// Package storage archives finalized sync runs to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/domain/integration"
	infraconfig "github.com/tiersync/backend/internal/infrastructure/config"
)

var _ integration.RunArchive = (*S3RunArchive)(nil)

// S3RunArchive writes one JSON document per finalized run.
// It is compatible with any S3-compatible storage (AWS S3, RustFS, MinIO, etc.)
type S3RunArchive struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// S3RunArchiveOption is a functional option for configuring S3RunArchive
type S3RunArchiveOption func(*S3RunArchive)

// WithLogger sets a custom logger for S3RunArchive
func WithLogger(logger *zap.Logger) S3RunArchiveOption {
	return func(s *S3RunArchive) {
		s.logger = logger
	}
}

// NewS3RunArchive creates an archive from configuration
func NewS3RunArchive(cfg *infraconfig.ArchiveConfig, opts ...S3RunArchiveOption) (*S3RunArchive, error) {
	if cfg == nil {
		return nil, errors.New("archive configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("archive access key is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("archive secret key is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	var endpoint string
	if cfg.Endpoint != "" {
		endpoint = cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		if _, err := url.Parse(endpoint); err != nil {
			return nil, fmt.Errorf("invalid archive endpoint: %w", err)
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	archive := &S3RunArchive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(archive)
	}
	return archive, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *S3RunArchive) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	s.logger.Info("Creating archive bucket", zap.String("bucket", s.bucket))
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &alreadyOwned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// archivedRun is the JSON document stored per run
type archivedRun struct {
	ID          string                      `json:"id"`
	Tier        integration.Tier            `json:"tier"`
	Status      integration.RunStatus       `json:"status"`
	StartedAt   time.Time                   `json:"started_at"`
	CompletedAt *time.Time                  `json:"completed_at,omitempty"`
	DurationMs  int64                       `json:"duration_ms"`
	Error       string                      `json:"error,omitempty"`
	Summary     integration.RunSummary      `json:"summary"`
	Outcomes    []integration.TargetOutcome `json:"outcomes"`
}

// Archive uploads result. Only finalized runs are accepted.
func (s *S3RunArchive) Archive(ctx context.Context, result *integration.SyncRunResult) error {
	if result == nil {
		return errors.New("run result is required")
	}
	if !result.Status.IsFinal() {
		return fmt.Errorf("run %s is still %s", result.ID, result.Status)
	}

	body, err := json.Marshal(archivedRun{
		ID:          result.ID.String(),
		Tier:        result.Tier,
		Status:      result.Status,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		DurationMs:  result.Duration().Milliseconds(),
		Error:       result.Error,
		Summary:     result.Summary(),
		Outcomes:    result.Outcomes(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	key := s.ObjectKey(result)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload run %s: %w", result.ID, err)
	}

	s.logger.Debug("Sync run archived",
		zap.String("run_id", result.ID.String()),
		zap.String("key", key),
	)
	return nil
}

// ObjectKey returns {prefix}/{tier}/{yyyy}/{mm}/{dd}/{run_id}.json, dated by
// the run's start in UTC
func (s *S3RunArchive) ObjectKey(result *integration.SyncRunResult) string {
	started := result.StartedAt.UTC()
	return path.Join(
		s.prefix,
		result.Tier.Slug(),
		started.Format("2006"),
		started.Format("01"),
		started.Format("02"),
		result.ID.String()+".json",
	)
}

// GetBucket returns the bucket name
func (s *S3RunArchive) GetBucket() string {
	return s.bucket
}
