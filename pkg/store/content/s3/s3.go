// Package s3 implements a content.Driver on an S3-compatible object store.
//
// Logical paths map to object keys <prefix>/<domain>/<path>. Payloads are
// uploaded to a sibling staging key and published with a server-side
// CopyObject, or a multipart UploadPartCopy above the 5 GiB single-request
// limit. Either write is atomic for S3 readers, so the final key always holds
// the old or the new payload.
package s3

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/store/content"
	"github.com/marmos91/lockfs/pkg/store/metadata"
)

// Config configures the S3 driver and its client.
type Config struct {
	Bucket    string `mapstructure:"bucket" validate:"required"`
	Region    string `mapstructure:"region" validate:"required"`
	KeyPrefix string `mapstructure:"key_prefix"`

	// Endpoint overrides the S3 endpoint (MinIO, Localstack). Setting it
	// also enables path-style addressing.
	Endpoint string `mapstructure:"endpoint"`

	// AccessKeyID and SecretAccessKey select static credentials; when empty
	// the default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// MaxRetries bounds SDK retries for transient failures (default: 10).
	MaxRetries int `mapstructure:"max_retries"`
}

// Driver is an S3-backed content.Driver.
type Driver struct {
	client  *s3.Client
	bucket  string
	prefix  string
	metrics Metrics

	// Payloads larger than multipartThreshold are uploaded and copied in
	// parts of partSize.
	multipartThreshold int64
	partSize           int64
}

var _ content.Driver = (*Driver)(nil)

// NewClient builds an S3 client from cfg.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// New creates a driver, building its client from cfg and verifying the
// bucket is reachable.
func New(ctx context.Context, cfg Config, m Metrics) (*Driver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 driver: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("S3 driver: region is required")
	}

	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d := NewWithClient(client, cfg.Bucket, cfg.KeyPrefix, m)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", cfg.Bucket, err)
	}

	logger.Info("S3 driver ready (bucket=%s, prefix=%q)", cfg.Bucket, cfg.KeyPrefix)
	return d, nil
}

// NewWithClient creates a driver on an existing client.
func NewWithClient(client *s3.Client, bucket, keyPrefix string, m Metrics) *Driver {
	if m == nil {
		m = noopMetrics{}
	}
	return &Driver{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(keyPrefix, "/"),
		metrics: m,

		multipartThreshold: maxSingleRequest,
		partSize:           defaultPartSize,
	}
}

// Name returns "s3".
func (d *Driver) Name() string {
	return "s3"
}

// Locate maps (domain, p) to the object key <prefix>/<domain>/<path>. The
// root path has no content and is rejected with content.ErrInvalidPath.
func (d *Driver) Locate(domain, p string) (content.Location, error) {
	if err := metadata.ValidateDomain(domain); err != nil {
		return content.Location{}, fmt.Errorf("%w: %v", content.ErrInvalidPath, err)
	}

	clean := metadata.CleanPath(p)
	if clean == "/" {
		return content.Location{}, fmt.Errorf("%w: %s:%s has no content", content.ErrInvalidPath, domain, p)
	}

	key := path.Join(d.prefix, domain, strings.TrimPrefix(clean, "/"))
	return content.Location{
		Path: key,
		URI:  map[string]string{"scheme": "s3", "bucket": d.bucket, "key": key},
	}, nil
}

func (d *Driver) observe(op string, start time.Time, err error) {
	d.metrics.ObserveRequest(op, time.Since(start), err)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// Close is a no-op; the S3 client holds no resources to release.
func (d *Driver) Close() error {
	return nil
}
