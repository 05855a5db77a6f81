// Package s3 reads CloudTrail archives from the trail bucket and publishes
// synthesized lab activity back to it.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// maxPageSize is the ListObjectsV2 MaxKeys ceiling.
const maxPageSize = 1000

// Config selects the trail bucket and how to reach it. Static keys are
// optional; without them the default AWS credential chain is used.
type Config struct {
	Region   string `json:"region" yaml:"region"`
	Bucket   string `json:"bucket" yaml:"bucket"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty" yaml:"session_token,omitempty"`

	// UsePathStyle is needed by LocalStack and MinIO.
	UsePathStyle     bool `json:"use_path_style" yaml:"use_path_style"`
	PageSize         int  `json:"page_size" yaml:"page_size"`
	RetryMaxAttempts int  `json:"retry_max_attempts" yaml:"retry_max_attempts"`
}

func DefaultConfig() *Config {
	return &Config{Region: "us-east-2", PageSize: maxPageSize, RetryMaxAttempts: 3}
}

func (c *Config) Validate() error {
	switch {
	case c.Region == "":
		return errors.New("s3: region is required")
	case c.Bucket == "":
		return errors.New("s3: bucket is required")
	case c.PageSize < 0 || c.PageSize > maxPageSize:
		return fmt.Errorf("s3: page size must be between 0 and %d", maxPageSize)
	}
	return nil
}

func (c *Config) loadOptions() []func(*config.LoadOptions) error {
	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)))
	}
	if c.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(c.RetryMaxAttempts))
	}
	return opts
}

func (c *Config) apply(o *s3.Options) {
	if c.Endpoint != "" {
		o.BaseEndpoint = aws.String(c.Endpoint)
	}
	o.UsePathStyle = c.UsePathStyle
}

// objectAPI is the part of the S3 SDK the client calls.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Client reads and writes objects in the trail bucket.
type Client struct {
	api    objectAPI
	config *Config
	logger *slog.Logger

	pages, listed atomic.Int64
	down, up      atomic.Int64
	failures      atomic.Int64
}

// NewClient loads the AWS configuration and builds a client for cfg.Bucket.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, cfg.loadOptions()...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}
	c := newClient(s3.NewFromConfig(awsCfg, cfg.apply), cfg, logger)
	c.logger.Info("s3 client initialized", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return c, nil
}

func newClient(api objectAPI, cfg *Config, logger *slog.Logger) *Client {
	return &Client{api: api, config: cfg, logger: logger.With("component", "s3")}
}

// fail counts err and wraps it with the failed operation.
func (c *Client) fail(op, key string, err error) error {
	c.failures.Add(1)
	return fmt.Errorf("s3: failed to %s %s: %w", op, key, err)
}

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// List returns every object under prefix. A page without Contents counts as
// no objects.
func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(c.config.Bucket), Prefix: aws.String(prefix)}
	if c.config.PageSize > 0 {
		in.MaxKeys = aws.Int32(int32(c.config.PageSize))
	}

	var out []ObjectInfo
	for p := s3.NewListObjectsV2Paginator(c.api, in); p.HasMorePages(); {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, c.fail("list objects under", prefix, err)
		}
		c.pages.Add(1)
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}
	}
	c.listed.Add(int64(len(out)))
	c.logger.Debug("listed objects", "prefix", prefix, "count", len(out))
	return out, nil
}

// Download reads a whole object into memory.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.config.Bucket), Key: aws.String(key)})
	if err != nil {
		return nil, c.fail("download object", key, err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, c.fail("read object", key, err)
	}
	c.down.Add(int64(len(data)))
	c.logger.Debug("downloaded object", "key", key, "size", len(data))
	return data, nil
}

// UploadInput is one object to write.
type UploadInput struct {
	Key             string
	Body            []byte
	ContentType     string
	ContentEncoding string
}

func (c *Client) Upload(ctx context.Context, in UploadInput) error {
	put := &s3.PutObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(in.Key),
		Body:   bytes.NewReader(in.Body),
	}
	if in.ContentType != "" {
		put.ContentType = aws.String(in.ContentType)
	}
	if in.ContentEncoding != "" {
		put.ContentEncoding = aws.String(in.ContentEncoding)
	}
	if _, err := c.api.PutObject(ctx, put); err != nil {
		return c.fail("upload object", in.Key, err)
	}
	c.up.Add(int64(len(in.Body)))
	c.logger.Debug("uploaded object", "key", in.Key, "size", len(in.Body))
	return nil
}

// IsNotFound reports whether err is a missing bucket or key.
func IsNotFound(err error) bool {
	var (
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
		notFound *types.NotFound
	)
	return errors.As(err, &noKey) || errors.As(err, &noBucket) || errors.As(err, &notFound)
}

// Metrics are the client's cumulative counters.
type Metrics struct {
	PagesListed     int64
	ObjectsListed   int64
	BytesDownloaded int64
	BytesUploaded   int64
	Errors          int64
}

func (c *Client) GetMetrics() Metrics {
	return Metrics{
		PagesListed:     c.pages.Load(),
		ObjectsListed:   c.listed.Load(),
		BytesDownloaded: c.down.Load(),
		BytesUploaded:   c.up.Load(),
		Errors:          c.failures.Load(),
	}
}

// HealthStatus is the outcome of a bucket probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// HealthCheck probes the bucket with HeadBucket.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.config.Bucket)})
	status := HealthStatus{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

func (c *Client) Bucket() string { return c.config.Bucket }
