package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures an S3-compatible artifact store.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are provided. For S3-compatible stores (MinIO, Wasabi,
// DigitalOcean Spaces) set Endpoint and typically ForcePathStyle.
type S3Config struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is prepended to artifact keys. Optional.
	Prefix string

	// Region is the AWS region. Empty lets the SDK resolve it from the
	// environment or profile, falling back to us-east-1 for AWS S3.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the AWS profile name from shared config. Optional.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit credentials. If one is
	// set, both must be.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	// Required for most S3-compatible stores.
	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region when none is resolved.
const DefaultAWSRegion = "us-east-1"

func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("access key ID and secret access key must be provided together")
	}
	return nil
}

// S3Store publishes artifacts to an S3-compatible object store.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates an S3-backed artifact store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &StoreError{Op: "New", Store: "s3", Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	// Custom endpoints get no implicit region; AWS proper defaults to
	// us-east-1 when nothing else resolved one.
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}

	return awsCfg, nil
}

// Publish uploads the file at path under key and returns an s3:// location.
func (s *S3Store) Publish(ctx context.Context, key, path string) (string, error) {
	full := joinKey(s.prefix, key)

	f, err := os.Open(path)
	if err != nil {
		return "", s.wrap("Publish", full, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", s.wrap("Publish", full, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(full),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("video/mp4"),
	})
	if err != nil {
		return "", s.wrap("Publish", full, err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, full), nil
}

// Delete removes an artifact. S3 delete is idempotent, so missing keys
// succeed.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	full := joinKey(s.prefix, key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		return s.wrap("Delete", full, err)
	}
	return nil
}

// wrap converts S3 errors to store errors with appropriate sentinels.
func (s *S3Store) wrap(op, key string, err error) error {
	wrapped := &StoreError{Op: op, Store: "s3", Key: key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		wrapped.Err = ErrNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			wrapped.Err = ErrNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrAccessDenied
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
		return wrapped
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "404") || strings.Contains(msg, "NotFound"):
		wrapped.Err = ErrNotFound
	case strings.Contains(msg, "403") || strings.Contains(msg, "AccessDenied"):
		wrapped.Err = ErrAccessDenied
	case strings.Contains(msg, "429") || strings.Contains(msg, "SlowDown"):
		wrapped.Err = ErrThrottled
	case strings.Contains(msg, "503") || strings.Contains(msg, "ServiceUnavailable"):
		wrapped.Err = ErrUnavailable
	}
	return wrapped
}
