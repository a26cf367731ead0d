package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"imageforge/internal/config"
)

// Error wraps blob store failures so the pipeline can classify them apart
// from provider errors during triage.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Location addresses one object in the store.
type Location struct {
	Bucket string
	Key    string
}

// URI renders the canonical s3://bucket/key form.
func (l Location) URI() string {
	return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Key)
}

// ParseURL splits an s3://bucket/key address. Any other scheme is rejected.
func ParseURL(raw string) (Location, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Location{}, &Error{Op: "parse", Err: err}
	}
	if parsed.Scheme != "s3" || parsed.Host == "" {
		return Location{}, &Error{Op: "parse", Err: fmt.Errorf("expected s3://bucket/key, got %q", raw)}
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	if key == "" {
		return Location{}, &Error{Op: "parse", Bucket: parsed.Host, Err: fmt.Errorf("missing object key in %q", raw)}
	}
	return Location{Bucket: parsed.Host, Key: key}, nil
}

// S3Store is the S3-compatible blob store adapter. A custom endpoint serves
// MinIO and other S3 clones.
type S3Store struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	maxBytes   int64
	presignTTL time.Duration
}

// NewS3Store builds the client, honoring a custom endpoint and path-style
// addressing from config.
func NewS3Store(ctx context.Context, cfg config.Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
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
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3Store{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		maxBytes:   cfg.InputMaxBytes,
		presignTTL: cfg.PresignTTL,
	}, nil
}

// Download reads the full object body, bounded by the configured size limit.
func (s *S3Store) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &Error{Op: "download", Bucket: bucket, Key: key, Err: err}
	}
	defer out.Body.Close()

	limit := s.maxBytes
	if limit <= 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(out.Body, limit+1))
	if err != nil {
		return nil, &Error{Op: "download", Bucket: bucket, Key: key, Err: err}
	}
	if int64(len(body)) > limit {
		return nil, &Error{Op: "download", Bucket: bucket, Key: key, Err: fmt.Errorf("object too large (>%d bytes)", limit)}
	}
	return body, nil
}

// Upload writes the object and returns its s3:// address.
func (s *S3Store) Upload(ctx context.Context, bucket, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", &Error{Op: "upload", Bucket: bucket, Key: key, Err: err}
	}
	return Location{Bucket: bucket, Key: key}.URI(), nil
}

// PresignGet returns a time-limited HTTPS download URL for an object.
func (s *S3Store) PresignGet(ctx context.Context, bucket, key string) (string, error) {
	ttl := s.presignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", &Error{Op: "presign", Bucket: bucket, Key: key, Err: err}
	}
	return req.URL, nil
}
