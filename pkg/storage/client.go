// Package storage moves image buffers to and from S3.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/opencontainers/go-digest"

	"github.com/fly-io/littlefs-tool/pkg/errors"
)

// MetadataDigest is the object metadata key holding the image digest.
const MetadataDigest = "content-sha256"

// ErrDigestMismatch means a downloaded object does not match the digest
// recorded when it was uploaded.
var ErrDigestMismatch = errors.New("object digest mismatch")

// API is the subset of the S3 client used here.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Client provides S3 storage operations for one bucket.
type Client struct {
	api    API
	bucket string
}

// NewClient loads the default AWS configuration for region. With anonymous
// set, requests are unsigned, which is enough to read public buckets.
func NewClient(ctx context.Context, bucket, region string, anonymous bool) (*Client, error) {
	slog.Debug("s3_client_init", "bucket", bucket, "region", region, "anonymous", anonymous)

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	return NewWithAPI(s3.NewFromConfig(cfg), bucket), nil
}

// Factory builds a client for a bucket. Commands resolve URIs lazily, so the
// bucket is only known once a URI has been parsed.
type Factory func(ctx context.Context, bucket string) (*Client, error)

// DefaultFactory returns a Factory backed by NewClient.
func DefaultFactory(region string, anonymous bool) Factory {
	return func(ctx context.Context, bucket string) (*Client, error) {
		return NewClient(ctx, bucket, region, anonymous)
	}
}

// NewWithAPI wraps an existing S3 API implementation.
func NewWithAPI(api API, bucket string) *Client {
	return &Client{api: api, bucket: bucket}
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string { return c.bucket }

// Upload stores data under key and records its sha256 in the object
// metadata.
func (c *Client) Upload(ctx context.Context, key string, data []byte) (digest.Digest, error) {
	sum := digest.SHA256.FromBytes(data)
	slog.Info("s3_upload_start", "bucket", c.bucket, "key", key, "bytes", len(data))

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      map[string]string{MetadataDigest: sum.Encoded()},
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "key", key, "error", err)
		return "", errors.Wrapf(err, "upload s3://%s/%s", c.bucket, key)
	}

	slog.Info("s3_upload_complete", "key", key, "sha256", sum.Encoded()[:16]+"...")
	return sum, nil
}

// Download reads the object at key. When the object carries a recorded
// digest the content is verified against it. At most limit bytes are read
// when limit is positive.
func (c *Client) Download(ctx context.Context, key string, limit int64) ([]byte, digest.Digest, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "key", key)

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "key", key, "error", err)
		return nil, "", errors.Wrapf(err, "download s3://%s/%s", c.bucket, key)
	}
	defer out.Body.Close()

	var body io.Reader = out.Body
	if limit > 0 {
		body = io.LimitReader(out.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", errors.Wrapf(err, "read s3://%s/%s", c.bucket, key)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, "", fmt.Errorf("s3://%s/%s exceeds %d bytes", c.bucket, key, limit)
	}

	sum := digest.SHA256.FromBytes(data)
	if want, ok := out.Metadata[MetadataDigest]; ok && want != sum.Encoded() {
		return nil, "", errors.Wrapf(ErrDigestMismatch, "s3://%s/%s", c.bucket, key)
	}

	slog.Info("s3_download_complete", "key", key, "bytes", len(data), "sha256", sum.Encoded()[:16]+"...")
	return data, sum, nil
}

// Exists checks if an object exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		slog.Error("s3_head_object_failed", "key", key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}
	return true, nil
}

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("s3 uri needs a bucket and an object key: %q", uri)
	}
	return bucket, key, nil
}

// IsURI reports whether s names an S3 object.
func IsURI(s string) bool { return strings.HasPrefix(s, "s3://") }
