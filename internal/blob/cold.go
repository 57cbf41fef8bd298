package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/forgekit/forge/internal/domain"
)

// ColdBackend is the pluggable remote-object-store tier. Its semantics
// mirror the hot/warm tiers: Put/Get operate on already-compressed
// bytes keyed by BlobID. The default implementation (S3Backend with no
// bucket configured) returns ErrNotImplemented for Put/Get.
type ColdBackend interface {
	Put(ctx context.Context, id domain.BlobID, data []byte) error
	Get(ctx context.Context, id domain.BlobID) ([]byte, error)
	Delete(ctx context.Context, id domain.BlobID) error
}

// NullColdBackend is the zero-configuration default: every operation
// fails with ErrNotImplemented, so callers fall back to hot/warm tiers.
type NullColdBackend struct{}

func (NullColdBackend) Put(context.Context, domain.BlobID, []byte) error {
	return domain.ErrNotImplemented
}

func (NullColdBackend) Get(context.Context, domain.BlobID) ([]byte, error) {
	return nil, domain.ErrNotImplemented
}

func (NullColdBackend) Delete(context.Context, domain.BlobID) error {
	return domain.ErrNotImplemented
}

// S3Backend stores compressed blobs in an S3-compatible bucket. It is
// only active once a bucket name is configured; with an empty bucket it
// behaves exactly like NullColdBackend.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend loads the default AWS config chain (env vars, shared
// config, IMDS) and constructs a cold backend bound to bucket. If bucket
// is empty the returned backend always reports ErrNotImplemented.
func NewS3Backend(ctx context.Context, bucket, prefix string) (*S3Backend, error) {
	if bucket == "" {
		return &S3Backend{}, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Backend{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (b *S3Backend) key(id domain.BlobID) string {
	if b.prefix == "" {
		return string(id)
	}
	return b.prefix + "/" + string(id)
}

func (b *S3Backend) Put(ctx context.Context, id domain.BlobID, data []byte) error {
	if b.client == nil {
		return domain.ErrNotImplemented
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", id, err)
	}
	return nil
}

func (b *S3Backend) Get(ctx context.Context, id domain.BlobID) ([]byte, error) {
	if b.client == nil {
		return nil, domain.ErrNotImplemented
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", id, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *S3Backend) Delete(ctx context.Context, id domain.BlobID) error {
	if b.client == nil {
		return domain.ErrNotImplemented
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", id, err)
	}
	return nil
}
