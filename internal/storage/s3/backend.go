// Package s3 provides a managed storage backend on Amazon S3 or any
// S3-compatible endpoint.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/storage"
)

// BackendConfig is the JSON config for S3 backends.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	Prefix    string `json:"prefix"`
}

// S3Backend implements storage.Backend using S3.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ storage.Backend = (*S3Backend)(nil)

// NewBackend creates a new S3 backend. A custom Endpoint switches the client
// to path-style addressing.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	b := &S3Backend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
	if err := b.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
	}
	return b, nil
}

// NewBackendFromJSON creates an S3Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*S3Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	if _, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}); createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

func (b *S3Backend) objectKey(key string) string { return b.prefix + key }

// classify maps S3 API errors onto apperr kinds.
func classify(op, key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s %s: %w", op, key, apperr.ErrNotFound)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%s %s: %w", op, key, apperr.ErrPermissionDenied)
		}
	}
	return storage.IOError(op, key, err)
}

// GetObject retrieves an object from S3 with range support.
func (b *S3Backend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	}
	if offset > 0 || length > 0 {
		if length > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		return nil, 0, classify("get object", key, err)
	}
	return result.Body, aws.ToInt64(result.ContentLength), nil
}

// PutObject uploads content to S3. The body is hashed as it streams.
func (b *S3Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) (*storage.ObjectInfo, error) {
	hr := storage.NewHashingReader(body)
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
		Body:   hr,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return nil, classify("put object", key, err)
	}
	if size >= 0 && hr.Size() != size {
		b.DeleteObject(ctx, key)
		return nil, storage.ShortWrite(key, size, hr.Size())
	}

	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", hr.Size()))
	return &storage.ObjectInfo{Key: key, Size: hr.Size(), Checksum: hr.Sum()}, nil
}

// DeleteObject removes an object from S3. S3 deletes are idempotent.
func (b *S3Backend) DeleteObject(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return classify("delete object", key, err)
	}
	return nil
}

// MoveObject copies then deletes; S3 has no rename.
func (b *S3Backend) MoveObject(ctx context.Context, srcKey, dstKey string) error {
	if srcKey == dstKey {
		return nil
	}
	exists, err := b.ObjectExists(ctx, dstKey)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("move %s -> %s: destination exists: %w", srcKey, dstKey, apperr.ErrNameConflict)
	}
	if err := b.CopyObject(ctx, srcKey, dstKey); err != nil {
		return err
	}
	return b.DeleteObject(ctx, srcKey)
}

// CopyObject copies an S3 object from srcKey to dstKey.
func (b *S3Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(b.objectKey(dstKey)),
		CopySource: aws.String(b.bucket + "/" + b.objectKey(srcKey)),
	})
	if err != nil {
		return classify("copy "+srcKey+" ->", dstKey, err)
	}
	return nil
}

// StatObject returns size and modification time via HeadObject.
func (b *S3Backend) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, classify("head object", key, err)
	}
	return &storage.ObjectInfo{Key: key, Size: aws.ToInt64(out.ContentLength), ModTime: aws.ToTime(out.LastModified)}, nil
}

// ObjectExists checks if an object exists in S3.
func (b *S3Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.StatObject(ctx, key)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MakeDir is a no-op; S3 has no directories.
func (b *S3Backend) MakeDir(context.Context, string) error { return nil }

// Walk lists every object under prefix, page by page.
func (b *S3Backend) Walk(ctx context.Context, prefix string, fn storage.WalkFunc) error {
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.objectKey(prefix)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return classify("list objects", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)[len(b.prefix):]
			err := fn(storage.ObjectInfo{
				Key:     key,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
			if err != nil && !errors.Is(err, storage.SkipDir) {
				return err
			}
		}
	}
	return nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
