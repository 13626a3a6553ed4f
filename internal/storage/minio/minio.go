// Package minio provides a managed storage backend on a MinIO server.
package minio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/storage"
)

// Config is the JSON config for MinIO backends.
type Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"use_ssl"`
}

// Backend implements storage.Backend with minio-go.
type Backend struct {
	client *minio.Client
	bucket string
}

var _ storage.Backend = (*Backend)(nil)

// New connects to MinIO and creates the bucket if missing.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, classify("bucket exists", cfg.Bucket, err))
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logging.Info("created MinIO bucket", zap.String("bucket", cfg.Bucket))
	}
	return &Backend{client: client, bucket: cfg.Bucket}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse minio config: %w", err)
	}
	return New(ctx, cfg)
}

func classify(op, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%s %s: %w", op, key, apperr.ErrNotFound)
	case "AccessDenied":
		return fmt.Errorf("%s %s: %w", op, key, apperr.ErrPermissionDenied)
	case "XMinioStorageFull":
		return fmt.Errorf("%s %s: %w", op, key, apperr.ErrQuotaExceeded)
	}
	return storage.IOError(op, key, err)
}

// GetObject streams an object, optionally a byte range of it.
func (b *Backend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 || length > 0 {
		end := int64(0)
		if length > 0 {
			end = offset + length - 1
		}
		if err := opts.SetRange(offset, end); err != nil {
			return nil, 0, fmt.Errorf("range for %s: %w", key, apperr.ErrInvalid)
		}
	}
	obj, err := b.client.GetObject(ctx, b.bucket, key, opts)
	if err != nil {
		return nil, 0, classify("get object", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, classify("get object", key, err)
	}
	n := st.Size - offset
	if length > 0 && length < n {
		n = length
	}
	return obj, n, nil
}

// PutObject uploads content, hashing it on the way.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) (*storage.ObjectInfo, error) {
	hr := storage.NewHashingReader(body)
	info, err := b.client.PutObject(ctx, b.bucket, key, hr, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return nil, classify("put object", key, err)
	}
	if size >= 0 && hr.Size() != size {
		b.DeleteObject(ctx, key)
		return nil, storage.ShortWrite(key, size, hr.Size())
	}
	return &storage.ObjectInfo{Key: key, Size: info.Size, ModTime: info.LastModified, Checksum: hr.Sum()}, nil
}

// DeleteObject removes an object. MinIO deletes are idempotent.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classify("remove object", key, err)
	}
	return nil
}

// MoveObject copies then removes the source.
func (b *Backend) MoveObject(ctx context.Context, srcKey, dstKey string) error {
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

// CopyObject copies an object server-side.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := b.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: b.bucket, Object: srcKey},
	)
	if err != nil {
		return classify("copy "+srcKey+" ->", dstKey, err)
	}
	return nil
}

// StatObject returns size and modification time.
func (b *Backend) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	st, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, classify("stat object", key, err)
	}
	return &storage.ObjectInfo{Key: key, Size: st.Size, ModTime: st.LastModified}, nil
}

// ObjectExists checks if an object exists.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.StatObject(ctx, key)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MakeDir is a no-op; buckets are flat.
func (b *Backend) MakeDir(context.Context, string) error { return nil }

// Walk lists all objects under prefix.
func (b *Backend) Walk(ctx context.Context, prefix string, fn storage.WalkFunc) error {
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return classify("list objects", prefix, obj.Err)
		}
		err := fn(storage.ObjectInfo{Key: obj.Key, Size: obj.Size, ModTime: obj.LastModified})
		if err != nil && !errors.Is(err, storage.SkipDir) {
			return err
		}
	}
	return nil
}

// Type returns "minio".
func (b *Backend) Type() string { return "minio" }

// Close is a no-op; the minio client holds no persistent connections.
func (b *Backend) Close() error { return nil }
