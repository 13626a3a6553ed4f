package storage

import (
	"context"
	"io"
	"time"

	"github.com/fruitsalade/pantry/internal/metrics"
)

// Instrumented records Prometheus metrics for every call to the wrapped backend.
type Instrumented struct {
	Backend
}

// Instrument wraps b with metrics. Wrapping twice is a no-op.
func Instrument(b Backend) Backend {
	if _, ok := b.(*Instrumented); ok {
		return b
	}
	return &Instrumented{Backend: b}
}

func (i *Instrumented) record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(i.Backend.Type(), op, time.Since(start), err == nil)
}

func (i *Instrumented) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()
	rc, n, err := i.Backend.GetObject(ctx, key, offset, length)
	i.record("get_object", start, err)
	return rc, n, err
}

func (i *Instrumented) PutObject(ctx context.Context, key string, body io.Reader, size int64) (*ObjectInfo, error) {
	start := time.Now()
	info, err := i.Backend.PutObject(ctx, key, body, size)
	i.record("put_object", start, err)
	return info, err
}

func (i *Instrumented) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	err := i.Backend.DeleteObject(ctx, key)
	i.record("delete_object", start, err)
	return err
}

func (i *Instrumented) MoveObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	err := i.Backend.MoveObject(ctx, srcKey, dstKey)
	i.record("move_object", start, err)
	return err
}

func (i *Instrumented) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	err := i.Backend.CopyObject(ctx, srcKey, dstKey)
	i.record("copy_object", start, err)
	return err
}

func (i *Instrumented) StatObject(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()
	info, err := i.Backend.StatObject(ctx, key)
	i.record("stat_object", start, err)
	return info, err
}

func (i *Instrumented) Walk(ctx context.Context, prefix string, fn WalkFunc) error {
	start := time.Now()
	err := i.Backend.Walk(ctx, prefix, fn)
	i.record("walk", start, err)
	return err
}
