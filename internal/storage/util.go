package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"syscall"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/retry"
)

// HashingReader counts and hashes what passes through it.
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashingReader wraps r.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Size returns the number of bytes read so far.
func (hr *HashingReader) Size() int64 { return hr.n }

// Sum returns the hex sha256 of the bytes read so far.
func (hr *HashingReader) Sum() string { return hex.EncodeToString(hr.h.Sum(nil)) }

// ClassifyFSError maps a filesystem error onto an apperr kind.
func ClassifyFSError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s %s: %w", op, key, apperr.ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s %s: %w", op, key, apperr.ErrPermissionDenied)
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return fmt.Errorf("%s %s: %w: %v", op, key, apperr.ErrQuotaExceeded, err)
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrInvalid),
		errors.Is(err, apperr.ErrNameConflict), errors.Is(err, apperr.ErrQuotaExceeded):
		return err
	}
	return IOError(op, key, err)
}

// IOError wraps err as a retryable ErrIO.
func IOError(op, key string, err error) error {
	return retry.Retryable(fmt.Errorf("%s %s: %w: %v", op, key, apperr.ErrIO, err))
}

// ShortWrite reports a body that ended before its declared size.
func ShortWrite(key string, want, got int64) error {
	return fmt.Errorf("write %s: declared %d bytes, received %d: %w", key, want, got, apperr.ErrInvalid)
}
