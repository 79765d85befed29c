package blobs

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultMimeType = "application/octet-stream"

// DefaultMaxBytes caps a single blob when no limit is configured.
const DefaultMaxBytes int64 = 64 << 20

var (
	// ErrNotFound indicates the blob id does not resolve to stored bytes.
	ErrNotFound = errors.New("blobs: not found")
	// ErrInvalidID indicates a malformed blob id.
	ErrInvalidID = errors.New("blobs: invalid id")
	// ErrTooLarge indicates the content exceeded the store's size limit.
	ErrTooLarge = errors.New("blobs: content exceeds size limit")
)

// Info describes stored bytes.
type Info struct {
	ID        string
	MimeType  string
	Size      int64
	Checksum  string
	CreatedAt time.Time
}

// Store persists opaque byte streams addressed by generated ids.
type Store interface {
	Put(ctx context.Context, r io.Reader, mimeType string) (Info, error)
	Open(ctx context.Context, id string) (io.ReadCloser, Info, error)
	Delete(ctx context.Context, id string) error
}

func newBlobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func validateID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if _, err := uuid.Parse(trimmed); err != nil {
		return "", ErrInvalidID
	}
	return trimmed, nil
}

func effectiveLimit(maxBytes int64) int64 {
	if maxBytes <= 0 {
		return DefaultMaxBytes
	}
	return maxBytes
}

// capped reads at most one byte past limit so an oversized stream is detected without
// buffering it whole.
func capped(r io.Reader, limit int64) io.Reader {
	return io.LimitReader(r, limit+1)
}

func normalizeMimeType(mimeType string) string {
	if trimmed := strings.TrimSpace(mimeType); trimmed != "" {
		return trimmed
	}
	return defaultMimeType
}
