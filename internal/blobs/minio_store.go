package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const checksumMetaKey = "Sha256"

// MinioConfig describes an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// MaxBytes caps a single object. Non-positive selects DefaultMaxBytes.
	MaxBytes int64
}

// MinioStore keeps blob bytes as objects keyed by blob id.
type MinioStore struct {
	client   *minio.Client
	bucket   string
	maxBytes int64
}

// NewMinioStore connects to the endpoint and creates the bucket when missing.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("blobs: minio endpoint and bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blobs: minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blobs: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("blobs: create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, maxBytes: effectiveLimit(cfg.MaxBytes)}, nil
}

// Put spools r to a temporary file to learn its size and checksum, then uploads it.
func (s *MinioStore) Put(ctx context.Context, r io.Reader, mimeType string) (Info, error) {
	spool, err := os.CreateTemp("", "docvault-blob-*")
	if err != nil {
		return Info{}, err
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, hasher), capped(r, s.maxBytes))
	if err != nil {
		return Info{}, err
	}
	if size > s.maxBytes {
		return Info{}, ErrTooLarge
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return Info{}, err
	}

	id, err := newBlobID()
	if err != nil {
		return Info{}, err
	}
	info := Info{
		ID:        id,
		MimeType:  normalizeMimeType(mimeType),
		Size:      size,
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.client.PutObject(ctx, s.bucket, id, spool, size, minio.PutObjectOptions{
		ContentType:  info.MimeType,
		UserMetadata: map[string]string{checksumMetaKey: info.Checksum},
	})
	if err != nil {
		return Info{}, err
	}
	return info, nil
}

// Open streams the object. The object is stat'ed first so a missing key surfaces as ErrNotFound.
func (s *MinioStore) Open(ctx context.Context, id string) (io.ReadCloser, Info, error) {
	id, err := validateID(id)
	if err != nil {
		return nil, Info{}, err
	}
	object, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, Info{}, translateMinioError(err)
	}
	stat, err := object.Stat()
	if err != nil {
		_ = object.Close()
		return nil, Info{}, translateMinioError(err)
	}
	checksum := stat.UserMetadata[checksumMetaKey]
	if checksum == "" {
		checksum = strings.Trim(stat.ETag, `"`)
	}
	return object, Info{
		ID:        id,
		MimeType:  normalizeMimeType(stat.ContentType),
		Size:      stat.Size,
		Checksum:  checksum,
		CreatedAt: stat.LastModified.UTC(),
	}, nil
}

// Delete removes the object. Removing a missing key is not an error.
func (s *MinioStore) Delete(ctx context.Context, id string) error {
	id, err := validateID(id)
	if err != nil {
		return err
	}
	return translateMinioError(s.client.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{}))
}

func translateMinioError(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return ErrNotFound
	}
	return err
}
