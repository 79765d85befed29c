package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newDatabaseStore(t *testing.T) Store {
	t.Helper()
	return newLimitedDatabaseStore(t, 0)
}

func newLimitedDatabaseStore(t *testing.T, maxBytes int64) *DatabaseStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "blobs.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Blob{}); err != nil {
		t.Fatalf("failed to migrate blobs: %v", err)
	}
	store, err := NewDatabaseStore(db, func() time.Time { return time.Unix(1700000000, 0) }, maxBytes)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func newMinioStore(t *testing.T) Store {
	t.Helper()
	endpoint := os.Getenv("DOCVAULT_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("DOCVAULT_TEST_MINIO_ENDPOINT not set")
	}
	store, err := NewMinioStore(context.Background(), MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("DOCVAULT_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("DOCVAULT_TEST_MINIO_SECRET_KEY"),
		Bucket:    "docvault-test",
	})
	if err != nil {
		t.Fatalf("failed to connect to minio: %v", err)
	}
	return store
}

var storeFactories = map[string]func(t *testing.T) Store{
	"database": newDatabaseStore,
	"minio":    newMinioStore,
}

func TestStoreRoundTrip(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			payload := "%PDF-1.7 revision body"

			info, err := store.Put(ctx, strings.NewReader(payload), "application/pdf")
			if err != nil {
				t.Fatalf("put failed: %v", err)
			}
			sum := sha256.Sum256([]byte(payload))
			if info.Size != int64(len(payload)) || info.Checksum != hex.EncodeToString(sum[:]) {
				t.Fatalf("unexpected info %+v", info)
			}

			reader, opened, err := store.Open(ctx, info.ID)
			if err != nil {
				t.Fatalf("open failed: %v", err)
			}
			body, err := io.ReadAll(reader)
			_ = reader.Close()
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if string(body) != payload {
				t.Fatalf("unexpected body %q", body)
			}
			if opened.MimeType != "application/pdf" || opened.Checksum != info.Checksum {
				t.Fatalf("unexpected opened info %+v", opened)
			}

			if err := store.Delete(ctx, info.ID); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, _, err := store.Open(ctx, info.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestStoreDefaultsMimeType(t *testing.T) {
	store := newDatabaseStore(t)
	info, err := store.Put(context.Background(), strings.NewReader("x"), " ")
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if info.MimeType != defaultMimeType {
		t.Fatalf("expected default mime type, got %q", info.MimeType)
	}
}

func TestStoreRejectsMalformedID(t *testing.T) {
	store := newDatabaseStore(t)
	if _, _, err := store.Open(context.Background(), "../etc/passwd"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestDatabaseStoreEnforcesSizeLimit(t *testing.T) {
	store := newLimitedDatabaseStore(t, 8)
	ctx := context.Background()

	if _, err := store.Put(ctx, strings.NewReader("123456789"), "text/plain"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge for 9 bytes, got %v", err)
	}
	var count int64
	if err := store.db.Model(&Blob{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("oversized blob was stored, %d rows", count)
	}

	info, err := store.Put(ctx, strings.NewReader("12345678"), "text/plain")
	if err != nil {
		t.Fatalf("put at the limit failed: %v", err)
	}
	if info.Size != 8 {
		t.Fatalf("unexpected size %d", info.Size)
	}
}

func TestDatabaseStoreDefaultsSizeLimit(t *testing.T) {
	store := newLimitedDatabaseStore(t, 0)
	if store.maxBytes != DefaultMaxBytes {
		t.Fatalf("expected default limit, got %d", store.maxBytes)
	}
}
