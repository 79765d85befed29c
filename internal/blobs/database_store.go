package blobs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"gorm.io/gorm"
)

// Blob is the row backing DatabaseStore.
type Blob struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	MimeType  string    `gorm:"column:mime_type;size:190;not null"`
	Size      int64     `gorm:"column:size;not null"`
	Checksum  string    `gorm:"column:checksum;size:64;not null"`
	Data      []byte    `gorm:"column:data"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing blobs.
func (Blob) TableName() string {
	return "blobs"
}

// DatabaseStore keeps blob bytes in the primary database.
type DatabaseStore struct {
	db       *gorm.DB
	clock    func() time.Time
	maxBytes int64
}

// NewDatabaseStore wraps a gorm connection. A non-positive maxBytes selects DefaultMaxBytes.
func NewDatabaseStore(db *gorm.DB, clock func() time.Time, maxBytes int64) (*DatabaseStore, error) {
	if db == nil {
		return nil, fmt.Errorf("blobs: database connection required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &DatabaseStore{db: db, clock: clock, maxBytes: effectiveLimit(maxBytes)}, nil
}

// Put reads r fully and stores it under a new id. Content over the size limit is rejected
// with ErrTooLarge before anything is written.
func (s *DatabaseStore) Put(ctx context.Context, r io.Reader, mimeType string) (Info, error) {
	data, err := io.ReadAll(capped(r, s.maxBytes))
	if err != nil {
		return Info{}, err
	}
	if int64(len(data)) > s.maxBytes {
		return Info{}, ErrTooLarge
	}
	id, err := newBlobID()
	if err != nil {
		return Info{}, err
	}
	sum := sha256.Sum256(data)
	row := Blob{
		ID:        id,
		MimeType:  normalizeMimeType(mimeType),
		Size:      int64(len(data)),
		Checksum:  hex.EncodeToString(sum[:]),
		Data:      data,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Info{}, err
	}
	return infoOf(row), nil
}

// Open returns the stored bytes.
func (s *DatabaseStore) Open(ctx context.Context, id string) (io.ReadCloser, Info, error) {
	id, err := validateID(id)
	if err != nil {
		return nil, Info{}, err
	}
	var row Blob
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Info{}, ErrNotFound
		}
		return nil, Info{}, err
	}
	return io.NopCloser(bytes.NewReader(row.Data)), infoOf(row), nil
}

// Delete removes the blob. Deleting an unknown id is not an error.
func (s *DatabaseStore) Delete(ctx context.Context, id string) error {
	id, err := validateID(id)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&Blob{}).Error
}

func infoOf(row Blob) Info {
	return Info{
		ID:        row.ID,
		MimeType:  row.MimeType,
		Size:      row.Size,
		Checksum:  row.Checksum,
		CreatedAt: row.CreatedAt,
	}
}
