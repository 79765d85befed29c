package documents

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/content"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%03d", p.prefix, p.next), nil
}

func newTestService(t *testing.T) (*Service, *content.Store) {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "documents.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&content.Record{}, &content.Meta{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store, err := content.NewStore(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	base := time.Date(2025, time.March, 14, 9, 0, 0, 0, time.UTC)
	var (
		clockMu sync.Mutex
		tick    int64
	)
	service, err := NewService(ServiceConfig{
		Store:      store,
		IDProvider: &sequentialIDs{prefix: "rec"},
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, store
}

func mustCreateDocument(t *testing.T, service *Service, input CreateInput) Document {
	t.Helper()
	created, err := service.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return created.Document
}

func mustAttachment(t *testing.T, service *Service, documentID, blobID string) Attachment {
	t.Helper()
	attachment, err := service.AddAttachment(context.Background(), documentID, Upload{
		BlobID:   blobID,
		MimeType: "application/pdf",
		Filename: blobID + ".pdf",
	})
	if err != nil {
		t.Fatalf("add attachment failed: %v", err)
	}
	return attachment
}

func mustRecord(t *testing.T, service *Service, documentID, attachmentID, authorID string) Revision {
	t.Helper()
	revision, err := service.RecordRevision(context.Background(), RecordInput{
		DocumentID:   documentID,
		AttachmentID: attachmentID,
		AuthorID:     authorID,
		Summary:      "update",
	})
	if err != nil {
		t.Fatalf("record revision failed: %v", err)
	}
	return revision
}

func sequencePtr(value int64) *int64 {
	return &value
}
