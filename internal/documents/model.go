package documents

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/content"
)

const maxIdentifierLength = 64

// ErrInvalidID indicates that a record identifier is empty or exceeds storage bounds.
var ErrInvalidID = errors.New("documents: invalid id")

// ParseID validates a raw record identifier received at a transport boundary.
func ParseID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Visibility is the document state that drives read access.
type Visibility string

const (
	VisibilityDraft   Visibility = "draft"
	VisibilityPrivate Visibility = "private"
	VisibilityPublish Visibility = "publish"
	VisibilityTrash   Visibility = "trash"
)

// ParseVisibility accepts the externally visible states. Trash is reached only through Trash.
func ParseVisibility(raw string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(raw))) {
	case VisibilityDraft:
		return VisibilityDraft, nil
	case VisibilityPrivate:
		return VisibilityPrivate, nil
	case VisibilityPublish:
		return VisibilityPublish, nil
	default:
		return "", fmt.Errorf("%w: unsupported visibility %q", ErrInvalidState, raw)
	}
}

// Document is a content record under revision control.
type Document struct {
	ID                  string
	Title               string
	Slug                string
	Status              Visibility
	OwnerID             string
	CurrentAttachmentID string
	Summary             string
	CreatedAt           time.Time
	ModifiedAt          time.Time
}

// Revision is one entry of a document's chain. Live marks the synthetic entry of a document
// that has not been revised yet.
type Revision struct {
	ID           string
	DocumentID   string
	Sequence     int64
	Title        string
	Status       Visibility
	AuthorID     string
	AttachmentID string
	Summary      string
	CreatedAt    time.Time
	Live         bool
}

// Attachment references a stored blob. RevisionID is empty while the upload is pending.
type Attachment struct {
	ID         string
	DocumentID string
	RevisionID string
	BlobID     string
	MimeType   string
	Filename   string
	CreatedAt  time.Time
}

// Upload describes a blob already written to the blob store.
type Upload struct {
	BlobID   string
	MimeType string
	Filename string
}

// Ref normalizes the ways callers identify a target: by record identity or by a document
// that has already been loaded.
type Ref struct {
	id       string
	resolved *Document
}

// ByIdentity references a document, revision or attachment by id.
func ByIdentity(id string) Ref {
	return Ref{id: strings.TrimSpace(id)}
}

// Resolved references an already loaded document.
func Resolved(document Document) Ref {
	doc := document
	return Ref{id: document.ID, resolved: &doc}
}

// ID returns the referenced record identifier.
func (r Ref) ID() string {
	return r.id
}

// Document returns the loaded document when the reference carries one.
func (r Ref) Document() (Document, bool) {
	if r.resolved == nil {
		return Document{}, false
	}
	return *r.resolved, true
}

func documentFromRecord(record content.Record) Document {
	return Document{
		ID:                  record.ID,
		Title:               record.Title,
		Slug:                record.Name,
		Status:              Visibility(record.Status),
		OwnerID:             record.OwnerID,
		CurrentAttachmentID: record.ContentPointer,
		Summary:             record.Excerpt,
		CreatedAt:           record.CreatedAt,
		ModifiedAt:          record.ModifiedAt,
	}
}

func revisionFromRecord(record content.Record) Revision {
	var sequence int64
	if record.Position != nil {
		sequence = *record.Position
	}
	return Revision{
		ID:           record.ID,
		DocumentID:   record.ParentID,
		Sequence:     sequence,
		Title:        record.Title,
		Status:       Visibility(record.Status),
		AuthorID:     record.OwnerID,
		AttachmentID: record.ContentPointer,
		Summary:      record.Excerpt,
		CreatedAt:    record.CreatedAt,
	}
}

// liveSequence is the sequence reported for the live entry of a never-revised document.
const liveSequence = 1

func liveRevision(document Document) Revision {
	return Revision{
		ID:           document.ID,
		DocumentID:   document.ID,
		Sequence:     liveSequence,
		Title:        document.Title,
		Status:       document.Status,
		AuthorID:     document.OwnerID,
		AttachmentID: document.CurrentAttachmentID,
		Summary:      document.Summary,
		CreatedAt:    document.CreatedAt,
		Live:         true,
	}
}

func attachmentFromRecord(record content.Record, documentID string) Attachment {
	attachment := Attachment{
		ID:         record.ID,
		DocumentID: documentID,
		BlobID:     record.ContentPointer,
		MimeType:   record.MimeType,
		Filename:   record.Title,
		CreatedAt:  record.CreatedAt,
	}
	if record.ParentID != documentID {
		attachment.RevisionID = record.ParentID
	}
	return attachment
}
