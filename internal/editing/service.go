// Package editing is the synchronous write path. Every operation authorizes the principal,
// checks the edit lock, writes through the document service and then performs the reactions
// that must follow the write, such as releasing the lock on publish.
package editing

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/access"
	"github.com/MarcoPoloResearchLab/docvault/internal/blobs"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	"github.com/MarcoPoloResearchLab/docvault/internal/locks"
	"github.com/MarcoPoloResearchLab/docvault/internal/notify"
	"go.uber.org/zap"
)

// Documents is the document write surface.
type Documents interface {
	Create(ctx context.Context, input documents.CreateInput) (documents.Created, error)
	AddAttachment(ctx context.Context, documentID string, upload documents.Upload) (documents.Attachment, error)
	DiscardAttachment(ctx context.Context, attachmentID string) (string, error)
	RecordRevision(ctx context.Context, input documents.RecordInput) (documents.Revision, error)
	Restore(ctx context.Context, input documents.RestoreInput) (documents.Revision, error)
	SetVisibility(ctx context.Context, documentID string, visibility documents.Visibility) (documents.Document, error)
	Trash(ctx context.Context, documentID string) (documents.Document, error)
	Untrash(ctx context.Context, documentID string) (documents.Document, error)
	Delete(ctx context.Context, documentID string) (documents.Purged, error)
}

// Authorizer is the authorization resolver.
type Authorizer interface {
	Decide(ctx context.Context, principal access.Principal, action access.Action, target documents.Ref) access.Decision
	Policy() access.ReadPolicy
}

// Locks is the edit lock surface the write path needs.
type Locks interface {
	Require(ctx context.Context, documentID string, principal access.Principal) (locks.State, error)
	Current(ctx context.Context, documentID string) (locks.State, error)
	Clear(ctx context.Context, documentID string) error
}

// Config wires the write path.
type Config struct {
	Documents Documents
	Access    Authorizer
	Locks     Locks
	Blobs     blobs.Store
	Notifier  notify.Notifier
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service orchestrates authorize, lock, write and react.
type Service struct {
	documents Documents
	access    Authorizer
	locks     Locks
	blobs     blobs.Store
	notifier  notify.Notifier
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService validates the configuration.
func NewService(cfg Config) (*Service, error) {
	if cfg.Documents == nil || cfg.Access == nil || cfg.Locks == nil || cfg.Blobs == nil {
		return nil, errors.New("editing: missing dependency")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		documents: cfg.Documents,
		access:    cfg.Access,
		locks:     cfg.Locks,
		blobs:     cfg.Blobs,
		notifier:  cfg.Notifier,
		clock:     clock,
		logger:    logger,
	}, nil
}

// File is an upload that has not been stored yet.
type File struct {
	Body     io.Reader
	MimeType string
	Filename string
}

// CreateInput describes a new document. File is optional.
type CreateInput struct {
	Title   string
	Status  documents.Visibility
	Summary string
	File    *File
}

// Create stores the optional file and creates the document owned by the principal.
func (s *Service) Create(ctx context.Context, principal access.Principal, input CreateInput) (documents.Created, error) {
	if !principal.Authenticated() {
		return documents.Created{}, documents.ErrForbidden
	}
	status := input.Status
	if status == "" {
		status = documents.VisibilityDraft
	}
	draft := documents.Document{OwnerID: principal.ID, Status: status}
	if !access.Evaluate(s.access.Policy(), principal, access.ActionEdit, draft) {
		return documents.Created{}, documents.ErrForbidden
	}
	if status == documents.VisibilityPublish && !access.Evaluate(s.access.Policy(), principal, access.ActionPublish, draft) {
		return documents.Created{}, documents.ErrForbidden
	}

	var upload *documents.Upload
	if input.File != nil {
		info, err := s.blobs.Put(ctx, input.File.Body, input.File.MimeType)
		if err != nil {
			return documents.Created{}, err
		}
		upload = &documents.Upload{BlobID: info.ID, MimeType: info.MimeType, Filename: input.File.Filename}
	}

	created, err := s.documents.Create(ctx, documents.CreateInput{
		Title:   input.Title,
		Status:  status,
		OwnerID: principal.ID,
		Summary: input.Summary,
		Upload:  upload,
	})
	if err != nil {
		if upload != nil {
			s.deleteBlob(ctx, upload.BlobID)
		}
		return documents.Created{}, err
	}
	s.logger.Info("document created",
		zap.String("document_id", created.Document.ID),
		zap.String("user_id", principal.ID))
	return created, nil
}

// ReviseInput uploads a new file and records it as the next revision.
type ReviseInput struct {
	DocumentID       string
	File             File
	Summary          string
	ExpectedSequence *int64
}

// Revise stores the file, records the revision and notifies the owner when someone else edited.
// A failed revision leaves no pending attachment or orphaned blob behind.
func (s *Service) Revise(ctx context.Context, principal access.Principal, input ReviseInput) (documents.Revision, error) {
	document, err := s.authorize(ctx, principal, access.ActionEdit, input.DocumentID)
	if err != nil {
		return documents.Revision{}, err
	}
	if _, err := s.locks.Require(ctx, document.ID, principal); err != nil {
		return documents.Revision{}, err
	}

	info, err := s.blobs.Put(ctx, input.File.Body, input.File.MimeType)
	if err != nil {
		return documents.Revision{}, err
	}
	attachment, err := s.documents.AddAttachment(ctx, document.ID, documents.Upload{
		BlobID:   info.ID,
		MimeType: info.MimeType,
		Filename: input.File.Filename,
	})
	if err != nil {
		s.deleteBlob(ctx, info.ID)
		return documents.Revision{}, err
	}
	revision, err := s.documents.RecordRevision(ctx, documents.RecordInput{
		DocumentID:       document.ID,
		AttachmentID:     attachment.ID,
		AuthorID:         principal.ID,
		Summary:          input.Summary,
		ExpectedSequence: input.ExpectedSequence,
	})
	if err != nil {
		s.discard(ctx, attachment.ID)
		return documents.Revision{}, err
	}
	s.notifyOwner(ctx, document, principal.ID, revision)
	return revision, nil
}

// RestoreInput re-points the document at an earlier revision's file.
type RestoreInput struct {
	DocumentID       string
	Sequence         int64
	Summary          string
	ExpectedSequence *int64
}

// Restore appends a revision that reuses the attachment of an earlier one.
func (s *Service) Restore(ctx context.Context, principal access.Principal, input RestoreInput) (documents.Revision, error) {
	document, err := s.authorize(ctx, principal, access.ActionEdit, input.DocumentID)
	if err != nil {
		return documents.Revision{}, err
	}
	if _, err := s.locks.Require(ctx, document.ID, principal); err != nil {
		return documents.Revision{}, err
	}
	revision, err := s.documents.Restore(ctx, documents.RestoreInput{
		DocumentID:       document.ID,
		Sequence:         input.Sequence,
		AuthorID:         principal.ID,
		Summary:          input.Summary,
		ExpectedSequence: input.ExpectedSequence,
	})
	if err != nil {
		return documents.Revision{}, err
	}
	s.notifyOwner(ctx, document, principal.ID, revision)
	return revision, nil
}

// SetVisibility changes the document's state. Entering or leaving publish requires the publish
// capability. Publishing releases the edit lock.
func (s *Service) SetVisibility(ctx context.Context, principal access.Principal, documentID string, visibility documents.Visibility) (documents.Document, error) {
	if _, err := documents.ParseVisibility(string(visibility)); err != nil {
		return documents.Document{}, err
	}
	document, err := s.authorize(ctx, principal, access.ActionEdit, documentID)
	if err != nil {
		return documents.Document{}, err
	}
	if visibility == documents.VisibilityPublish || document.Status == documents.VisibilityPublish {
		if _, err := s.authorize(ctx, principal, access.ActionPublish, documentID); err != nil {
			return documents.Document{}, err
		}
	}
	if _, err := s.locks.Require(ctx, document.ID, principal); err != nil {
		return documents.Document{}, err
	}
	updated, err := s.documents.SetVisibility(ctx, document.ID, visibility)
	if err != nil {
		return documents.Document{}, err
	}
	if visibility == documents.VisibilityPublish {
		if err := s.locks.Clear(ctx, document.ID); err != nil {
			s.logger.Warn("lock release after publish failed", zap.String("document_id", document.ID), zap.Error(err))
		}
	}
	return updated, nil
}

// Trash moves the document to the trash and drops its edit lock.
func (s *Service) Trash(ctx context.Context, principal access.Principal, documentID string) (documents.Document, error) {
	document, err := s.authorize(ctx, principal, access.ActionDelete, documentID)
	if err != nil {
		return documents.Document{}, err
	}
	if err := s.ensureNotLockedByOther(ctx, document.ID, principal); err != nil {
		return documents.Document{}, err
	}
	trashed, err := s.documents.Trash(ctx, document.ID)
	if err != nil {
		return documents.Document{}, err
	}
	if err := s.locks.Clear(ctx, document.ID); err != nil {
		s.logger.Warn("lock release after trash failed", zap.String("document_id", document.ID), zap.Error(err))
	}
	return trashed, nil
}

// Untrash restores the document's previous state.
func (s *Service) Untrash(ctx context.Context, principal access.Principal, documentID string) (documents.Document, error) {
	document, err := s.authorize(ctx, principal, access.ActionDelete, documentID)
	if err != nil {
		return documents.Document{}, err
	}
	return s.documents.Untrash(ctx, document.ID)
}

// Delete permanently removes the document, its history, its blobs and its lock.
func (s *Service) Delete(ctx context.Context, principal access.Principal, documentID string) (documents.Purged, error) {
	document, err := s.authorize(ctx, principal, access.ActionDelete, documentID)
	if err != nil {
		return documents.Purged{}, err
	}
	if err := s.ensureNotLockedByOther(ctx, document.ID, principal); err != nil {
		return documents.Purged{}, err
	}
	purged, err := s.documents.Delete(ctx, document.ID)
	if err != nil {
		return documents.Purged{}, err
	}
	for _, blobID := range purged.BlobIDs {
		s.deleteBlob(ctx, blobID)
	}
	if err := s.locks.Clear(ctx, document.ID); err != nil {
		s.logger.Warn("lock release after delete failed", zap.String("document_id", document.ID), zap.Error(err))
	}
	s.logger.Info("document deleted",
		zap.String("document_id", document.ID),
		zap.String("user_id", principal.ID),
		zap.Int("records", len(purged.RecordIDs)))
	return purged, nil
}

func (s *Service) authorize(ctx context.Context, principal access.Principal, action access.Action, documentID string) (documents.Document, error) {
	if !principal.Authenticated() {
		return documents.Document{}, documents.ErrForbidden
	}
	decision := s.access.Decide(ctx, principal, action, documents.ByIdentity(strings.TrimSpace(documentID)))
	if !decision.Allowed {
		return documents.Document{}, decision.AsError()
	}
	return decision.Document, nil
}

func (s *Service) ensureNotLockedByOther(ctx context.Context, documentID string, principal access.Principal) error {
	state, err := s.locks.Current(ctx, documentID)
	if err != nil {
		return err
	}
	if state.Held() && !state.HeldBy(principal.ID) {
		return &locks.LockedError{State: state}
	}
	return nil
}

func (s *Service) discard(ctx context.Context, attachmentID string) {
	blobID, err := s.documents.DiscardAttachment(ctx, attachmentID)
	if err != nil {
		s.logger.Warn("pending attachment discard failed", zap.String("attachment_id", attachmentID), zap.Error(err))
		return
	}
	s.deleteBlob(ctx, blobID)
}

func (s *Service) deleteBlob(ctx context.Context, blobID string) {
	if err := s.blobs.Delete(ctx, blobID); err != nil {
		s.logger.Warn("blob delete failed", zap.String("blob_id", blobID), zap.Error(err))
	}
}

func (s *Service) notifyOwner(ctx context.Context, document documents.Document, actorID string, revision documents.Revision) {
	if s.notifier == nil || document.OwnerID == "" || document.OwnerID == actorID {
		return
	}
	err := s.notifier.Notify(ctx, notify.Event{
		Type:       notify.EventRevisionRecorded,
		UserID:     document.OwnerID,
		DocumentID: document.ID,
		ActorID:    actorID,
		Sequence:   revision.Sequence,
		Timestamp:  s.clock().UTC(),
	})
	if err != nil {
		s.logger.Warn("revision notification failed", zap.String("document_id", document.ID), zap.Error(err))
	}
}
