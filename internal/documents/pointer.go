package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/docvault/internal/content"
	"go.uber.org/zap"
)

const defaultSlug = "document"

// CreateInput describes a new document. Upload is optional; when present the first revision is
// recorded in the same transaction.
type CreateInput struct {
	Title   string
	Status  Visibility
	OwnerID string
	Summary string
	Upload  *Upload
}

// Created is the outcome of Create. Revision is nil when no upload was supplied.
type Created struct {
	Document Document
	Revision *Revision
}

// RecordInput describes a new revision. ExpectedSequence, when set, is the sequence of the
// latest chain entry the caller observed. A never-revised document accepts both zero and the
// sequence of its live entry.
type RecordInput struct {
	DocumentID       string
	AttachmentID     string
	AuthorID         string
	Summary          string
	ExpectedSequence *int64
}

// RestoreInput re-points a document at the attachment of an earlier revision.
type RestoreInput struct {
	DocumentID       string
	Sequence         int64
	AuthorID         string
	Summary          string
	ExpectedSequence *int64
}

// Create inserts a document with a unique slug derived from its title.
func (s *Service) Create(ctx context.Context, input CreateInput) (Created, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return Created{}, newServiceError(opCreate, "missing_title", ErrInvalidState)
	}
	owner := strings.TrimSpace(input.OwnerID)
	if owner == "" {
		return Created{}, newServiceError(opCreate, "missing_owner", ErrInvalidState)
	}
	status := input.Status
	if status == "" {
		status = VisibilityDraft
	}
	if _, err := ParseVisibility(string(status)); err != nil {
		return Created{}, newServiceError(opCreate, "invalid_status", err)
	}
	documentID, err := s.idProvider.NewID()
	if err != nil {
		return Created{}, s.fail(opCreate, "id_generation_failed", err)
	}

	var created Created
	txErr := s.store.Transaction(ctx, func(tx *content.Store) error {
		slug, err := uniqueSlug(ctx, tx, title)
		if err != nil {
			return s.fail(opCreate, "slug_select_failed", err)
		}
		now := s.now()
		record := content.Record{
			ID:         documentID,
			Kind:       content.KindDocument,
			Name:       slug,
			Title:      title,
			Status:     content.Status(status),
			OwnerID:    owner,
			Excerpt:    input.Summary,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		if err := tx.Create(ctx, &record); err != nil {
			return s.fail(opCreate, "document_insert_failed", err, zap.String("document_id", documentID))
		}
		created.Document = documentFromRecord(record)
		if input.Upload == nil {
			return nil
		}

		attachment, err := s.insertAttachment(ctx, tx, created.Document, *input.Upload)
		if err != nil {
			return s.fail(opCreate, "attachment_insert_failed", err, zap.String("document_id", documentID))
		}
		revision, document, err := s.appendRevision(ctx, tx, created.Document, attachment, owner, input.Summary, 1)
		if err != nil {
			return s.wrapAppend(opCreate, err, documentID)
		}
		created.Document = document
		created.Revision = &revision
		return nil
	})
	if txErr != nil {
		return Created{}, txErr
	}
	return created, nil
}

// AddAttachment registers an uploaded blob as a pending attachment of the document.
func (s *Service) AddAttachment(ctx context.Context, documentID string, upload Upload) (Attachment, error) {
	if strings.TrimSpace(upload.BlobID) == "" {
		return Attachment{}, newServiceError(opAddAttachment, "missing_blob", ErrInvalidState)
	}
	document, err := loadDocument(ctx, s.store, documentID)
	if errors.Is(err, ErrNotFound) {
		return Attachment{}, newServiceError(opAddAttachment, "document_not_found", ErrNotFound)
	}
	if err != nil {
		return Attachment{}, s.fail(opAddAttachment, "document_select_failed", err, zap.String("document_id", documentID))
	}
	if document.Status == VisibilityTrash {
		return Attachment{}, newServiceError(opAddAttachment, "document_trashed", ErrInvalidState)
	}
	record, err := s.insertAttachment(ctx, s.store, document, upload)
	if err != nil {
		return Attachment{}, s.fail(opAddAttachment, "attachment_insert_failed", err, zap.String("document_id", documentID))
	}
	return attachmentFromRecord(record, document.ID), nil
}

// DiscardAttachment removes a pending attachment that never made it into a revision and returns
// the blob id it referenced.
func (s *Service) DiscardAttachment(ctx context.Context, attachmentID string) (string, error) {
	var blobID string
	txErr := s.store.Transaction(ctx, func(tx *content.Store) error {
		record, err := tx.Get(ctx, attachmentID)
		if errors.Is(err, content.ErrNotFound) || (err == nil && record.Kind != content.KindAttachment) {
			return newServiceError(opDiscard, "not_found", ErrNotFound)
		}
		if err != nil {
			return s.fail(opDiscard, "record_select_failed", err, zap.String("attachment_id", attachmentID))
		}
		parent, err := tx.Get(ctx, record.ParentID)
		if err != nil && !errors.Is(err, content.ErrNotFound) {
			return s.fail(opDiscard, "parent_select_failed", err, zap.String("attachment_id", attachmentID))
		}
		if err == nil && parent.Kind != content.KindDocument {
			return newServiceError(opDiscard, "attachment_in_use", ErrInvalidState)
		}
		if err := tx.Delete(ctx, record.ID); err != nil {
			return s.fail(opDiscard, "record_delete_failed", err, zap.String("attachment_id", attachmentID))
		}
		blobID = record.ContentPointer
		return nil
	})
	if txErr != nil {
		return "", txErr
	}
	return blobID, nil
}

// RecordRevision snapshots the document, binds the attachment to the new revision and moves the
// current-attachment pointer, all in one transaction.
func (s *Service) RecordRevision(ctx context.Context, input RecordInput) (Revision, error) {
	var recorded Revision
	txErr := s.store.Transaction(ctx, func(tx *content.Store) error {
		document, latest, err := s.lockForWrite(ctx, tx, opRecordRevision, input.DocumentID, input.ExpectedSequence)
		if err != nil {
			return err
		}
		attachment, err := s.attachmentForDocument(ctx, tx, input.AttachmentID, document.ID)
		if err != nil {
			return err
		}
		revision, _, err := s.appendRevision(ctx, tx, document, attachment, input.AuthorID, input.Summary, latest+1)
		if err != nil {
			return s.wrapAppend(opRecordRevision, err, document.ID)
		}
		recorded = revision
		return nil
	})
	if txErr != nil {
		return Revision{}, txErr
	}
	return recorded, nil
}

// Restore appends a new revision that points at the attachment of the revision at the target
// sequence number. History is never rewound.
func (s *Service) Restore(ctx context.Context, input RestoreInput) (Revision, error) {
	var recorded Revision
	txErr := s.store.Transaction(ctx, func(tx *content.Store) error {
		document, latest, err := s.lockForWrite(ctx, tx, opRestore, input.DocumentID, input.ExpectedSequence)
		if err != nil {
			return err
		}
		chain, err := chainOf(ctx, tx, document)
		if err != nil {
			return s.fail(opRestore, "revision_select_failed", err, zap.String("document_id", document.ID))
		}
		if input.Sequence < 1 || input.Sequence > int64(len(chain)) {
			return newServiceError(opRestore, "sequence_out_of_range", fmt.Errorf("%w: %w", ErrInvalidState, ErrNotFound))
		}
		target := chain[input.Sequence-1]
		if target.AttachmentID == "" {
			return newServiceError(opRestore, "target_without_attachment", ErrInvalidState)
		}
		attachment, err := s.attachmentForDocument(ctx, tx, target.AttachmentID, document.ID)
		if err != nil {
			return err
		}
		summary := strings.TrimSpace(input.Summary)
		if summary == "" {
			summary = fmt.Sprintf("Restored revision %d", input.Sequence)
		}
		revision, _, err := s.appendRevision(ctx, tx, document, attachment, input.AuthorID, summary, latest+1)
		if err != nil {
			return s.wrapAppend(opRestore, err, document.ID)
		}
		recorded = revision
		return nil
	})
	if txErr != nil {
		return Revision{}, txErr
	}
	return recorded, nil
}

// lockForWrite takes the document row lock and performs the optimistic sequence check.
func (s *Service) lockForWrite(ctx context.Context, tx *content.Store, operation, documentID string, expected *int64) (Document, int64, error) {
	document, err := s.lockDocument(ctx, tx, operation, documentID)
	if err != nil {
		return Document{}, 0, err
	}
	if document.Status == VisibilityTrash {
		return Document{}, 0, newServiceError(operation, "document_trashed", ErrInvalidState)
	}
	latest, err := latestSequence(ctx, tx, document.ID)
	if err != nil {
		return Document{}, 0, s.fail(operation, "sequence_select_failed", err, zap.String("document_id", document.ID))
	}
	if expected != nil && !observedLatest(*expected, latest) {
		s.logger.Info("revision sequence conflict",
			zap.String("operation", operation),
			zap.String("document_id", document.ID),
			zap.Int64("expected_sequence", *expected),
			zap.Int64("latest_sequence", latest))
		return Document{}, 0, newServiceError(operation, "concurrent_modification", ErrConcurrentModification)
	}
	return document, latest, nil
}

func observedLatest(expected, latest int64) bool {
	if latest == 0 {
		return expected == 0 || expected == liveSequence
	}
	return expected == latest
}

// attachmentForDocument loads an attachment that is pending on the document or owned by one of
// its revisions.
func (s *Service) attachmentForDocument(ctx context.Context, tx *content.Store, attachmentID, documentID string) (content.Record, error) {
	record, err := tx.Get(ctx, attachmentID)
	if errors.Is(err, content.ErrNotFound) || (err == nil && record.Kind != content.KindAttachment) {
		return content.Record{}, newServiceError(opRecordRevision, "attachment_not_found", ErrNotFound)
	}
	if err != nil {
		return content.Record{}, s.fail(opRecordRevision, "attachment_select_failed", err, zap.String("attachment_id", attachmentID))
	}
	if record.ContentPointer == "" {
		return content.Record{}, newServiceError(opRecordRevision, "attachment_without_blob", ErrInvalidState)
	}
	if record.ParentID == documentID {
		return record, nil
	}
	parent, err := tx.Get(ctx, record.ParentID)
	if err != nil && !errors.Is(err, content.ErrNotFound) {
		return content.Record{}, s.fail(opRecordRevision, "attachment_parent_select_failed", err, zap.String("attachment_id", attachmentID))
	}
	if err == nil && parent.Kind == content.KindRevision && parent.ParentID == documentID {
		return record, nil
	}
	return content.Record{}, newServiceError(opRecordRevision, "attachment_foreign", ErrInvalidState)
}

// appendRevision writes revision n, adopts a pending attachment and moves the document pointer.
func (s *Service) appendRevision(ctx context.Context, tx *content.Store, document Document, attachment content.Record, authorID, summary string, sequence int64) (Revision, Document, error) {
	revisionID, err := s.idProvider.NewID()
	if err != nil {
		return Revision{}, Document{}, err
	}
	author := strings.TrimSpace(authorID)
	if author == "" {
		author = document.OwnerID
	}
	now := s.now()
	record := content.Record{
		ID:             revisionID,
		Kind:           content.KindRevision,
		Title:          document.Title,
		Status:         content.Status(document.Status),
		OwnerID:        author,
		ParentID:       document.ID,
		ContentPointer: attachment.ID,
		MimeType:       attachment.MimeType,
		Position:       content.PositionOf(sequence),
		Excerpt:        summary,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	if err := tx.Create(ctx, &record); err != nil {
		return Revision{}, Document{}, err
	}
	if attachment.ParentID == document.ID {
		if err := tx.Update(ctx, attachment.ID, map[string]any{"parent_id": revisionID}); err != nil {
			return Revision{}, Document{}, err
		}
	}
	if err := tx.Update(ctx, document.ID, map[string]any{
		"content_pointer": attachment.ID,
		"excerpt":         summary,
		"modified_at":     now,
	}); err != nil {
		return Revision{}, Document{}, err
	}
	document.CurrentAttachmentID = attachment.ID
	document.Summary = summary
	document.ModifiedAt = now
	return revisionFromRecord(record), document, nil
}

func (s *Service) wrapAppend(operation string, err error, documentID string) error {
	if errors.Is(err, content.ErrDuplicate) {
		s.logger.Info("revision sequence already taken",
			zap.String("operation", operation),
			zap.String("document_id", documentID))
		return newServiceError(operation, "concurrent_modification", ErrConcurrentModification)
	}
	return s.fail(operation, "revision_write_failed", err, zap.String("document_id", documentID))
}

func (s *Service) insertAttachment(ctx context.Context, store *content.Store, document Document, upload Upload) (content.Record, error) {
	attachmentID, err := s.idProvider.NewID()
	if err != nil {
		return content.Record{}, err
	}
	now := s.now()
	record := content.Record{
		ID:             attachmentID,
		Kind:           content.KindAttachment,
		Title:          strings.TrimSpace(upload.Filename),
		Status:         content.StatusInherit,
		OwnerID:        document.OwnerID,
		ParentID:       document.ID,
		ContentPointer: upload.BlobID,
		MimeType:       upload.MimeType,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	if err := store.Create(ctx, &record); err != nil {
		return content.Record{}, err
	}
	return record, nil
}

func uniqueSlug(ctx context.Context, store *content.Store, title string) (string, error) {
	base := Slugify(title)
	candidate := base
	for suffix := 2; ; suffix++ {
		existing, err := store.Find(ctx, content.Query{Kind: content.KindDocument, Name: candidate, Limit: 1})
		if err != nil {
			return "", err
		}
		if len(existing) == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, suffix)
	}
}

// Slugify lowercases the title and collapses every run of non-alphanumeric characters into a hyphen.
func Slugify(title string) string {
	var builder strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(title) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingHyphen = builder.Len() > 0
			continue
		}
		if pendingHyphen {
			builder.WriteByte('-')
			pendingHyphen = false
		}
		builder.WriteRune(r)
	}
	slug := builder.String()
	if len(slug) > 160 {
		slug = strings.TrimRight(slug[:160], "-")
	}
	if slug == "" {
		return defaultSlug
	}
	return slug
}
