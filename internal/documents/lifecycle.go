package documents

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/docvault/internal/content"
	"go.uber.org/zap"
)

// Purged lists what a permanent delete removed. BlobIDs must be released from the blob store.
type Purged struct {
	DocumentID  string
	RecordIDs   []string
	BlobIDs     []string
	PriorStatus Visibility
}

// SetVisibility moves a live document between draft, private and publish.
func (s *Service) SetVisibility(ctx context.Context, documentID string, visibility Visibility) (Document, error) {
	if _, err := ParseVisibility(string(visibility)); err != nil {
		return Document{}, newServiceError(opSetVisibility, "invalid_status", err)
	}
	var updated Document
	txErr := s.store.Transaction(ctx, func(tx *content.Store) error {
		document, err := s.lockDocument(ctx, tx, opSetVisibility, documentID)
		if err != nil {
			return err
		}
		if document.Status == VisibilityTrash {
			return newServiceError(opSetVisibility, "document_trashed", ErrInvalidState)
		}
		now := s.now()
		if err := tx.Update(ctx, document.ID, map[string]any{"status": string(visibility), "modified_at": now}); err != nil {
			return s.fail(opSetVisibility, "document_update_failed", err, zap.String("document_id", document.ID))
		}
		document.Status = visibility
		document.ModifiedAt = now
		updated = document
		return nil
	})
	if txErr != nil {
		return Document{}, txErr
	}
	return updated, nil
}

// Trash moves a document to the trash and remembers its previous visibility.
func (s *Service) Trash(ctx context.Context, documentID string) (Document, error) {
	var updated Document
	txErr := s.store.Transaction(ctx, func(tx *content.Store) error {
		document, err := s.lockDocument(ctx, tx, opTrash, documentID)
		if err != nil {
			return err
		}
		if document.Status == VisibilityTrash {
			return newServiceError(opTrash, "already_trashed", ErrInvalidState)
		}
		if err := tx.SetMeta(ctx, document.ID, metaTrashPriorStatus, string(document.Status)); err != nil {
			return s.fail(opTrash, "meta_write_failed", err, zap.String("document_id", document.ID))
		}
		now := s.now()
		if err := tx.Update(ctx, document.ID, map[string]any{"status": string(VisibilityTrash), "modified_at": now}); err != nil {
			return s.fail(opTrash, "document_update_failed", err, zap.String("document_id", document.ID))
		}
		document.Status = VisibilityTrash
		document.ModifiedAt = now
		updated = document
		return nil
	})
	if txErr != nil {
		return Document{}, txErr
	}
	return updated, nil
}

// Untrash restores the visibility a document had before it was trashed. Draft is used when
// the prior state is unknown.
func (s *Service) Untrash(ctx context.Context, documentID string) (Document, error) {
	var updated Document
	txErr := s.store.Transaction(ctx, func(tx *content.Store) error {
		document, err := s.lockDocument(ctx, tx, opUntrash, documentID)
		if err != nil {
			return err
		}
		if document.Status != VisibilityTrash {
			return newServiceError(opUntrash, "not_trashed", ErrInvalidState)
		}
		prior, ok, err := tx.GetMeta(ctx, document.ID, metaTrashPriorStatus)
		if err != nil {
			return s.fail(opUntrash, "meta_select_failed", err, zap.String("document_id", document.ID))
		}
		restored := VisibilityDraft
		if ok {
			if parsed, parseErr := ParseVisibility(prior); parseErr == nil {
				restored = parsed
			}
		}
		now := s.now()
		if err := tx.Update(ctx, document.ID, map[string]any{"status": string(restored), "modified_at": now}); err != nil {
			return s.fail(opUntrash, "document_update_failed", err, zap.String("document_id", document.ID))
		}
		if err := tx.DeleteMeta(ctx, document.ID, metaTrashPriorStatus); err != nil {
			return s.fail(opUntrash, "meta_delete_failed", err, zap.String("document_id", document.ID))
		}
		document.Status = restored
		document.ModifiedAt = now
		updated = document
		return nil
	})
	if txErr != nil {
		return Document{}, txErr
	}
	return updated, nil
}

// Delete permanently removes a document with its revisions, attachments and metadata.
func (s *Service) Delete(ctx context.Context, documentID string) (Purged, error) {
	var purged Purged
	txErr := s.store.Transaction(ctx, func(tx *content.Store) error {
		document, err := s.lockDocument(ctx, tx, opDelete, documentID)
		if err != nil {
			return err
		}
		revisions, err := storedRevisions(ctx, tx, document.ID)
		if err != nil {
			return s.fail(opDelete, "revision_select_failed", err, zap.String("document_id", document.ID))
		}
		parents := []string{document.ID}
		recordIDs := []string{document.ID}
		for _, revision := range revisions {
			parents = append(parents, revision.ID)
			recordIDs = append(recordIDs, revision.ID)
		}
		attachments, err := tx.Find(ctx, content.Query{Kind: content.KindAttachment, ParentIn: parents})
		if err != nil {
			return s.fail(opDelete, "attachment_select_failed", err, zap.String("document_id", document.ID))
		}
		blobIDs := make([]string, 0, len(attachments))
		for _, attachment := range attachments {
			recordIDs = append(recordIDs, attachment.ID)
			if attachment.ContentPointer != "" {
				blobIDs = append(blobIDs, attachment.ContentPointer)
			}
		}
		if err := tx.Delete(ctx, recordIDs...); err != nil {
			return s.fail(opDelete, "record_delete_failed", err, zap.String("document_id", document.ID))
		}
		purged = Purged{
			DocumentID:  document.ID,
			RecordIDs:   recordIDs,
			BlobIDs:     blobIDs,
			PriorStatus: document.Status,
		}
		return nil
	})
	if txErr != nil {
		return Purged{}, txErr
	}
	return purged, nil
}

func (s *Service) lockDocument(ctx context.Context, tx *content.Store, operation, documentID string) (Document, error) {
	record, err := tx.GetForUpdate(ctx, documentID)
	if errors.Is(err, content.ErrNotFound) || (err == nil && record.Kind != content.KindDocument) {
		return Document{}, newServiceError(operation, "document_not_found", ErrNotFound)
	}
	if err != nil {
		return Document{}, s.fail(operation, "document_select_failed", err, zap.String("document_id", documentID))
	}
	return documentFromRecord(record), nil
}
