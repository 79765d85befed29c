package documents

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/docvault/internal/content"
	"go.uber.org/zap"
)

const orderBySequence = "position ASC"

// RevisionsOf returns the chain of a document in ascending sequence order. A document that was
// never revised yields a single live entry. Unknown or non-document ids yield an empty chain.
func (s *Service) RevisionsOf(ctx context.Context, documentID string) ([]Revision, error) {
	document, err := loadDocument(ctx, s.store, documentID)
	if errors.Is(err, ErrNotFound) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, s.fail(opRevisionsOf, "document_select_failed", err, zap.String("document_id", documentID))
	}
	chain, err := chainOf(ctx, s.store, document)
	if err != nil {
		return nil, s.fail(opRevisionsOf, "revision_select_failed", err, zap.String("document_id", documentID))
	}
	return chain, nil
}

// Latest returns the revision with the highest sequence number. The boolean is false when the
// document does not exist.
func (s *Service) Latest(ctx context.Context, documentID string) (Revision, bool, error) {
	chain, err := s.RevisionsOf(ctx, documentID)
	if err != nil {
		return Revision{}, false, err
	}
	if len(chain) == 0 {
		return Revision{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

// RevisionByID resolves a revision id. The id of a never-revised document resolves to its live entry.
func (s *Service) RevisionByID(ctx context.Context, revisionID string) (Revision, error) {
	record, err := s.store.Get(ctx, revisionID)
	if errors.Is(err, content.ErrNotFound) {
		return Revision{}, newServiceError(opRevisionByID, "not_found", ErrNotFound)
	}
	if err != nil {
		return Revision{}, s.fail(opRevisionByID, "record_select_failed", err, zap.String("revision_id", revisionID))
	}
	switch record.Kind {
	case content.KindRevision:
		if _, err := loadDocument(ctx, s.store, record.ParentID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return Revision{}, newServiceError(opRevisionByID, "orphan_revision", ErrNotFound)
			}
			return Revision{}, s.fail(opRevisionByID, "document_select_failed", err, zap.String("revision_id", revisionID))
		}
		return revisionFromRecord(record), nil
	case content.KindDocument:
		document := documentFromRecord(record)
		chain, err := chainOf(ctx, s.store, document)
		if err != nil {
			return Revision{}, s.fail(opRevisionByID, "revision_select_failed", err, zap.String("revision_id", revisionID))
		}
		if len(chain) == 1 && chain[0].Live {
			return chain[0], nil
		}
		return Revision{}, newServiceError(opRevisionByID, "not_a_revision", ErrNotFound)
	default:
		return Revision{}, newServiceError(opRevisionByID, "not_a_revision", ErrNotFound)
	}
}

// SequenceNumber returns the 1-based position of a revision within its document's chain.
func (s *Service) SequenceNumber(ctx context.Context, revisionID string) (int64, error) {
	revision, err := s.RevisionByID(ctx, revisionID)
	if err != nil {
		return 0, err
	}
	return revision.Sequence, nil
}

// RevisionAt returns the revision holding sequence number n of the document.
func (s *Service) RevisionAt(ctx context.Context, documentID string, sequence int64) (Revision, error) {
	chain, err := s.RevisionsOf(ctx, documentID)
	if err != nil {
		return Revision{}, err
	}
	if len(chain) == 0 {
		return Revision{}, newServiceError(opRevisionAt, "document_not_found", ErrNotFound)
	}
	if sequence < 1 || sequence > int64(len(chain)) {
		return Revision{}, newServiceError(opRevisionAt, "sequence_out_of_range", ErrNotFound)
	}
	return chain[sequence-1], nil
}

// Document loads a document by id.
func (s *Service) Document(ctx context.Context, documentID string) (Document, error) {
	document, err := loadDocument(ctx, s.store, documentID)
	if errors.Is(err, ErrNotFound) {
		return Document{}, newServiceError(opResolve, "not_found", ErrNotFound)
	}
	if err != nil {
		return Document{}, s.fail(opResolve, "document_select_failed", err, zap.String("document_id", documentID))
	}
	return document, nil
}

// DocumentBySlug loads the document published under the given slug.
func (s *Service) DocumentBySlug(ctx context.Context, slug string) (Document, error) {
	records, err := s.store.Find(ctx, content.Query{Kind: content.KindDocument, Name: slug, Limit: 1})
	if err != nil {
		return Document{}, s.fail(opResolve, "slug_select_failed", err, zap.String("slug", slug))
	}
	if len(records) == 0 {
		return Document{}, newServiceError(opResolve, "not_found", ErrNotFound)
	}
	return documentFromRecord(records[0]), nil
}

// Resolve normalizes a reference to its owning document. Revisions and attachments resolve
// through their parents.
func (s *Service) Resolve(ctx context.Context, ref Ref) (Document, error) {
	if document, ok := ref.Document(); ok {
		return document, nil
	}
	if ref.ID() == "" {
		return Document{}, newServiceError(opResolve, "empty_reference", ErrNotFound)
	}
	document, err := owningDocument(ctx, s.store, ref.ID())
	if errors.Is(err, ErrNotFound) {
		return Document{}, newServiceError(opResolve, "not_found", ErrNotFound)
	}
	if err != nil {
		return Document{}, s.fail(opResolve, "record_select_failed", err, zap.String("record_id", ref.ID()))
	}
	return document, nil
}

// Attachment loads an attachment and the document it belongs to.
func (s *Service) Attachment(ctx context.Context, attachmentID string) (Attachment, error) {
	record, err := s.store.Get(ctx, attachmentID)
	if errors.Is(err, content.ErrNotFound) || (err == nil && record.Kind != content.KindAttachment) {
		return Attachment{}, newServiceError(opAttachment, "not_found", ErrNotFound)
	}
	if err != nil {
		return Attachment{}, s.fail(opAttachment, "record_select_failed", err, zap.String("attachment_id", attachmentID))
	}
	document, err := owningDocument(ctx, s.store, record.ID)
	if errors.Is(err, ErrNotFound) {
		return Attachment{}, newServiceError(opAttachment, "orphan_attachment", ErrNotFound)
	}
	if err != nil {
		return Attachment{}, s.fail(opAttachment, "document_select_failed", err, zap.String("attachment_id", attachmentID))
	}
	return attachmentFromRecord(record, document.ID), nil
}

// ListOptions filters List. Empty fields match everything except trashed documents.
// Offset skips that many matches, for callers paging past documents they filtered out.
type ListOptions struct {
	Statuses []Visibility
	OwnerID  string
	Limit    int
	Offset   int
}

// List returns documents ordered by most recent modification, ties broken by id.
func (s *Service) List(ctx context.Context, options ListOptions) ([]Document, error) {
	statuses := make([]content.Status, 0, len(options.Statuses))
	for _, status := range options.Statuses {
		statuses = append(statuses, content.Status(status))
	}
	if len(statuses) == 0 {
		statuses = []content.Status{content.StatusDraft, content.StatusPrivate, content.StatusPublish}
	}
	records, err := s.store.Find(ctx, content.Query{
		Kind:     content.KindDocument,
		Statuses: statuses,
		OwnerID:  options.OwnerID,
		Order:    "modified_at DESC, id DESC",
		Limit:    options.Limit,
		Offset:   options.Offset,
	})
	if err != nil {
		return nil, s.fail(opList, "query_failed", err)
	}
	documents := make([]Document, 0, len(records))
	for _, record := range records {
		documents = append(documents, documentFromRecord(record))
	}
	return documents, nil
}

func loadDocument(ctx context.Context, store *content.Store, documentID string) (Document, error) {
	record, err := store.Get(ctx, documentID)
	if errors.Is(err, content.ErrNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if record.Kind != content.KindDocument {
		return Document{}, ErrNotFound
	}
	return documentFromRecord(record), nil
}

func storedRevisions(ctx context.Context, store *content.Store, documentID string) ([]content.Record, error) {
	parent := documentID
	return store.Find(ctx, content.Query{
		Kind:     content.KindRevision,
		ParentID: &parent,
		Order:    orderBySequence,
	})
}

func chainOf(ctx context.Context, store *content.Store, document Document) ([]Revision, error) {
	records, err := storedRevisions(ctx, store, document.ID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []Revision{liveRevision(document)}, nil
	}
	chain := make([]Revision, 0, len(records))
	for _, record := range records {
		chain = append(chain, revisionFromRecord(record))
	}
	return chain, nil
}

// latestSequence returns the highest stored sequence number, or zero when the document was never revised.
func latestSequence(ctx context.Context, store *content.Store, documentID string) (int64, error) {
	parent := documentID
	records, err := store.Find(ctx, content.Query{
		Kind:     content.KindRevision,
		ParentID: &parent,
		Order:    "position DESC",
		Limit:    1,
	})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 || records[0].Position == nil {
		return 0, nil
	}
	return *records[0].Position, nil
}

func owningDocument(ctx context.Context, store *content.Store, recordID string) (Document, error) {
	record, err := store.Get(ctx, recordID)
	if errors.Is(err, content.ErrNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	switch record.Kind {
	case content.KindDocument:
		return documentFromRecord(record), nil
	case content.KindRevision:
		return loadDocument(ctx, store, record.ParentID)
	case content.KindAttachment:
		parent, err := store.Get(ctx, record.ParentID)
		if errors.Is(err, content.ErrNotFound) {
			return Document{}, ErrNotFound
		}
		if err != nil {
			return Document{}, err
		}
		switch parent.Kind {
		case content.KindDocument:
			return documentFromRecord(parent), nil
		case content.KindRevision:
			return loadDocument(ctx, store, parent.ParentID)
		}
	}
	return Document{}, ErrNotFound
}
