package feeds

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/docvault/internal/access"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	gorillafeeds "github.com/gorilla/feeds"
	"go.uber.org/zap"
)

const defaultTitlePrefix = "Revisions of "

var (
	errMissingChain   = errors.New("feeds: revision chain required")
	errMissingAccess  = errors.New("feeds: authorizer required")
	errMissingLinks   = errors.New("feeds: permalink builder required")
	errMissingAuthors = errors.New("feeds: author directory required")
)

// Chain is the revision history surface the feed reads.
type Chain interface {
	RevisionsOf(ctx context.Context, documentID string) ([]documents.Revision, error)
	Attachment(ctx context.Context, attachmentID string) (documents.Attachment, error)
}

// Authorizer decides whether a principal may read a document's history.
type Authorizer interface {
	Decide(ctx context.Context, principal access.Principal, action access.Action, target documents.Ref) access.Decision
}

// Links builds revision permalinks.
type Links interface {
	RevisionURL(document documents.Document, sequence int64, filename string) string
	FeedURL(document documents.Document, key string) string
}

// Authors maps user ids to display names.
type Authors interface {
	DisplayName(ctx context.Context, userID string) string
}

// Item is one revision as exposed to feed readers.
type Item struct {
	Revision   documents.Revision
	AuthorID   string
	AuthorName string
	Permalink  string
}

// Config wires the feed service.
type Config struct {
	Chain       Chain
	Access      Authorizer
	Links       Links
	Authors     Authors
	TitlePrefix string
	Logger      *zap.Logger
}

// Service lists revision feed items and renders them as RSS.
type Service struct {
	chain       Chain
	access      Authorizer
	links       Links
	authors     Authors
	titlePrefix string
	logger      *zap.Logger
}

// NewService validates the configuration.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Chain == nil:
		return nil, errMissingChain
	case cfg.Access == nil:
		return nil, errMissingAccess
	case cfg.Links == nil:
		return nil, errMissingLinks
	case cfg.Authors == nil:
		return nil, errMissingAuthors
	}
	prefix := cfg.TitlePrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultTitlePrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		chain:       cfg.Chain,
		access:      cfg.Access,
		links:       cfg.Links,
		authors:     cfg.Authors,
		titlePrefix: prefix,
		logger:      logger,
	}, nil
}

// ListFeedItems returns the document's revisions newest first. The principal must be allowed
// to read the document's revisions.
func (s *Service) ListFeedItems(ctx context.Context, documentID string, principal access.Principal) (documents.Document, []Item, error) {
	decision := s.access.Decide(ctx, principal, access.ActionReadRevisions, documents.ByIdentity(documentID))
	if !decision.Allowed {
		s.logger.Info("feed denied",
			zap.String("document_id", documentID),
			zap.String("user_id", principal.ID),
			zap.String("reason", string(decision.Reason)))
		return documents.Document{}, nil, decision.AsError()
	}
	document := decision.Document

	chain, err := s.chain.RevisionsOf(ctx, document.ID)
	if err != nil {
		return documents.Document{}, nil, err
	}
	items := make([]Item, 0, len(chain))
	names := make(map[string]string)
	for index := len(chain) - 1; index >= 0; index-- {
		revision := chain[index]
		name, ok := names[revision.AuthorID]
		if !ok {
			name = s.authors.DisplayName(ctx, revision.AuthorID)
			names[revision.AuthorID] = name
		}
		items = append(items, Item{
			Revision:   revision,
			AuthorID:   revision.AuthorID,
			AuthorName: name,
			Permalink:  s.links.RevisionURL(document, revision.Sequence, s.filename(ctx, revision)),
		})
	}
	return document, items, nil
}

// RenderRSS serializes items as an RSS 2.0 channel.
func (s *Service) RenderRSS(document documents.Document, items []Item) (string, error) {
	feed := &gorillafeeds.Feed{
		Title:       s.titlePrefix + document.Title,
		Link:        &gorillafeeds.Link{Href: s.links.FeedURL(document, "")},
		Description: document.Summary,
		Created:     document.CreatedAt,
		Updated:     document.ModifiedAt,
	}
	for _, item := range items {
		feed.Items = append(feed.Items, &gorillafeeds.Item{
			Id:          item.Permalink,
			Title:       fmt.Sprintf("%s (revision %d)", item.Revision.Title, item.Revision.Sequence),
			Link:        &gorillafeeds.Link{Href: item.Permalink},
			Description: item.Revision.Summary,
			Author:      &gorillafeeds.Author{Name: item.AuthorName},
			Created:     item.Revision.CreatedAt,
		})
	}
	return feed.ToRss()
}

func (s *Service) filename(ctx context.Context, revision documents.Revision) string {
	if revision.AttachmentID == "" {
		return ""
	}
	attachment, err := s.chain.Attachment(ctx, revision.AttachmentID)
	if err != nil {
		s.logger.Warn("feed attachment lookup failed",
			zap.String("revision_id", revision.ID),
			zap.Error(err))
		return ""
	}
	return attachment.Filename
}
