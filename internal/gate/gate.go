package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/access"
	"github.com/MarcoPoloResearchLab/docvault/internal/blobs"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	"github.com/MarcoPoloResearchLab/docvault/internal/feeds"
	"github.com/MarcoPoloResearchLab/docvault/internal/permalinks"
	"go.uber.org/zap"
)

// Links resolves request paths to document identities.
type Links interface {
	Resolve(ctx context.Context, requestPath string) (permalinks.Identity, error)
}

// Chain is the revision lookup surface of the gate.
type Chain interface {
	Latest(ctx context.Context, documentID string) (documents.Revision, bool, error)
	RevisionAt(ctx context.Context, documentID string, sequence int64) (documents.Revision, error)
	Attachment(ctx context.Context, attachmentID string) (documents.Attachment, error)
}

// Authorizer is the authorization resolver.
type Authorizer interface {
	Decide(ctx context.Context, principal access.Principal, action access.Action, target documents.Ref) access.Decision
}

// FeedKeys authenticates feed keys. It only answers who the caller is.
type FeedKeys interface {
	Authenticate(ctx context.Context, token string) (string, bool, error)
}

// Principals loads the capabilities of a user.
type Principals interface {
	Principal(ctx context.Context, userID string) (access.Principal, error)
}

// Feeds lists and renders revision feeds.
type Feeds interface {
	ListFeedItems(ctx context.Context, documentID string, principal access.Principal) (documents.Document, []feeds.Item, error)
	RenderRSS(document documents.Document, items []feeds.Item) (string, error)
}

// Request is one inbound serve request. Session is the principal established from the
// session cookie, or the anonymous principal.
type Request struct {
	Path    string
	Session access.Principal
	FeedKey string
}

// File is a streamed attachment. The caller must close Body.
type File struct {
	Document   documents.Document
	Revision   documents.Revision
	Attachment documents.Attachment
	Blob       blobs.Info
	Body       io.ReadCloser
	// Shared reports whether intermediaries may cache the response.
	Shared bool
}

// ETag returns the strong validator of the file.
func (f *File) ETag() string {
	if f.Blob.Checksum == "" {
		return ""
	}
	return `"` + f.Blob.Checksum + `"`
}

// LastModified returns when the served revision was recorded.
func (f *File) LastModified() time.Time {
	if !f.Attachment.CreatedAt.IsZero() {
		return f.Attachment.CreatedAt
	}
	return f.Revision.CreatedAt
}

// MimeType prefers the attachment's declared type over the blob's.
func (f *File) MimeType() string {
	if f.Attachment.MimeType != "" {
		return f.Attachment.MimeType
	}
	return f.Blob.MimeType
}

// Feed is a rendered revision feed.
type Feed struct {
	Document documents.Document
	Items    []feeds.Item
	RSS      string
}

// Response carries exactly one of File or Feed.
type Response struct {
	Principal access.Principal
	File      *File
	Feed      *Feed
}

// DenialKind classifies a rejected request.
type DenialKind int

const (
	DenialNotFound DenialKind = iota + 1
	DenialForbidden
	// DenialUnavailable marks an infrastructure failure. Nothing is served.
	DenialUnavailable
)

// Denial is the rejection of a serve request. Reason is for logs only.
type Denial struct {
	Kind          DenialKind
	Reason        string
	Authenticated bool
	Err           error
}

func (d *Denial) Error() string {
	if d.Err != nil {
		return fmt.Sprintf("gate: %s: %v", d.Reason, d.Err)
	}
	return "gate: " + d.Reason
}

// Unwrap maps the denial onto the documents sentinels.
func (d *Denial) Unwrap() error {
	switch d.Kind {
	case DenialNotFound:
		return documents.ErrNotFound
	case DenialForbidden:
		return documents.ErrForbidden
	default:
		return d.Err
	}
}

// Config wires the gate.
type Config struct {
	Links      Links
	Chain      Chain
	Access     Authorizer
	FeedKeys   FeedKeys
	Principals Principals
	Blobs      blobs.Store
	Feeds      Feeds
	Logger     *zap.Logger
}

// Gate authorizes and streams document files and revision feeds.
type Gate struct {
	links      Links
	chain      Chain
	access     Authorizer
	feedKeys   FeedKeys
	principals Principals
	blobs      blobs.Store
	feeds      Feeds
	logger     *zap.Logger
}

// New validates the configuration.
func New(cfg Config) (*Gate, error) {
	if cfg.Links == nil || cfg.Chain == nil || cfg.Access == nil || cfg.FeedKeys == nil ||
		cfg.Principals == nil || cfg.Blobs == nil || cfg.Feeds == nil {
		return nil, errors.New("gate: missing dependency")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		links:      cfg.Links,
		chain:      cfg.Chain,
		access:     cfg.Access,
		feedKeys:   cfg.FeedKeys,
		principals: cfg.Principals,
		blobs:      cfg.Blobs,
		feeds:      cfg.Feeds,
		logger:     logger,
	}, nil
}

// Serve resolves, authorizes and opens the requested file or feed. Every failure yields a
// *Denial and nothing is streamed.
func (g *Gate) Serve(ctx context.Context, request Request) (Response, error) {
	identity, err := g.links.Resolve(ctx, request.Path)
	if err != nil {
		if errors.Is(err, permalinks.ErrNotPermalink) {
			return Response{}, g.deny(request, request.Session, DenialNotFound, "unresolvable_path", nil)
		}
		return Response{}, g.deny(request, request.Session, DenialUnavailable, "path_resolution_failed", err)
	}
	if identity.Document.Status == documents.VisibilityTrash {
		return Response{}, g.deny(request, request.Session, DenialNotFound, "document_trashed", nil)
	}

	principal, err := g.identify(ctx, request, identity)
	if err != nil {
		return Response{}, g.deny(request, request.Session, DenialUnavailable, "identification_failed", err)
	}

	if identity.Kind == permalinks.KindFeed {
		return g.serveFeed(ctx, request, principal, identity.Document)
	}
	return g.serveFile(ctx, request, principal, identity)
}

// identify picks the acting principal. A feed request carrying a key is identified by the key
// alone; an invalid key yields the anonymous principal and never falls back to the session.
func (g *Gate) identify(ctx context.Context, request Request, identity permalinks.Identity) (access.Principal, error) {
	if identity.Kind != permalinks.KindFeed || request.FeedKey == "" {
		return request.Session, nil
	}
	userID, ok, err := g.feedKeys.Authenticate(ctx, request.FeedKey)
	if err != nil {
		return access.Principal{}, err
	}
	if !ok {
		g.logger.Info("feed key rejected", zap.String("path", request.Path))
		return access.Anonymous(), nil
	}
	return g.principals.Principal(ctx, userID)
}

func (g *Gate) serveFeed(ctx context.Context, request Request, principal access.Principal, document documents.Document) (Response, error) {
	if denial := g.authorize(ctx, request, principal, access.ActionRead, document); denial != nil {
		return Response{}, denial
	}
	loaded, items, err := g.feeds.ListFeedItems(ctx, document.ID, principal)
	if err != nil {
		return Response{}, g.denyFromError(request, principal, "feed_denied", err)
	}
	rss, err := g.feeds.RenderRSS(loaded, items)
	if err != nil {
		return Response{}, g.deny(request, principal, DenialUnavailable, "feed_render_failed", err)
	}
	return Response{Principal: principal, Feed: &Feed{Document: loaded, Items: items, RSS: rss}}, nil
}

func (g *Gate) serveFile(ctx context.Context, request Request, principal access.Principal, identity permalinks.Identity) (Response, error) {
	document := identity.Document
	if denial := g.authorize(ctx, request, principal, access.ActionRead, document); denial != nil {
		return Response{}, denial
	}

	latest, found, err := g.chain.Latest(ctx, document.ID)
	if err != nil {
		return Response{}, g.denyFromError(request, principal, "latest_lookup_failed", err)
	}
	if !found {
		return Response{}, g.deny(request, principal, DenialNotFound, "document_vanished", nil)
	}
	revision := latest
	if identity.Sequence != 0 && identity.Sequence != latest.Sequence {
		if denial := g.authorize(ctx, request, principal, access.ActionReadRevisions, document); denial != nil {
			return Response{}, denial
		}
		revision, err = g.chain.RevisionAt(ctx, document.ID, identity.Sequence)
		if err != nil {
			return Response{}, g.denyFromError(request, principal, "revision_lookup_failed", err)
		}
	}
	if revision.AttachmentID == "" {
		return Response{}, g.deny(request, principal, DenialNotFound, "revision_without_file", nil)
	}

	attachment, err := g.chain.Attachment(ctx, revision.AttachmentID)
	if err != nil {
		return Response{}, g.denyFromError(request, principal, "attachment_lookup_failed", err)
	}
	body, info, err := g.blobs.Open(ctx, attachment.BlobID)
	if err != nil {
		if errors.Is(err, blobs.ErrNotFound) {
			return Response{}, g.deny(request, principal, DenialNotFound, "blob_missing", err)
		}
		return Response{}, g.deny(request, principal, DenialUnavailable, "blob_open_failed", err)
	}

	return Response{
		Principal: principal,
		File: &File{
			Document:   document,
			Revision:   revision,
			Attachment: attachment,
			Blob:       info,
			Body:       body,
			Shared:     document.Status == documents.VisibilityPublish && revision.Sequence == latest.Sequence,
		},
	}, nil
}

func (g *Gate) authorize(ctx context.Context, request Request, principal access.Principal, action access.Action, document documents.Document) *Denial {
	decision := g.access.Decide(ctx, principal, action, documents.Resolved(document))
	if decision.Allowed {
		return nil
	}
	switch decision.Reason {
	case access.ReasonNotFound:
		return g.deny(request, principal, DenialNotFound, "not_found", decision.Err)
	case access.ReasonForbidden:
		return g.deny(request, principal, DenialForbidden, "forbidden_"+action.String(), nil)
	default:
		return g.deny(request, principal, DenialUnavailable, "authorization_failed", decision.Err)
	}
}

func (g *Gate) denyFromError(request Request, principal access.Principal, reason string, err error) *Denial {
	switch {
	case errors.Is(err, documents.ErrNotFound):
		return g.deny(request, principal, DenialNotFound, reason, err)
	case errors.Is(err, documents.ErrForbidden):
		return g.deny(request, principal, DenialForbidden, reason, err)
	default:
		return g.deny(request, principal, DenialUnavailable, reason, err)
	}
}

func (g *Gate) deny(request Request, principal access.Principal, kind DenialKind, reason string, err error) *Denial {
	fields := []zap.Field{
		zap.String("path", request.Path),
		zap.String("user_id", principal.ID),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if kind == DenialUnavailable {
		g.logger.Error("serve failed", fields...)
	} else {
		g.logger.Info("serve denied", fields...)
	}
	return &Denial{Kind: kind, Reason: reason, Authenticated: principal.Authenticated(), Err: err}
}
