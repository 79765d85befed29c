// Package permalinks maps documents and revisions to human-readable URLs and back.
//
// The URL shapes are
//
//	/documents/{yyyy}/{mm}/{slug}.{ext}               latest file
//	/documents/{yyyy}/{mm}/{slug}-revision-{n}.{ext}  file of revision n
//	/documents/{yyyy}/{mm}/{slug}/feed                revision feed
//
// where year and month are taken from the document's creation time in UTC.
package permalinks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
)

// Prefix is the path segment every permalink starts with.
const Prefix = "/documents/"

const (
	revisionMarker = "-revision-"
	feedSegment    = "feed"
	defaultExt     = "bin"
)

// ErrNotPermalink indicates the path does not have a permalink shape or does not resolve.
var ErrNotPermalink = errors.New("permalinks: not a permalink")

// Kind distinguishes file requests from feed requests.
type Kind int

const (
	KindFile Kind = iota
	KindFeed
)

// Identity is what a permalink resolves to. A zero Sequence means the latest revision.
type Identity struct {
	Kind      Kind
	Document  documents.Document
	Sequence  int64
	Extension string
}

// DocumentLookup loads a document by slug.
type DocumentLookup interface {
	DocumentBySlug(ctx context.Context, slug string) (documents.Document, error)
}

// Resolver builds and parses permalinks.
type Resolver struct {
	base      *url.URL
	documents DocumentLookup
}

// NewResolver parses the public base URL. An empty base yields root-relative URLs.
func NewResolver(baseURL string, lookup DocumentLookup) (*Resolver, error) {
	if lookup == nil {
		return nil, fmt.Errorf("permalinks: document lookup required")
	}
	base := &url.URL{}
	if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("permalinks: invalid base url: %w", err)
		}
		base = parsed
	}
	return &Resolver{base: base, documents: lookup}, nil
}

// DocumentURL links to the latest file of the document.
func (r *Resolver) DocumentURL(document documents.Document, filename string) string {
	return r.absolute(datePath(document) + document.Slug + "." + extensionOf(filename))
}

// RevisionURL links to the file of a specific revision.
func (r *Resolver) RevisionURL(document documents.Document, sequence int64, filename string) string {
	return r.absolute(datePath(document) + document.Slug + revisionMarker + strconv.FormatInt(sequence, 10) + "." + extensionOf(filename))
}

// FeedURL links to the revision feed, optionally carrying a feed key.
func (r *Resolver) FeedURL(document documents.Document, key string) string {
	link := r.absolute(datePath(document) + document.Slug + "/" + feedSegment + "/")
	if key == "" {
		return link
	}
	return link + "?" + url.Values{"key": []string{key}}.Encode()
}

// Resolve maps a request path to a document identity. An exact slug match is tried before
// splitting a "-revision-N" suffix so slugs that legitimately contain the marker still resolve.
func (r *Resolver) Resolve(ctx context.Context, requestPath string) (Identity, error) {
	year, month, rest, ok := splitDatePath(requestPath)
	if !ok {
		return Identity{}, ErrNotPermalink
	}

	if slug, isFeed := strings.CutSuffix(strings.TrimSuffix(rest, "/"), "/"+feedSegment); isFeed {
		document, err := r.lookup(ctx, slug, year, month)
		if err != nil {
			return Identity{}, err
		}
		return Identity{Kind: KindFeed, Document: document}, nil
	}
	if strings.Contains(rest, "/") {
		return Identity{}, ErrNotPermalink
	}

	ext := path.Ext(rest)
	if len(ext) < 2 {
		return Identity{}, ErrNotPermalink
	}
	stem := strings.TrimSuffix(rest, ext)
	ext = ext[1:]

	document, err := r.lookup(ctx, stem, year, month)
	if err == nil {
		return Identity{Kind: KindFile, Document: document, Extension: ext}, nil
	}
	if !errors.Is(err, ErrNotPermalink) {
		return Identity{}, err
	}

	index := strings.LastIndex(stem, revisionMarker)
	if index <= 0 {
		return Identity{}, ErrNotPermalink
	}
	sequence, convErr := strconv.ParseInt(stem[index+len(revisionMarker):], 10, 64)
	if convErr != nil || sequence < 1 {
		return Identity{}, ErrNotPermalink
	}
	document, err = r.lookup(ctx, stem[:index], year, month)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Kind: KindFile, Document: document, Sequence: sequence, Extension: ext}, nil
}

func (r *Resolver) lookup(ctx context.Context, slug string, year, month int) (documents.Document, error) {
	if slug == "" {
		return documents.Document{}, ErrNotPermalink
	}
	document, err := r.documents.DocumentBySlug(ctx, slug)
	if errors.Is(err, documents.ErrNotFound) {
		return documents.Document{}, ErrNotPermalink
	}
	if err != nil {
		return documents.Document{}, err
	}
	if !createdIn(document.CreatedAt, year, month) {
		return documents.Document{}, ErrNotPermalink
	}
	return document, nil
}

func (r *Resolver) absolute(relative string) string {
	if r.base.Host == "" && r.base.Path == "" {
		return relative
	}
	return r.base.String() + relative
}

func splitDatePath(requestPath string) (int, int, string, bool) {
	rest, ok := strings.CutPrefix(requestPath, Prefix)
	if !ok {
		return 0, 0, "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || len(parts[0]) != 4 || len(parts[1]) != 2 {
		return 0, 0, "", false
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, "", false
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return 0, 0, "", false
	}
	return year, month, parts[2], true
}

func datePath(document documents.Document) string {
	created := document.CreatedAt.UTC()
	return Prefix + created.Format("2006") + "/" + fmt.Sprintf("%02d", int(created.Month())) + "/"
}

func extensionOf(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" {
		return defaultExt
	}
	return ext
}

func createdIn(t time.Time, year, month int) bool {
	utc := t.UTC()
	return utc.Year() == year && int(utc.Month()) == month
}
