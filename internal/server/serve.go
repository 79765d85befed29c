package server

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/docvault/internal/gate"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	cacheShared  = "public, max-age=0, must-revalidate"
	cachePrivate = "private, no-cache"
	rssMimeType  = "application/rss+xml; charset=utf-8"
)

// activeContentTypes can run script when rendered by a browser; they are always downloaded.
var activeContentTypes = map[string]struct{}{
	"text/html":              {},
	"application/xhtml+xml":  {},
	"image/svg+xml":          {},
	"text/xml":               {},
	"application/xml":        {},
	"text/javascript":        {},
	"application/javascript": {},
	"application/ecmascript": {},
	"text/ecmascript":        {},
}

// handleServe answers every request under the permalink prefix. The gate decides between a
// file, a revision feed and a denial.
func (h *httpHandler) handleServe(c *gin.Context) {
	response, err := h.gate.Serve(c.Request.Context(), gate.Request{
		Path:    c.Request.URL.Path,
		Session: principalFrom(c),
		FeedKey: c.Query("key"),
	})
	if err != nil {
		h.respondDenial(c, err)
		return
	}
	switch {
	case response.Feed != nil:
		c.Header("Cache-Control", cachePrivate)
		c.Header("X-Content-Type-Options", "nosniff")
		c.Data(http.StatusOK, rssMimeType, []byte(response.Feed.RSS))
	case response.File != nil:
		h.streamFile(c, response.File)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	}
}

func (h *httpHandler) streamFile(c *gin.Context, file *gate.File) {
	defer func() {
		if closeErr := file.Body.Close(); closeErr != nil {
			h.logger.Warn("blob close failed", zap.String("blob_id", file.Blob.ID), zap.Error(closeErr))
		}
	}()

	cacheControl := cachePrivate
	if file.Shared {
		cacheControl = cacheShared
	}
	etag := file.ETag()
	headers := map[string]string{
		"Cache-Control":       cacheControl,
		"Content-Disposition":    contentDisposition(file.Attachment.Filename, file.MimeType()),
		"Last-Modified":          file.LastModified().UTC().Format(http.TimeFormat),
		"X-Content-Type-Options": "nosniff",
	}
	if etag != "" {
		headers["ETag"] = etag
	}

	if etag != "" && etagMatches(c.GetHeader("If-None-Match"), etag) {
		for name, value := range headers {
			c.Header(name, value)
		}
		c.Status(http.StatusNotModified)
		return
	}
	c.DataFromReader(http.StatusOK, file.Blob.Size, file.MimeType(), file.Body, headers)
}

func (h *httpHandler) respondDenial(c *gin.Context, err error) {
	var denial *gate.Denial
	if !errors.As(err, &denial) {
		h.respondError(c, err)
		return
	}
	switch denial.Kind {
	case gate.DenialNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case gate.DenialForbidden:
		if !denial.Authenticated {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func contentDisposition(filename, mimeType string) string {
	disposition := dispositionType(mimeType)
	if strings.TrimSpace(filename) == "" {
		return disposition
	}
	if formatted := mime.FormatMediaType(disposition, map[string]string{"filename": filename}); formatted != "" {
		return formatted
	}
	return disposition
}

// dispositionType serves passive content inline. Active or unparseable types are downloaded.
func dispositionType(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "attachment"
	}
	if _, active := activeContentTypes[mediaType]; active || strings.HasSuffix(mediaType, "+xml") {
		return "attachment"
	}
	return "inline"
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
