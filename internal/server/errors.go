package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/docvault/internal/blobs"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	"github.com/MarcoPoloResearchLab/docvault/internal/locks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps service errors onto HTTP statuses. Anonymous callers never learn whether a
// forbidden document exists.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	principal := principalFrom(c)

	var locked *locks.LockedError
	var serviceErr *documents.ServiceError
	code := ""
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	switch {
	case errors.As(err, &locked):
		body := gin.H{"error": "locked", "expires_at": locked.State.ExpiresAt}
		if h.canSeeHolder(c, locked.State.DocumentID) {
			body["holder_id"] = locked.State.HolderID
		}
		c.JSON(http.StatusLocked, body)
	case errors.Is(err, blobs.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large"})
	case errors.Is(err, documents.ErrInvalidID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, documents.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, documents.ErrForbidden):
		if !principal.Authenticated() {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, documents.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent_modification", "code": code, "retryable": true})
	case errors.Is(err, documents.ErrInvalidState):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_state", "code": code})
	default:
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("user_id", principal.ID),
			zap.String("code", code),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
