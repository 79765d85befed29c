package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleCurrentFeedKey(c *gin.Context) {
	key, found, err := h.feedKeys.Current(c.Request.Context(), principalFrom(c).ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

// handleRegenerateFeedKey rotates the key. Feed URLs carrying the previous key stop working.
func (h *httpHandler) handleRegenerateFeedKey(c *gin.Context) {
	key, err := h.feedKeys.Generate(c.Request.Context(), principalFrom(c).ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}
