package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/access"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	"github.com/MarcoPoloResearchLab/docvault/internal/locks"
	"github.com/gin-gonic/gin"
)

type lockResponse struct {
	DocumentID  string    `json:"document_id"`
	HolderID    string    `json:"holder_id,omitempty"`
	Locked      bool      `json:"locked"`
	HeldByMe    bool      `json:"held_by_me"`
	AcquiredAt  time.Time `json:"acquired_at,omitzero"`
	RefreshedAt time.Time `json:"refreshed_at,omitzero"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

func newLockResponse(state locks.State, viewerID string) *lockResponse {
	return &lockResponse{
		DocumentID:  state.DocumentID,
		HolderID:    state.HolderID,
		Locked:      state.Held(),
		HeldByMe:    viewerID != "" && state.HeldBy(viewerID),
		AcquiredAt:  state.AcquiredAt,
		RefreshedAt: state.RefreshedAt,
		ExpiresAt:   state.ExpiresAt,
	}
}

// handleAcquireLock doubles as the editor heartbeat. A lock held by someone else is reported
// with held_by_me=false so the client can switch to read-only.
func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	principal := principalFrom(c)
	state, err := h.locks.AcquireOrRefresh(c.Request.Context(), documentID, principal)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := newLockResponse(state, principal.ID)
	if !payload.HeldByMe && !h.canSeeHolder(c, documentID) {
		payload.HolderID = ""
	}
	c.JSON(http.StatusOK, payload)
}

// canSeeHolder reports whether the caller may learn who holds the document's lock.
func (h *httpHandler) canSeeHolder(c *gin.Context, documentID string) bool {
	return h.access.Can(c.Request.Context(), principalFrom(c), access.ActionRead, documents.ByIdentity(documentID))
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	if err := h.locks.Release(c.Request.Context(), documentID, principalFrom(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleOverrideLock(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	principal := principalFrom(c)
	state, err := h.locks.Override(c.Request.Context(), documentID, principal)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newLockResponse(state, principal.ID))
}
