package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/access"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	"github.com/MarcoPoloResearchLab/docvault/internal/editing"
	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type documentResponse struct {
	ID                  string        `json:"id"`
	Title               string        `json:"title"`
	Slug                string        `json:"slug"`
	Status              string        `json:"status"`
	OwnerID             string        `json:"owner_id"`
	CurrentAttachmentID string        `json:"current_attachment_id,omitempty"`
	Summary             string        `json:"summary,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	ModifiedAt          time.Time     `json:"modified_at"`
	Permalink           string        `json:"permalink,omitempty"`
	Lock                *lockResponse `json:"lock,omitempty"`
}

type revisionResponse struct {
	ID           string    `json:"id"`
	Sequence     int64     `json:"sequence"`
	Title        string    `json:"title"`
	AuthorID     string    `json:"author_id"`
	AttachmentID string    `json:"attachment_id,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Live         bool      `json:"live"`
	Permalink    string    `json:"permalink,omitempty"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type restoreRequest struct {
	Sequence         int64  `json:"sequence"`
	ExpectedSequence *int64 `json:"expected_sequence"`
	Summary          string `json:"summary"`
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	principal := principalFrom(c)
	limit := defaultListLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(c)
			return
		}
		limit = min(parsed, maxListLimit)
	}
	options := documents.ListOptions{OwnerID: strings.TrimSpace(c.Query("owner")), Limit: limit}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, value := range strings.Split(raw, ",") {
			status, err := documents.ParseVisibility(value)
			if err != nil {
				badRequest(c)
				return
			}
			options.Statuses = append(options.Statuses, status)
		}
	}

	// Unreadable documents are dropped before the limit applies, so keep paging until the
	// page is full or the store runs dry.
	policy := h.access.Policy()
	response := make([]documentResponse, 0, limit)
	for len(response) < limit {
		found, err := h.documents.List(c.Request.Context(), options)
		if err != nil {
			h.respondError(c, err)
			return
		}
		for _, document := range found {
			if len(response) == limit {
				break
			}
			if !access.Evaluate(policy, principal, access.ActionRead, document) {
				continue
			}
			response = append(response, h.documentPayload(c.Request.Context(), document))
		}
		if len(found) < options.Limit {
			break
		}
		options.Offset += len(found)
	}
	c.JSON(http.StatusOK, gin.H{"documents": response})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	principal := principalFrom(c)
	decision := h.access.Decide(c.Request.Context(), principal, access.ActionRead, documents.ByIdentity(documentID))
	if !decision.Allowed {
		h.respondError(c, decision.AsError())
		return
	}
	payload := h.documentPayload(c.Request.Context(), decision.Document)
	if principal.Authenticated() {
		state, err := h.locks.Current(c.Request.Context(), decision.Document.ID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		if state.Held() {
			payload.Lock = newLockResponse(state, principal.ID)
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleListRevisions(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	decision := h.access.Decide(c.Request.Context(), principalFrom(c), access.ActionReadRevisions, documents.ByIdentity(documentID))
	if !decision.Allowed {
		h.respondError(c, decision.AsError())
		return
	}
	chain, err := h.documents.RevisionsOf(c.Request.Context(), decision.Document.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]revisionResponse, 0, len(chain))
	for _, revision := range chain {
		response = append(response, h.revisionPayload(c.Request.Context(), decision.Document, revision))
	}
	c.JSON(http.StatusOK, gin.H{"document_id": decision.Document.ID, "revisions": response})
}

func (h *httpHandler) handleFeedItems(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	document, items, err := h.feeds.ListFeedItems(c.Request.Context(), documentID, principalFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]gin.H, 0, len(items))
	for _, item := range items {
		response = append(response, gin.H{
			"sequence":    item.Revision.Sequence,
			"author_id":   item.AuthorID,
			"author_name": item.AuthorName,
			"summary":     item.Revision.Summary,
			"created_at":  item.Revision.CreatedAt,
			"permalink":   item.Permalink,
		})
	}
	c.JSON(http.StatusOK, gin.H{"document_id": document.ID, "items": response})
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	status := documents.VisibilityDraft
	if raw := strings.TrimSpace(c.PostForm("status")); raw != "" {
		parsed, err := documents.ParseVisibility(raw)
		if err != nil {
			badRequest(c)
			return
		}
		status = parsed
	}
	input := editing.CreateInput{
		Title:   c.PostForm("title"),
		Status:  status,
		Summary: c.PostForm("summary"),
	}

	file, cleanup, err := uploadedFile(c)
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		badRequest(c)
		return
	}
	if file != nil {
		defer cleanup()
		input.File = file
	}

	created, err := h.editing.Create(c.Request.Context(), principalFrom(c), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := gin.H{"document": h.documentPayload(c.Request.Context(), created.Document)}
	if created.Revision != nil {
		response["revision"] = h.revisionPayload(c.Request.Context(), created.Document, *created.Revision)
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleRevise(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	expected, err := optionalSequence(c.PostForm("expected_sequence"))
	if err != nil {
		badRequest(c)
		return
	}
	file, cleanup, err := uploadedFile(c)
	if err != nil {
		badRequest(c)
		return
	}
	defer cleanup()

	revision, err := h.editing.Revise(c.Request.Context(), principalFrom(c), editing.ReviseInput{
		DocumentID:       documentID,
		File:             *file,
		Summary:          c.PostForm("summary"),
		ExpectedSequence: expected,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondRevision(c, http.StatusCreated, revision)
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	var request restoreRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Sequence <= 0 {
		badRequest(c)
		return
	}
	revision, err := h.editing.Restore(c.Request.Context(), principalFrom(c), editing.RestoreInput{
		DocumentID:       documentID,
		Sequence:         request.Sequence,
		Summary:          request.Summary,
		ExpectedSequence: request.ExpectedSequence,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondRevision(c, http.StatusCreated, revision)
}

func (h *httpHandler) handleSetStatus(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	var request statusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	status, err := documents.ParseVisibility(request.Status)
	if err != nil {
		badRequest(c)
		return
	}
	document, err := h.editing.SetVisibility(c.Request.Context(), principalFrom(c), documentID, status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.documentPayload(c.Request.Context(), document))
}

// handleDeleteDocument moves the document to the trash, or purges it with ?force=true.
func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	principal := principalFrom(c)
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if force {
		purged, err := h.editing.Delete(c.Request.Context(), principal, documentID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"document_id": purged.DocumentID, "purged": true})
		return
	}
	document, err := h.editing.Trash(c.Request.Context(), principal, documentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.documentPayload(c.Request.Context(), document))
}

func (h *httpHandler) handleUntrash(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	document, err := h.editing.Untrash(c.Request.Context(), principalFrom(c), documentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.documentPayload(c.Request.Context(), document))
}

func (h *httpHandler) respondRevision(c *gin.Context, status int, revision documents.Revision) {
	document, err := h.documents.Document(c.Request.Context(), revision.DocumentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(status, h.revisionPayload(c.Request.Context(), document, revision))
}

func (h *httpHandler) documentPayload(ctx context.Context, document documents.Document) documentResponse {
	payload := documentResponse{
		ID:                  document.ID,
		Title:               document.Title,
		Slug:                document.Slug,
		Status:              string(document.Status),
		OwnerID:             document.OwnerID,
		CurrentAttachmentID: document.CurrentAttachmentID,
		Summary:             document.Summary,
		CreatedAt:           document.CreatedAt,
		ModifiedAt:          document.ModifiedAt,
	}
	if document.CurrentAttachmentID != "" {
		payload.Permalink = h.links.DocumentURL(document, h.filename(ctx, document.CurrentAttachmentID))
	}
	return payload
}

func (h *httpHandler) revisionPayload(ctx context.Context, document documents.Document, revision documents.Revision) revisionResponse {
	payload := revisionResponse{
		ID:           revision.ID,
		Sequence:     revision.Sequence,
		Title:        revision.Title,
		AuthorID:     revision.AuthorID,
		AttachmentID: revision.AttachmentID,
		Summary:      revision.Summary,
		CreatedAt:    revision.CreatedAt,
		Live:         revision.Live,
	}
	if revision.AttachmentID != "" {
		payload.Permalink = h.links.RevisionURL(document, revision.Sequence, h.filename(ctx, revision.AttachmentID))
	}
	return payload
}

func (h *httpHandler) filename(ctx context.Context, attachmentID string) string {
	attachment, err := h.documents.Attachment(ctx, attachmentID)
	if err != nil {
		return ""
	}
	return attachment.Filename
}

func documentIDParam(c *gin.Context) (string, bool) {
	documentID, err := documents.ParseID(c.Param("id"))
	if err != nil {
		badRequest(c)
		return "", false
	}
	return documentID, true
}

func optionalSequence(raw string) (*int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || value < 0 {
		return nil, errors.New("invalid sequence")
	}
	return &value, nil
}

// uploadedFile opens the multipart "file" field. The returned cleanup closes it.
func uploadedFile(c *gin.Context) (*editing.File, func(), error) {
	header, err := c.FormFile("file")
	if err != nil {
		return nil, func() {}, err
	}
	body, err := header.Open()
	if err != nil {
		return nil, func() {}, err
	}
	file := &editing.File{
		Body:     body,
		MimeType: header.Header.Get("Content-Type"),
		Filename: header.Filename,
	}
	return file, func() { _ = body.Close() }, nil
}
