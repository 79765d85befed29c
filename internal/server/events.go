package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/notify"
	"github.com/gin-gonic/gin"
)

const eventReady = "ready"

type eventPayload struct {
	DocumentID string    `json:"document_id,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"`
	Sequence   int64     `json:"sequence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// handleEvents streams the caller's notifications as server-sent events. The ready event is
// written once the subscription is registered.
func (h *httpHandler) handleEvents(c *gin.Context) {
	principal := principalFrom(c)
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, principal.ID)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(eventReady, eventPayload{Timestamp: time.Now().UTC()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), eventPayload{
				DocumentID: event.DocumentID,
				ActorID:    event.ActorID,
				Sequence:   event.Sequence,
				Timestamp:  event.Timestamp,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(string(notify.EventHeartbeat), eventPayload{Timestamp: tick.UTC()})
			return true
		}
	})
}
