// Live thread events.
//
// GET /threads/{id}/events streams server-sent events until the client goes
// away: "loading", then "value" snapshots of the active messages after every
// committed change, "flush" events while a reply streams, and "error" when a
// snapshot could not be read. A "ping" is sent when the thread is idle so
// proxies keep the connection open.
package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/http/middleware"
)

// eventHeartbeat is the idle interval between pings.
var eventHeartbeat = 15 * time.Second

// StreamEvents godoc
// @ID          streamEvents
// @Summary     Subscribe to live thread events
// @Tags        Events
// @Produce     text/event-stream
// @Param       X-User-ID  header  string  false "User ID"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Success     200  {object} events.Event "Event stream"
// @Failure     404  {object} handlers.ErrorResponse "Thread not found or events disabled"
// @Router      /threads/{id}/events [get]
func (h *Handlers) StreamEvents(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	if h.events == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "live events are disabled")
		return
	}
	ctx := c.Request.Context()
	if _, err := h.threads.Get(ctx, userID(c), threadID); err != nil {
		failErr(c, err)
		return
	}
	ch, err := h.events.Subscribe(ctx, threadID)
	if err != nil {
		failErr(c, err)
		return
	}

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")

	defer middleware.StreamGauge()()
	ping := time.NewTicker(eventHeartbeat)
	defer ping.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case e, open := <-ch:
			if !open {
				return false
			}
			c.SSEvent(e.Type, e)
			return true
		case <-ping.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case <-ctx.Done():
			return false
		}
	})
}
