// Message HTTP handlers.
//
// This file exposes REST endpoints for the messages of a thread:
//   - POST   /threads/{id}/messages               (send; JSON or SSE reply)
//   - GET    /threads/{id}/messages               (active path, paginated, ETag)
//   - PUT    /threads/{id}/messages/{messageId}   (edit a user message and resend)
//   - DELETE /threads/{id}/messages/{messageId}   (truncate after the message)
//   - POST   /threads/{id}/cancel                 (cancel the running stream)
//
// Streaming:
// With "Accept: text/event-stream" the reply is streamed as server-sent
// events: "delta" carries the accumulated text at every flush, then a single
// "done" (the committed result) or "error" (an ErrorResponse) ends the body.
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// send exists for (user, thread, key), the handler returns that recorded
// assistant message and sets `Idempotency-Replayed: true`.
package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/services"
)

// HeaderAPIKey carries a per-request provider credential.
const HeaderAPIKey = "X-API-Key"

//
// DTOs
//

// SendMessageRequest is the JSON payload for sending (or editing) a user
// message.
//
// Content is normalized by the handler (line endings and excessive blank lines)
// before being passed to the service layer.
type SendMessageRequest struct {
	// Content is the user prompt. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"Plan a three day trip to Lisbon"`
	// Model overrides the default model for this reply.
	Model string `json:"model,omitempty" example:"gpt-4o-mini"`
	// AttachmentIDs are uploaded attachments to bind to the new message.
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	// Preempt cancels a reply already streaming on the thread instead of
	// waiting for it.
	Preempt bool `json:"preempt,omitempty"`
}

// SendMessageResponse is the committed user message and assistant reply.
type SendMessageResponse struct {
	User      *domain.Message `json:"user,omitempty"`
	Assistant *domain.Message `json:"assistant,omitempty"`
}

// ListMessagesResponse contains a page of the active path and pagination
// metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// DeleteAfterResponse reports how many messages a truncation removed.
type DeleteAfterResponse struct {
	Removed int `json:"removed"`
}

// CancelResponse reports whether a stream was running.
type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

// DeltaEvent is the payload of a "delta" server-sent event.
type DeltaEvent struct {
	Content string `json:"content"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// bindSend binds and normalizes a send/edit payload.
func (h *Handlers) bindSend(c *gin.Context) (services.SendInput, bool) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return services.SendInput{}, false
	}

	// Sanitize + early size cap to fail fast at the edge.
	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return services.SendInput{}, false
	}
	if h.maxPromptRunes > 0 && utf8.RuneCountInString(content) > h.maxPromptRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", h.maxPromptRunes))
		return services.SendInput{}, false
	}
	return services.SendInput{
		Content:       content,
		Model:         strings.TrimSpace(req.Model),
		APIKey:        strings.TrimSpace(c.GetHeader(HeaderAPIKey)),
		AttachmentIDs: req.AttachmentIDs,
		Preempt:       req.Preempt,
	}, true
}

// respondSend writes the result of a send or edit.
func (h *Handlers) respondSend(c *gin.Context, sse *sseReply, res *services.SendResult, err error) {
	var out SendMessageResponse
	if res != nil {
		out = SendMessageResponse{User: res.User, Assistant: res.Assistant}
	}
	if sse != nil {
		sse.finish(out, err)
		return
	}
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

//
// Handlers
//

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send a message and stream the assistant reply
// @Description Appends a user message to the active dialog version and streams the assistant reply.
// @Description With Accept: text/event-stream the reply is delivered as "delta" events followed by "done" or "error".
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Produce     text/event-stream
//
// @Param       X-User-ID        header  string  false "User ID that owns the thread"  example(user123)
// @Param       X-API-Key        header  string  false "Provider credential for this request"
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       id               path    string  true  "Thread ID (UUID)"              format(uuid)
// @Param       body             body    handlers.SendMessageRequest  true  "User message payload"
//
// @Success     200  {object}  handlers.SendMessageResponse  "Committed messages"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse        "Thread not found"
// @Failure     502  {object}  handlers.ErrorResponse        "Provider failed; partial reply kept"
// @Router      /threads/{id}/messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	in, valid := h.bindSend(c)
	if !valid {
		return
	}
	uid := userID(c)

	// Idempotency (replay path).
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey == "" {
		idemKey = strings.TrimSpace(c.GetHeader(middleware.HeaderIdempotencyKey))
	}
	if idemKey != "" && h.idem != nil {
		if prev, err := h.idem.Lookup(ctx, uid, threadID, idemKey); err == nil && prev != nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, SendMessageResponse{Assistant: prev})
			return
		}
	}

	var sse *sseReply
	if wantsEventStream(c) {
		sse = &sseReply{c: c}
		in.OnFlush = sse.onFlush
	}
	res, err := h.conv.SendMessage(ctx, uid, threadID, in)

	// Idempotency (store path) – best effort, complete replies only.
	if err == nil && idemKey != "" && h.idem != nil && res != nil && res.Assistant != nil {
		if rerr := h.idem.Record(ctx, uid, threadID, idemKey, res.Assistant.ID); rerr != nil {
			middleware.LoggerFrom(c).Warn().Err(rerr).Str("thread_id", threadID).Msg("idempotency record failed")
		}
	}
	h.respondSend(c, sse, res, err)
}

// EditMessage godoc
// @ID          editMessage
// @Summary     Edit a user message and resend it
// @Description Removes the message and everything after it in every dialog version, then sends the new content in its place.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Produce     text/event-stream
// @Param       X-User-ID  header  string  false "User ID that owns the thread"
// @Param       X-API-Key  header  string  false "Provider credential for this request"
// @Param       id         path    string  true  "Thread ID (UUID)"   format(uuid)
// @Param       messageId  path    string  true  "Message ID (UUID)"  format(uuid)
// @Param       body       body    handlers.SendMessageRequest  true  "Replacement content"
// @Success     200  {object}  handlers.SendMessageResponse
// @Failure     400  {object}  handlers.ErrorResponse "Not an active user message"
// @Failure     404  {object}  handlers.ErrorResponse "Thread or message not found"
// @Router      /threads/{id}/messages/{messageId} [put]
func (h *Handlers) EditMessage(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	in, valid := h.bindSend(c)
	if !valid {
		return
	}
	var sse *sseReply
	if wantsEventStream(c) {
		sse = &sseReply{c: c}
		in.OnFlush = sse.onFlush
	}
	res, err := h.conv.EditMessage(c.Request.Context(), userID(c), threadID, c.Param("messageId"), in)
	h.respondSend(c, sse, res, err)
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List the active messages of a thread
// @Description Returns a paginated view of the active dialog version's path, oldest first.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID      header string  false "User ID"
// @Param       If-None-Match  header string  false "Return 304 if ETag matches"
// @Param       id             path   string  true  "Thread ID (UUID)"  format(uuid)
// @Param       page           query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query  int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Thread not found"
// @Router      /threads/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	uid := userID(c)
	page, pageSize := clampPagination(c)

	// Revalidation is best effort and only once the thread is known visible.
	var db *gorm.DB
	if svc, ok := h.conv.(*services.ConversationService); ok && svc.Messages != nil {
		db = svc.Messages.DB
	}
	if db != nil {
		th, err := h.threads.Get(ctx, uid, threadID)
		if err != nil {
			failErr(c, err)
			return
		}
		if f, err := repo.MessagesFreshness(ctx, db, threadID); err == nil &&
			notModified(c, "messages", threadID, th.ActiveVersion, f.Count, f.Nanos(), page, pageSize) {
			return
		}
	}

	items, total, err := h.conv.ListMessages(ctx, uid, threadID, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: newPagination(page, pageSize, total)})
}

// DeleteAfter godoc
// @ID          deleteAfter
// @Summary     Truncate a thread after a message
// @Description Removes every message positioned after the anchor (or from it, with inclusive=true) in every dialog version.
// @Tags        Messages
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID"
// @Param       id         path    string  true  "Thread ID (UUID)"   format(uuid)
// @Param       messageId  path    string  true  "Anchor message ID"  format(uuid)
// @Param       inclusive  query   bool    false "Also remove the anchor"
// @Success     200  {object} handlers.DeleteAfterResponse
// @Failure     404  {object} handlers.ErrorResponse "Thread or message not found"
// @Router      /threads/{id}/messages/{messageId} [delete]
func (h *Handlers) DeleteAfter(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	inclusive := c.Query("inclusive") == "true" || c.Query("inclusive") == "1"
	n, err := h.conv.DeleteAfter(c.Request.Context(), userID(c), threadID, c.Param("messageId"), inclusive)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, DeleteAfterResponse{Removed: n})
}

// CancelStream godoc
// @ID          cancelStream
// @Summary     Cancel the running reply
// @Description Stops the reply streaming on the thread; the text received so far is kept with status "canceled".
// @Tags        Messages
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Success     200  {object} handlers.CancelResponse
// @Failure     404  {object} handlers.ErrorResponse "Thread not found"
// @Router      /threads/{id}/cancel [post]
func (h *Handlers) CancelStream(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	canceled, err := h.conv.CancelStream(c.Request.Context(), userID(c), threadID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, CancelResponse{Canceled: canceled})
}
