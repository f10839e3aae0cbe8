// Thread HTTP handlers.
//
// This file exposes REST endpoints for thread resources:
//   - POST   /threads               (create)
//   - GET    /threads               (list, paginated, ETag support)
//   - GET    /search                (rank threads by title and content)
//   - GET    /threads/{id}          (fetch one)
//   - PATCH  /threads/{id}          (rename and/or pin)
//   - DELETE /threads/{id}          (cascade delete)
//   - POST   /threads/{id}/clone    (copy the active path into a new thread)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/draft"
	"github.com/tbourn/go-chat-sync/internal/events"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
	"github.com/tbourn/go-chat-sync/internal/migrate"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/search"
	"github.com/tbourn/go-chat-sync/internal/services"
	"github.com/tbourn/go-chat-sync/internal/storage"
	"github.com/tbourn/go-chat-sync/internal/utils"
)

//
// Service contracts (context-aware)
//

// ThreadService defines thread lifecycle operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ThreadService interface {
	// Create starts a new thread for ownerID with an optional title.
	Create(ctx context.Context, ownerID, title string) (*domain.Thread, error)
	// Get returns a thread visible to ownerID.
	Get(ctx context.Context, ownerID, threadID string) (*domain.Thread, error)
	// ListPage returns a page of threads for an owner and the total count.
	ListPage(ctx context.Context, ownerID string, page, pageSize int) ([]domain.Thread, int64, error)
	Rename(ctx context.Context, ownerID, threadID, title string) error
	SetPinned(ctx context.Context, ownerID, threadID string, pinned bool) error
	Search(ctx context.Context, ownerID, query string, k int) ([]search.Result, error)
}

// ConversationService defines the message, version, attachment and draft
// operations of a thread. Every call checks that the thread is visible to
// ownerID.
type ConversationService interface {
	SendMessage(ctx context.Context, ownerID, threadID string, in services.SendInput) (*services.SendResult, error)
	EditMessage(ctx context.Context, ownerID, threadID, messageID string, in services.SendInput) (*services.SendResult, error)
	Regenerate(ctx context.Context, ownerID, threadID, anchorID string, in services.SendInput) (*domain.Message, error)
	SwitchVersion(ctx context.Context, ownerID, threadID string, version int) error
	ListVersions(ctx context.Context, ownerID, threadID string) (*services.VersionList, error)
	ListMessages(ctx context.Context, ownerID, threadID string, page, pageSize int) ([]domain.Message, int64, error)
	CancelStream(ctx context.Context, ownerID, threadID string) (bool, error)
	DeleteAfter(ctx context.Context, ownerID, threadID, anchorID string, inclusive bool) (int, error)
	DeleteThread(ctx context.Context, ownerID, threadID string) error
	Clone(ctx context.Context, ownerID, threadID, uptoMessageID, title string) (*domain.Thread, error)

	Upload(ctx context.Context, ownerID, threadID string, files []services.Upload) ([]domain.Attachment, error)
	ListAttachments(ctx context.Context, ownerID, threadID string) ([]domain.Attachment, error)
	Associate(ctx context.Context, ownerID, threadID string, attachmentIDs []string, messageID string) (int64, error)

	LoadDraft(ctx context.Context, ownerID, threadID string, version int) (*draft.State, error)
	SaveDraft(ctx context.Context, ownerID, threadID string, version int, st draft.State) error
	ClearDraft(ctx context.Context, ownerID, threadID string, version int) error
}

// FileStore serves stored attachment payloads and previews.
type FileStore interface {
	Open(ctx context.Context, ref string) (*storage.Object, error)
}

// EventSource streams live thread events.
type EventSource interface {
	Subscribe(ctx context.Context, threadID string) (<-chan events.Event, error)
}

// Migrator imports a legacy export file for an owner.
type Migrator interface {
	MigrateFile(ctx context.Context, ownerID, path string, onProgress func(migrate.Progress)) (migrate.Progress, error)
}

// IdempotencyStore records which assistant message answered a keyed send.
type IdempotencyStore interface {
	// Lookup returns the recorded message, or nil when the key is unknown
	// or expired.
	Lookup(ctx context.Context, userID, threadID, key string) (*domain.Message, error)
	Record(ctx context.Context, userID, threadID, key, messageID string) error
}

//
// Handler wiring
//

// Deps lists the collaborators of the handlers. Events, Migrator and
// Idempotency are optional; their endpoints answer 404 (or skip the
// feature) when unset.
type Deps struct {
	Threads      ThreadService
	Conversation ConversationService
	Files        FileStore
	Events       EventSource
	Migrator     Migrator
	Idempotency  IdempotencyStore

	// MaxPromptRunes fails long prompts at the edge; 0 disables the check.
	MaxPromptRunes int
	// MaxUploadBytes caps one multipart upload request; 0 means 32 MiB.
	MaxUploadBytes int64
}

// Handlers groups HTTP endpoints for threads, messages, versions,
// attachments, drafts, live events and migrations. It depends on abstract
// service interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	threads ThreadService
	conv    ConversationService
	files   FileStore
	events  EventSource
	migr    Migrator
	idem    IdempotencyStore

	maxPromptRunes int
	maxUploadBytes int64
}

// New constructs and returns a Handlers instance bound to the given services.
func New(d Deps) *Handlers {
	return &Handlers{
		threads:        d.Threads,
		conv:           d.Conversation,
		files:          d.Files,
		events:         d.Events,
		migr:           d.Migrator,
		idem:           d.Idempotency,
		maxPromptRunes: d.MaxPromptRunes,
		maxUploadBytes: d.MaxUploadBytes,
	}
}

func userID(c *gin.Context) string { return middleware.UserID(c) }

// threadParam validates the :id path parameter.
func threadParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "thread id must be a UUID")
		return "", false
	}
	return id, true
}

//
// DTOs
//

// CreateThreadRequest is the JSON payload for creating a thread.
type CreateThreadRequest struct {
	// Title optionally sets the thread title; a placeholder is used when
	// empty and replaced from the first prompt.
	Title string `json:"title" example:"Trip planning"`
}

// UpdateThreadRequest is the JSON payload for renaming and pinning a
// thread. Omitted fields are left unchanged.
type UpdateThreadRequest struct {
	Title  *string `json:"title,omitempty" binding:"omitempty,max=255" example:"Lisbon in May"`
	Pinned *bool   `json:"pinned,omitempty" example:"true"`
}

// CloneThreadRequest is the optional JSON payload for cloning a thread.
type CloneThreadRequest struct {
	// MessageID is the last message copied; empty copies the whole active path.
	MessageID string `json:"message_id,omitempty" example:"6f1c2a8e-3b4d-4e5f-8a9b-0c1d2e3f4a5b"`
	// Title of the clone; empty keeps the source title.
	Title string `json:"title,omitempty" binding:"omitempty,max=255" example:"Trip planning (branch)"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// ListThreadsResponse wraps a page of threads and pagination information.
type ListThreadsResponse struct {
	Threads    []domain.Thread `json:"threads"`
	Pagination Pagination      `json:"pagination"`
}

// SearchHit is one ranked thread.
type SearchHit struct {
	ThreadID string  `json:"thread_id"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}

// SearchThreadsResponse lists ranked threads, best first.
type SearchThreadsResponse struct {
	Results []SearchHit `json:"results"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.Page.Int(c.Query("page")), utils.PageSize.Int(c.Query("page_size"))
}

//
// Handlers
//

// CreateThread godoc
// @ID          createThread
// @Summary     Create a new thread
// @Description Creates a thread for the current user and returns the thread resource.
// @Tags        Threads
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.CreateThreadRequest  true  "Create thread payload"
//
// @Success     201  {object}  domain.Thread
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /threads [post]
func (h *Handlers) CreateThread(c *gin.Context) {
	var req CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	th, err := h.threads.Create(c.Request.Context(), userID(c), strings.TrimSpace(req.Title))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, th)
}

// ListThreads godoc
// @ID          listThreads
// @Summary     List threads (paginated)
// @Description Returns a page of the user's threads, pinned first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Threads
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"       example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListThreadsResponse
// @Header      200  {string} ETag           "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /threads [get]
func (h *Handlers) ListThreads(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)

	// Revalidation is best effort.
	if svc, ok := h.threads.(*services.ThreadService); ok && svc.DB != nil {
		if f, err := repo.ThreadsFreshness(ctx, svc.DB, uid); err == nil &&
			notModified(c, "threads", uid, f.Count, f.Nanos(), page, pageSize) {
			return
		}
	}

	items, total, err := h.threads.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListThreadsResponse{Threads: items, Pagination: newPagination(page, pageSize, total)})
}

// GetThread godoc
// @ID          getThread
// @Summary     Get a thread
// @Tags        Threads
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (demo header)"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Success     200  {object} domain.Thread
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Thread not found"
// @Router      /threads/{id} [get]
func (h *Handlers) GetThread(c *gin.Context) {
	id, valid := threadParam(c)
	if !valid {
		return
	}
	th, err := h.threads.Get(c.Request.Context(), userID(c), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, th)
}

// UpdateThread godoc
// @ID          updateThread
// @Summary     Rename or pin a thread
// @Description Updates the title and/or pinned flag of a thread owned by the current user.
// @Tags        Threads
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"         example(user123)
// @Param       id         path    string  true  "Thread ID (UUID)"              format(uuid)
// @Param       body       body    handlers.UpdateThreadRequest  true  "Fields to change"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Thread not found"
// @Router      /threads/{id} [patch]
func (h *Handlers) UpdateThread(c *gin.Context) {
	id, valid := threadParam(c)
	if !valid {
		return
	}
	var req UpdateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Title == nil && req.Pinned == nil) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title (max 255 chars) or pinned required")
		return
	}

	ctx, uid := c.Request.Context(), userID(c)
	if req.Title != nil {
		if err := h.threads.Rename(ctx, uid, id, *req.Title); err != nil {
			failErr(c, err)
			return
		}
	}
	if req.Pinned != nil {
		if err := h.threads.SetPinned(ctx, uid, id, *req.Pinned); err != nil {
			failErr(c, err)
			return
		}
	}
	noContent(c)
}

// DeleteThread godoc
// @ID          deleteThread
// @Summary     Delete a thread
// @Description Cancels any running stream and removes the thread with its messages, versions, summaries, attachments and drafts.
// @Tags        Threads
// @Param       X-User-ID  header  string  false "User ID (demo header)"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Thread not found"
// @Failure     500  {object} handlers.ErrorResponse "Cascade failed; retry"
// @Router      /threads/{id} [delete]
func (h *Handlers) DeleteThread(c *gin.Context) {
	id, valid := threadParam(c)
	if !valid {
		return
	}
	if err := h.conv.DeleteThread(c.Request.Context(), userID(c), id); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// CloneThread godoc
// @ID          cloneThread
// @Summary     Clone a thread
// @Description Copies the active path, up to and including message_id when given, into a new thread owned by the current user.
// @Tags        Threads
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (demo header)"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Param       body       body    handlers.CloneThreadRequest  false  "Clone options"
// @Success     201  {object} domain.Thread
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Thread or message not found"
// @Router      /threads/{id}/clone [post]
func (h *Handlers) CloneThread(c *gin.Context) {
	id, valid := threadParam(c)
	if !valid {
		return
	}
	var req CloneThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	th, err := h.conv.Clone(c.Request.Context(), userID(c), id, strings.TrimSpace(req.MessageID), strings.TrimSpace(req.Title))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, th)
}

// SearchThreads godoc
// @ID          searchThreads
// @Summary     Search threads
// @Description Ranks the user's threads by title and active message content.
// @Tags        Threads
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (demo header)"
// @Param       q          query   string  true  "Query text"
// @Param       k          query   int     false "Maximum results" minimum(1) maximum(50) default(10)
// @Success     200  {object} handlers.SearchThreadsResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /search [get]
func (h *Handlers) SearchThreads(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "q required")
		return
	}
	k := utils.SearchLimit.Int(c.Query("k"))

	results, err := h.threads.Search(c.Request.Context(), userID(c), q, k)
	if err != nil {
		failErr(c, err)
		return
	}
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{ThreadID: r.ID, Snippet: r.Snippet, Score: r.Score})
	}
	ok(c, http.StatusOK, SearchThreadsResponse{Results: hits})
}
