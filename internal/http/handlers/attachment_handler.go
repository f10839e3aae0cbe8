// Attachment HTTP handlers.
//
//   - POST /threads/{id}/attachments             (multipart upload, field "files")
//   - GET  /threads/{id}/attachments             (list with resolved URLs)
//   - POST /threads/{id}/attachments/associate   (bind uploads to a message)
//   - GET  /files/{ref}                          (stored payload or preview)
package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/services"
	"github.com/tbourn/go-chat-sync/internal/storage"
)

const defaultMaxUploadBytes = 32 << 20

// UploadFailure names a file of the batch that was not stored.
type UploadFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// UploadResponse lists the stored attachments and, on partial failure, the
// files that were rejected.
type UploadResponse struct {
	Attachments []domain.Attachment `json:"attachments"`
	Failed      []UploadFailure     `json:"failed,omitempty"`
}

// ListAttachmentsResponse lists a thread's attachments.
type ListAttachmentsResponse struct {
	Attachments []domain.Attachment `json:"attachments"`
}

// AssociateRequest binds uploaded attachments to a message of the thread.
type AssociateRequest struct {
	AttachmentIDs []string `json:"attachment_ids" binding:"required,min=1"`
	MessageID     string   `json:"message_id" binding:"required"`
}

// AssociateResponse reports how many attachments were newly bound.
type AssociateResponse struct {
	Associated int64 `json:"associated"`
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// UploadAttachments godoc
// @ID          uploadAttachments
// @Summary     Upload files to a thread
// @Description Stores every file of the multipart field "files" as an orphan attachment of the thread.
// @Description When some files fail the others are kept and the response is 207 with the failures listed.
// @Tags        Attachments
// @Accept      multipart/form-data
// @Produce     json
// @Param       X-User-ID  header    string  false "User ID"
// @Param       id         path      string  true  "Thread ID (UUID)"  format(uuid)
// @Param       files      formData  file    true  "Files to upload"
// @Success     201  {object} handlers.UploadResponse
// @Success     207  {object} handlers.UploadResponse "Partial failure"
// @Failure     400  {object} handlers.ErrorResponse  "Bad request"
// @Failure     404  {object} handlers.ErrorResponse  "Thread not found"
// @Router      /threads/{id}/attachments [post]
func (h *Handlers) UploadAttachments(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	limit := h.maxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	form, err := c.MultipartForm()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("multipart body required (max %d bytes)", limit))
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, `no files in field "files"`)
		return
	}

	files := make([]services.Upload, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable file "+fh.Filename)
			return
		}
		files = append(files, services.Upload{
			Name:        fh.Filename,
			ContentType: strings.TrimSpace(fh.Header.Get("Content-Type")),
			Data:        data,
		})
	}

	stored, err := h.conv.Upload(c.Request.Context(), userID(c), threadID, files)
	var be *services.BatchUploadError
	switch {
	case errors.As(err, &be):
		resp := UploadResponse{Attachments: stored}
		for _, f := range be.Failed {
			resp.Failed = append(resp.Failed, UploadFailure{Name: f.Name, Error: f.Err.Error()})
		}
		if len(stored) == 0 {
			ok(c, http.StatusUnprocessableEntity, resp)
			return
		}
		ok(c, http.StatusMultiStatus, resp)
	case err != nil:
		failErr(c, err)
	default:
		ok(c, http.StatusCreated, UploadResponse{Attachments: stored})
	}
}

// ListAttachments godoc
// @ID          listAttachments
// @Summary     List a thread's attachments
// @Tags        Attachments
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Success     200  {object} handlers.ListAttachmentsResponse
// @Failure     404  {object} handlers.ErrorResponse "Thread not found"
// @Router      /threads/{id}/attachments [get]
func (h *Handlers) ListAttachments(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	atts, err := h.conv.ListAttachments(c.Request.Context(), userID(c), threadID)
	if err != nil {
		failErr(c, err)
		return
	}
	if atts == nil {
		atts = []domain.Attachment{}
	}
	ok(c, http.StatusOK, ListAttachmentsResponse{Attachments: atts})
}

// AssociateAttachments godoc
// @ID          associateAttachments
// @Summary     Bind attachments to a message
// @Tags        Attachments
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Param       body       body    handlers.AssociateRequest true "Attachments and target message"
// @Success     200  {object} handlers.AssociateResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Thread, message or attachment not found"
// @Router      /threads/{id}/attachments/associate [post]
func (h *Handlers) AssociateAttachments(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	var req AssociateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "attachment_ids and message_id required")
		return
	}
	n, err := h.conv.Associate(c.Request.Context(), userID(c), threadID, req.AttachmentIDs, req.MessageID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, AssociateResponse{Associated: n})
}

// GetFile godoc
// @ID          getFile
// @Summary     Download a stored file
// @Description Serves an attachment payload or preview by its storage reference.
// @Tags        Attachments
// @Produce     octet-stream
// @Param       ref  path  string  true  "Storage reference"
// @Success     200  {file}   file
// @Failure     404  {object} handlers.ErrorResponse "Unknown reference"
// @Router      /files/{ref} [get]
func (h *Handlers) GetFile(c *gin.Context) {
	obj, err := h.files.Open(c.Request.Context(), c.Param("ref"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "file not found")
			return
		}
		failErr(c, err)
		return
	}
	// Refs are content-independent random ids and never reused.
	c.Header("Cache-Control", "private, max-age=31536000, immutable")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Data(http.StatusOK, obj.ContentType, obj.Data)
}
