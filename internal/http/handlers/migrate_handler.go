// Legacy migration handler.
//
// POST /migrate accepts a legacy export (multipart field "export"), imports
// its threads for the current user and reports the final progress. With
// "Accept: text/event-stream" every progress update is streamed as a
// "progress" event, followed by "done" or "error".
package handlers

import (
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/migrate"
)

// MigrateLegacy godoc
// @ID          migrateLegacy
// @Summary     Import a legacy export
// @Description Migrates every thread, message and summary of the uploaded export to the current user.
// @Description Threads that fail are skipped and listed in the progress error; the others are kept.
// @Tags        Migration
// @Accept      multipart/form-data
// @Produce     json
// @Produce     text/event-stream
// @Param       X-User-ID  header    string  false "User ID"
// @Param       export     formData  file    true  "Legacy SQLite export"
// @Success     200  {object} migrate.Progress
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Migration disabled"
// @Failure     500  {object} handlers.ErrorResponse "Export unreadable"
// @Router      /migrate [post]
func (h *Handlers) MigrateLegacy(c *gin.Context) {
	if h.migr == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "migration is disabled")
		return
	}
	fh, err := c.FormFile("export")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, `legacy export required in field "export"`)
		return
	}
	src, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable export")
		return
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "legacy-*.db")
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeMigrationFailed, err.Error())
		return
	}
	path := tmp.Name()
	defer os.Remove(path)
	_, err = io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeMigrationFailed, err.Error())
		return
	}

	var (
		sse        *sseReply
		onProgress func(migrate.Progress)
	)
	if wantsEventStream(c) {
		sse = &sseReply{c: c}
		onProgress = func(p migrate.Progress) { sse.event("progress", p) }
	}
	p, err := h.migr.MigrateFile(c.Request.Context(), userID(c), path, onProgress)
	if sse != nil {
		sse.finish(p, err)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeMigrationFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, p)
}
