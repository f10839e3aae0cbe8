// Draft HTTP handlers.
//
// Drafts are the unsent input and pending messages of one dialog version,
// kept so a reload resumes where the user left off. The version query
// parameter defaults to the thread's active version.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/draft"
	"github.com/tbourn/go-chat-sync/internal/utils"
)

func draftVersion(c *gin.Context) int {
	return utils.Bounds{}.Int(c.Query("version"))
}

// GetDraft godoc
// @ID          getDraft
// @Summary     Load a draft
// @Description Returns the draft reconciled against the committed messages; pending messages that were committed meanwhile are dropped.
// @Tags        Drafts
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Param       version    query   int     false "Dialog version (default active)"
// @Success     200  {object} draft.State
// @Success     204  {string} string "No draft"
// @Failure     404  {object} handlers.ErrorResponse "Thread not found"
// @Router      /threads/{id}/draft [get]
func (h *Handlers) GetDraft(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	st, err := h.conv.LoadDraft(c.Request.Context(), userID(c), threadID, draftVersion(c))
	if err != nil {
		failErr(c, err)
		return
	}
	if st == nil {
		noContent(c)
		return
	}
	ok(c, http.StatusOK, st)
}

// PutDraft godoc
// @ID          putDraft
// @Summary     Save a draft
// @Description Replaces the draft of the dialog version. An empty draft clears it.
// @Tags        Drafts
// @Accept      json
// @Param       X-User-ID  header  string  false "User ID"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Param       version    query   int     false "Dialog version (default active)"
// @Param       body       body    draft.State true "Draft"
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Thread not found"
// @Router      /threads/{id}/draft [put]
func (h *Handlers) PutDraft(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	var st draft.State
	if err := c.ShouldBindJSON(&st); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if err := h.conv.SaveDraft(c.Request.Context(), userID(c), threadID, draftVersion(c), st); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// DeleteDraft godoc
// @ID          deleteDraft
// @Summary     Discard a draft
// @Tags        Drafts
// @Param       X-User-ID  header  string  false "User ID"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Param       version    query   int     false "Dialog version (default active)"
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Thread not found"
// @Router      /threads/{id}/draft [delete]
func (h *Handlers) DeleteDraft(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	if err := h.conv.ClearDraft(c.Request.Context(), userID(c), threadID, draftVersion(c)); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
