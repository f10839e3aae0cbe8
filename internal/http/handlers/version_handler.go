// Dialog version HTTP handlers.
//
//   - GET  /threads/{id}/versions                          (navigation view)
//   - PUT  /threads/{id}/versions/active                   (switch)
//   - POST /threads/{id}/messages/{messageId}/regenerate   (branch and stream)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/services"
)

// RegenerateRequest selects the model of the regenerated reply.
type RegenerateRequest struct {
	Model   string `json:"model,omitempty" example:"gpt-4o"`
	Preempt bool   `json:"preempt,omitempty"`
}

// RegenerateResponse is the committed reply of the new dialog version.
type RegenerateResponse struct {
	Message *domain.Message `json:"message"`
}

// SwitchVersionRequest names the dialog version to activate.
type SwitchVersionRequest struct {
	Version int `json:"version" binding:"required,min=1" example:"2"`
}

// ListVersions godoc
// @ID          listVersions
// @Summary     List dialog versions
// @Description Returns the thread's versions with first/last/active flags and the index of the active one.
// @Tags        Versions
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Success     200  {object} services.VersionList
// @Failure     404  {object} handlers.ErrorResponse "Thread not found"
// @Router      /threads/{id}/versions [get]
func (h *Handlers) ListVersions(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	list, err := h.conv.ListVersions(c.Request.Context(), userID(c), threadID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, list)
}

// SwitchVersion godoc
// @ID          switchVersion
// @Summary     Switch the active dialog version
// @Tags        Versions
// @Accept      json
// @Param       X-User-ID  header  string  false "User ID"
// @Param       id         path    string  true  "Thread ID (UUID)"  format(uuid)
// @Param       body       body    handlers.SwitchVersionRequest true "Version to activate"
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request or misaligned version"
// @Failure     404  {object} handlers.ErrorResponse "Thread or version not found"
// @Router      /threads/{id}/versions/active [put]
func (h *Handlers) SwitchVersion(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	var req SwitchVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "version must be a positive integer")
		return
	}
	if err := h.conv.SwitchVersion(c.Request.Context(), userID(c), threadID, req.Version); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// Regenerate godoc
// @ID          regenerate
// @Summary     Regenerate a reply as a new dialog version
// @Description Branches a new dialog version at the anchor and streams a fresh assistant reply into it.
// @Description An assistant anchor is replaced; a user anchor keeps its text and gets a new reply.
// @Tags        Versions
// @Accept      json
// @Produce     json
// @Produce     text/event-stream
// @Param       X-User-ID  header  string  false "User ID"
// @Param       X-API-Key  header  string  false "Provider credential for this request"
// @Param       id         path    string  true  "Thread ID (UUID)"   format(uuid)
// @Param       messageId  path    string  true  "Anchor message ID"  format(uuid)
// @Param       body       body    handlers.RegenerateRequest false "Options"
// @Success     200  {object} handlers.RegenerateResponse
// @Failure     400  {object} handlers.ErrorResponse "Anchor not on the active path"
// @Failure     404  {object} handlers.ErrorResponse "Thread or message not found"
// @Failure     409  {object} handlers.ErrorResponse "Regeneration already running for this anchor"
// @Failure     502  {object} handlers.ErrorResponse "Provider failed"
// @Router      /threads/{id}/messages/{messageId}/regenerate [post]
func (h *Handlers) Regenerate(c *gin.Context) {
	threadID, valid := threadParam(c)
	if !valid {
		return
	}
	var req RegenerateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	in := services.SendInput{
		Model:   strings.TrimSpace(req.Model),
		APIKey:  strings.TrimSpace(c.GetHeader(HeaderAPIKey)),
		Preempt: req.Preempt,
	}

	var sse *sseReply
	if wantsEventStream(c) {
		sse = &sseReply{c: c}
		in.OnFlush = sse.onFlush
	}
	msg, err := h.conv.Regenerate(c.Request.Context(), userID(c), threadID, c.Param("messageId"), in)
	if sse != nil {
		sse.finish(RegenerateResponse{Message: msg}, err)
		return
	}
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, RegenerateResponse{Message: msg})
}
