// Package services – ConversationService
//
// This file composes the thread store, message log, version controller,
// stream assembler, attachment linker and draft cache into the operations a
// client performs: send, edit and resend, regenerate, switch versions,
// cancel, upload and keep drafts. Every operation first checks that the
// thread is visible to the caller.
package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/draft"
	"github.com/tbourn/go-chat-sync/internal/llm"
	"github.com/tbourn/go-chat-sync/internal/media"
	"github.com/tbourn/go-chat-sync/internal/repo"
)

// DefaultMaxInlineBytes caps attachments inlined into prompts.
const DefaultMaxInlineBytes = 30 << 20

// DraftStore keeps unsent drafts per (thread, dialog version).
type DraftStore interface {
	Save(threadID string, version int, st draft.State) error
	LoadReconciled(threadID string, version int, committed []draft.Committed) (*draft.State, error)
	Clear(threadID string, version int) error
	ClearThread(threadID string) error
}

// SendInput carries the options of a send, edit or regenerate.
type SendInput struct {
	Content       string
	Model         string
	APIKey        string
	AttachmentIDs []string
	Preempt       bool
	OnFlush       func(content string)
}

// SendResult is the user message and the assistant reply it produced.
// Assistant may be set together with an error when a partial reply was
// committed.
type SendResult struct {
	User      *domain.Message `json:"user"`
	Assistant *domain.Message `json:"assistant,omitempty"`
}

// ConversationService is the client-facing facade.
type ConversationService struct {
	Threads     *ThreadService
	Messages    *MessageService
	Versions    *VersionService
	Streams     *StreamService
	Attachments *AttachmentService
	// Drafts may be nil; drafts are then not kept.
	Drafts DraftStore

	MaxInlineBytes int64
}

// SendMessage appends a user message to the active version, binds its
// attachments, clears the version's draft and streams the reply.
func (c *ConversationService) SendMessage(ctx context.Context, ownerID, threadID string, in SendInput) (*SendResult, error) {
	ctx, span := otel.Tracer("services/ConversationService").Start(ctx, "SendMessage",
		trace.WithAttributes(attribute.String("thread.id", threadID), attribute.Int("attachments", len(in.AttachmentIDs))))
	defer span.End()

	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return nil, err
	}
	if err := c.checkSend(in); err != nil {
		return nil, err
	}
	return c.send(ctx, threadID, in)
}

// EditMessage replaces an active user message: the active path is truncated
// from the message on and the new text is sent in its place. Versions that
// branched off below the message keep their turns.
func (c *ConversationService) EditMessage(ctx context.Context, ownerID, threadID, messageID string, in SendInput) (*SendResult, error) {
	ctx, span := otel.Tracer("services/ConversationService").Start(ctx, "EditMessage",
		trace.WithAttributes(attribute.String("thread.id", threadID), attribute.String("message.id", messageID)))
	defer span.End()

	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return nil, err
	}
	if err := c.checkSend(in); err != nil {
		return nil, err
	}
	ctx, release, err := c.Streams.Reserve(ctx, threadID, in.Preempt)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := c.Messages.Get(ctx, threadID, messageID)
	if err != nil {
		return nil, err
	}
	if m.Role != domain.RoleUser {
		return nil, ErrNotEditable
	}
	if !m.IsActive {
		return nil, ErrAnchorInactive
	}
	if _, err := c.Messages.DeleteAfter(ctx, threadID, messageID, true); err != nil {
		return nil, err
	}
	return c.exchange(ctx, threadID, in)
}

func (c *ConversationService) checkSend(in SendInput) error {
	if err := c.Streams.CheckKey(in.APIKey); err != nil {
		return err
	}
	if strings.TrimSpace(in.Content) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// send holds the thread's stream slot from the user turn until the reply is
// committed, so overlapping sends never interleave their turns.
func (c *ConversationService) send(ctx context.Context, threadID string, in SendInput) (*SendResult, error) {
	ctx, release, err := c.Streams.Reserve(ctx, threadID, in.Preempt)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.exchange(ctx, threadID, in)
}

func (c *ConversationService) exchange(ctx context.Context, threadID string, in SendInput) (*SendResult, error) {
	user, err := c.Messages.Append(ctx, threadID, domain.RoleUser, in.Content, 0)
	if err != nil {
		return nil, err
	}
	res := &SendResult{User: user}

	if len(in.AttachmentIDs) > 0 && c.Attachments != nil {
		if _, err := c.Attachments.Associate(ctx, in.AttachmentIDs, user.ID); err != nil {
			return res, err
		}
	}
	// The user message is durable; its draft is no longer needed.
	if c.Drafts != nil {
		if err := c.Drafts.Clear(threadID, user.DialogVersion); err != nil {
			log.Warn().Err(err).Str("thread_id", threadID).Int("dialog_version", user.DialogVersion).Msg("draft clear failed")
		}
	}

	prompt, err := c.prompt(ctx, threadID, user.DialogVersion, "")
	if err != nil {
		return res, err
	}
	res.Assistant, err = c.Streams.Stream(ctx, StreamRequest{
		ThreadID:      threadID,
		DialogVersion: user.DialogVersion,
		Model:         in.Model,
		Messages:      prompt,
		APIKey:        in.APIKey,
		OnFlush:       in.OnFlush,
		Reserved:      true,
	})
	return res, err
}

// Regenerate branches a new dialog version at anchorID and streams the new
// reply into its placeholder. It returns the committed reply.
func (c *ConversationService) Regenerate(ctx context.Context, ownerID, threadID, anchorID string, in SendInput) (*domain.Message, error) {
	ctx, span := otel.Tracer("services/ConversationService").Start(ctx, "Regenerate",
		trace.WithAttributes(attribute.String("thread.id", threadID), attribute.String("anchor.id", anchorID)))
	defer span.End()

	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return nil, err
	}
	if err := c.Streams.CheckKey(in.APIKey); err != nil {
		return nil, err
	}
	var model *string
	if in.Model != "" {
		model = &in.Model
	}

	claimed, err := c.Versions.claim(threadID, anchorID)
	if err != nil {
		return nil, err
	}
	defer claimed()
	ctx, release, err := c.Streams.Reserve(ctx, threadID, in.Preempt)
	if err != nil {
		return nil, err
	}
	defer release()

	var reply *domain.Message
	_, err = c.Versions.regenerate(ctx, threadID, anchorID, model, func(ctx context.Context, r *Regeneration) error {
		ph := r.Placeholder
		prompt, err := c.prompt(ctx, threadID, r.Version, ph.ID)
		if err == nil && len(prompt) == 0 {
			err = ErrEmptyPrompt
		}
		if err == nil {
			reply, err = c.Streams.Stream(ctx, StreamRequest{
				ThreadID:      threadID,
				DialogVersion: r.Version,
				Model:         in.Model,
				Messages:      prompt,
				APIKey:        in.APIKey,
				Placeholder:   ph,
				OnFlush:       in.OnFlush,
				Reserved:      true,
			})
		}
		if err != nil && reply == nil {
			// The stream never committed; do not leave the placeholder streaming.
			status := domain.StatusError
			if ctx.Err() != nil {
				status = domain.StatusCanceled
			}
			if m, ferr := c.Messages.Finalize(context.WithoutCancel(ctx), ph.ID, "", status); ferr == nil {
				reply = m
			}
		}
		return err
	})
	return reply, err
}

// SwitchVersion makes version the active dialog version of the thread.
func (c *ConversationService) SwitchVersion(ctx context.Context, ownerID, threadID string, version int) error {
	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return err
	}
	return c.Versions.SwitchVersion(ctx, threadID, version)
}

// ListVersions returns the thread's versions with navigation metadata.
func (c *ConversationService) ListVersions(ctx context.Context, ownerID, threadID string) (*VersionList, error) {
	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return nil, err
	}
	return c.Versions.ListVersions(ctx, threadID)
}

// ListMessages returns a page of the thread's active path.
func (c *ConversationService) ListMessages(ctx context.Context, ownerID, threadID string, page, pageSize int) ([]domain.Message, int64, error) {
	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return nil, 0, err
	}
	return c.Messages.ListPage(ctx, threadID, page, pageSize)
}

// CancelStream aborts the running stream of a thread; the partial reply is
// committed by the streaming call. It reports whether a stream was running.
func (c *ConversationService) CancelStream(ctx context.Context, ownerID, threadID string) (bool, error) {
	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return false, err
	}
	return c.Streams.Cancel(threadID), nil
}

// DeleteAfter truncates the thread after (or, with inclusive, from) anchorID.
func (c *ConversationService) DeleteAfter(ctx context.Context, ownerID, threadID, anchorID string, inclusive bool) (int, error) {
	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return 0, err
	}
	return c.Messages.DeleteAfter(ctx, threadID, anchorID, inclusive)
}

// DeleteThread cancels any running stream, deletes the thread and drops its
// drafts.
func (c *ConversationService) DeleteThread(ctx context.Context, ownerID, threadID string) error {
	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return err
	}
	c.Streams.Cancel(threadID)
	if err := c.Threads.Delete(ctx, ownerID, threadID); err != nil {
		return err
	}
	if c.Drafts != nil {
		if err := c.Drafts.ClearThread(threadID); err != nil {
			log.Warn().Err(err).Str("thread_id", threadID).Msg("draft cleanup failed")
		}
	}
	return nil
}

// Clone copies the active path of threadID up to and including
// uptoMessageID into a new thread owned by ownerID; an empty uptoMessageID
// copies the whole path. Summaries travel with their messages and turns
// without content are skipped. An empty title keeps the source title.
func (c *ConversationService) Clone(ctx context.Context, ownerID, threadID, uptoMessageID, title string) (*domain.Thread, error) {
	ctx, span := otel.Tracer("services/ConversationService").Start(ctx, "Clone",
		trace.WithAttributes(attribute.String("thread.id", threadID), attribute.String("message.id", uptoMessageID)))
	defer span.End()

	src, err := c.Threads.Get(ctx, ownerID, threadID)
	if err != nil {
		return nil, err
	}
	path, err := c.Messages.ListActive(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if uptoMessageID != "" {
		if _, err := c.Messages.Get(ctx, threadID, uptoMessageID); err != nil {
			return nil, err
		}
		n := -1
		for i := range path {
			if path[i].ID == uptoMessageID {
				n = i + 1
				break
			}
		}
		if n < 0 {
			return nil, ErrAnchorInactive
		}
		path = path[:n]
	}
	sums, err := c.Messages.Summaries(ctx, threadID)
	if err != nil {
		return nil, err
	}
	summary := make(map[string]string, len(sums))
	for _, s := range sums {
		summary[s.MessageID] = s.Content
	}
	if strings.TrimSpace(title) == "" {
		title = src.Title
	}

	dst, err := c.Threads.Create(ctx, ownerID, title)
	if err != nil {
		return nil, err
	}
	if err := c.copyPath(ctx, dst.ID, src.ID, path, summary); err != nil {
		span.RecordError(err)
		if derr := c.Threads.Delete(context.WithoutCancel(ctx), ownerID, dst.ID); derr != nil {
			log.Warn().Err(derr).Str("thread_id", dst.ID).Msg("partial clone cleanup failed")
		}
		return nil, err
	}
	return c.Threads.Get(ctx, ownerID, dst.ID)
}

func (c *ConversationService) copyPath(ctx context.Context, dstID, srcID string, path []domain.Message, summary map[string]string) error {
	if err := repo.SetThreadParent(ctx, c.Threads.DB, dstID, srcID); err != nil {
		return err
	}
	for _, m := range path {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		status := m.Status
		if status == domain.StatusStreaming {
			status = domain.StatusCanceled
		}
		cp, err := c.Messages.AppendMessage(ctx, AppendInput{
			ThreadID: dstID,
			Role:     m.Role,
			Content:  m.Content,
			Model:    m.Model,
			Status:   status,
		})
		if err != nil {
			return err
		}
		if text, ok := summary[m.ID]; ok {
			if _, err := c.Messages.AddSummary(ctx, dstID, cp.ID, text); err != nil {
				return err
			}
		}
	}
	return nil
}

// Upload stores a batch of files for the thread.
func (c *ConversationService) Upload(ctx context.Context, ownerID, threadID string, files []Upload) ([]domain.Attachment, error) {
	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return nil, err
	}
	return c.Attachments.Upload(ctx, threadID, files)
}

// Associate binds uploaded attachments of the thread to one of its
// messages. It returns how many were newly bound.
func (c *ConversationService) Associate(ctx context.Context, ownerID, threadID string, attachmentIDs []string, messageID string) (int64, error) {
	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return 0, err
	}
	if _, err := c.Messages.Get(ctx, threadID, messageID); err != nil {
		return 0, err
	}
	return c.Attachments.Associate(ctx, attachmentIDs, messageID)
}

// ListAttachments returns the thread's attachments with resolved URLs.
func (c *ConversationService) ListAttachments(ctx context.Context, ownerID, threadID string) ([]domain.Attachment, error) {
	if _, err := c.Threads.Get(ctx, ownerID, threadID); err != nil {
		return nil, err
	}
	return c.Attachments.Resolve(ctx, threadID)
}

// LoadDraft returns the draft of (thread, version) reconciled against the
// committed messages of that version, or nil. A non-positive version means
// the active one.
func (c *ConversationService) LoadDraft(ctx context.Context, ownerID, threadID string, version int) (*draft.State, error) {
	th, err := c.Threads.Get(ctx, ownerID, threadID)
	if err != nil || c.Drafts == nil {
		return nil, err
	}
	if version <= 0 {
		version = th.ActiveVersion
	}
	path, err := c.Messages.Path(ctx, threadID, version)
	if err != nil {
		return nil, err
	}
	committed := make([]draft.Committed, 0, len(path))
	for _, m := range path {
		if m.Status == domain.StatusStreaming {
			continue
		}
		committed = append(committed, draft.Committed{ID: m.ID, Role: m.Role, Content: m.Content})
	}
	return c.Drafts.LoadReconciled(threadID, version, committed)
}

// SaveDraft stores the draft of (thread, version).
func (c *ConversationService) SaveDraft(ctx context.Context, ownerID, threadID string, version int, st draft.State) error {
	th, err := c.Threads.Get(ctx, ownerID, threadID)
	if err != nil || c.Drafts == nil {
		return err
	}
	if version <= 0 {
		version = th.ActiveVersion
	}
	return c.Drafts.Save(threadID, version, st)
}

// ClearDraft removes the draft of (thread, version).
func (c *ConversationService) ClearDraft(ctx context.Context, ownerID, threadID string, version int) error {
	th, err := c.Threads.Get(ctx, ownerID, threadID)
	if err != nil || c.Drafts == nil {
		return err
	}
	if version <= 0 {
		version = th.ActiveVersion
	}
	return c.Drafts.Clear(threadID, version)
}

// prompt builds the provider messages of a dialog version's path. skipID
// and unfinished messages are left out. Attachments of the latest user turn
// are inlined.
func (c *ConversationService) prompt(ctx context.Context, threadID string, version int, skipID string) ([]llm.Message, error) {
	path, err := c.Messages.Path(ctx, threadID, version)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(path))
	lastUser := -1
	var lastUserID string
	for _, m := range path {
		if m.ID == skipID || m.Status == domain.StatusStreaming || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role == domain.RoleUser {
			lastUser, lastUserID = len(out), m.ID
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	if lastUser >= 0 && c.Attachments != nil {
		c.inline(ctx, &out[lastUser], lastUserID)
	}
	return out, nil
}

func (c *ConversationService) inline(ctx context.Context, msg *llm.Message, messageID string) {
	atts, err := c.Attachments.ForMessage(ctx, messageID)
	if err != nil {
		log.Warn().Err(err).Str("message_id", messageID).Msg("attachments unavailable for prompt")
		return
	}
	limit := c.MaxInlineBytes
	if limit <= 0 {
		limit = DefaultMaxInlineBytes
	}

	var b strings.Builder
	b.WriteString(msg.Content)
	for _, a := range atts {
		if a.Size > limit {
			fmt.Fprintf(&b, "\n\n[Attachment %q skipped: %d bytes exceeds the %d byte limit]", a.Name, a.Size, limit)
			continue
		}
		switch {
		case media.IsImage(a.MimeType):
			ref := a.StorageRef
			if a.PreviewRef != nil {
				ref = *a.PreviewRef
			}
			obj, err := c.Attachments.Open(ctx, ref)
			if err != nil {
				log.Warn().Err(err).Str("attachment_id", a.ID).Msg("image attachment unreadable")
				fmt.Fprintf(&b, "\n\n[Attachment %q could not be read]", a.Name)
				continue
			}
			msg.ImageURLs = append(msg.ImageURLs, "data:"+obj.ContentType+";base64,"+base64.StdEncoding.EncodeToString(obj.Data))
		case isTextLike(a.MimeType):
			obj, err := c.Attachments.Open(ctx, a.StorageRef)
			if err != nil {
				log.Warn().Err(err).Str("attachment_id", a.ID).Msg("text attachment unreadable")
				fmt.Fprintf(&b, "\n\n[Attachment %q could not be read]", a.Name)
				continue
			}
			fmt.Fprintf(&b, "\n\n--- %s ---\n%s", a.Name, obj.Data)
		default:
			fmt.Fprintf(&b, "\n\n[Attachment %q (%s) not included]", a.Name, a.MimeType)
		}
	}
	msg.Content = b.String()
}

func isTextLike(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml",
		"application/javascript", "application/x-sh", "application/sql", "application/toml":
		return true
	}
	return strings.HasSuffix(ct, "+json") || strings.HasSuffix(ct, "+xml")
}
