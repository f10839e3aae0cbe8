// Package services – MessageService
//
// This file implements the MessageLog: the ordered, per-thread store of
// messages. It validates input, assigns each new message its conversational
// position on the target dialog version, keeps active flags equal to the
// active version's path, truncates tails for edit-and-resend, and auto-titles
// a thread from its first user prompt while the title is still a placeholder.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// thread identifiers and pagination parameters where applicable.
package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/utils"
)

// MessageService is the MessageLog of every thread.
type MessageService struct {
	DB       *gorm.DB
	Locks    *ThreadLocks
	Notifier ChangeNotifier
	// Cache is invalidated when auto-titling renames a thread.
	Cache *cache.TTL[ThreadPage]

	// MaxPromptRunes rejects longer messages; 0 means unlimited.
	MaxPromptRunes int
	Titles         Titler
}

// AppendInput describes one message to append.
// A non-positive DialogVersion targets the thread's active version.
type AppendInput struct {
	ThreadID      string
	Role          string
	Content       string
	DialogVersion int
	Model         *string
	Status        string
}

// Append validates and stores a message at the end of the given dialog
// version's path.
func (s *MessageService) Append(ctx context.Context, threadID, role, content string, dialogVersion int) (*domain.Message, error) {
	return s.AppendMessage(ctx, AppendInput{
		ThreadID:      threadID,
		Role:          role,
		Content:       content,
		DialogVersion: dialogVersion,
	})
}

// AppendMessage is Append with the full set of message attributes.
// The message is active iff it was appended to the active version.
func (s *MessageService) AppendMessage(ctx context.Context, in AppendInput) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Append",
		trace.WithAttributes(
			attribute.String("thread.id", in.ThreadID),
			attribute.String("role", in.Role),
			attribute.Int("dialog.version", in.DialogVersion),
		),
	)
	defer span.End()

	if strings.TrimSpace(in.ThreadID) == "" {
		return nil, ErrInvalidID
	}
	if in.Role != domain.RoleUser && in.Role != domain.RoleAssistant {
		return nil, ErrInvalidRole
	}
	content := in.Content
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyPrompt
	}
	if in.Role == domain.RoleUser {
		content = strings.TrimSpace(content)
		if s.MaxPromptRunes > 0 && utf8.RuneCountInString(content) > s.MaxPromptRunes {
			return nil, ErrTooLong
		}
	}
	status := in.Status
	if status == "" {
		status = domain.StatusComplete
	}

	unlock := lockThread(s.Locks, in.ThreadID)
	defer unlock()

	var (
		out     *domain.Message
		ownerID string
		renamed bool
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		th, err := loadThread(ctx, tx, in.ThreadID)
		if err != nil {
			return err
		}
		ownerID = th.OwnerID

		v := in.DialogVersion
		if v <= 0 {
			v = th.ActiveVersion
		}
		ix, err := loadVersionIndex(ctx, tx, th.ID)
		if err != nil {
			return err
		}
		if _, ok := ix[v]; !ok {
			return ErrVersionNotFound
		}
		path, err := resolvePath(ctx, tx, th.ID, ix, v)
		if err != nil {
			return err
		}

		m, err := repo.CreateMessage(tx, repo.NewMessage{
			ThreadID:      th.ID,
			Role:          in.Role,
			Content:       content,
			DialogVersion: v,
			Position:      len(path),
			IsActive:      v == th.ActiveVersion,
			Model:         in.Model,
			Status:        status,
		})
		if err != nil {
			return err
		}
		out = m

		if in.Role == domain.RoleUser && s.Titles.Placeholder(th.Title) {
			if title := s.Titles.FromPrompt(content); title != "" {
				if err := tx.Model(&domain.Thread{}).Where("id = ?", th.ID).Update("title", title).Error; err != nil {
					return err
				}
				renamed = true
			}
		}
		return repo.TouchThread(ctx, tx, th.ID)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	observability.MessagesCommitted.WithLabelValues(status).Inc()
	if renamed {
		s.Cache.Invalidate(ownerID)
	}
	notify(ctx, s.Notifier, in.ThreadID)
	return out, nil
}

// Finalize stores the final content and status of a streaming placeholder.
func (s *MessageService) Finalize(ctx context.Context, messageID, content, status string) (*domain.Message, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "Finalize",
		trace.WithAttributes(attribute.String("message.id", messageID), attribute.String("status", status)))
	defer span.End()

	db := s.DB.WithContext(ctx)
	if err := repo.FinalizeMessage(db, messageID, content, status); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	m, err := repo.GetMessage(db, messageID)
	if err != nil {
		return nil, err
	}
	observability.MessagesCommitted.WithLabelValues(status).Inc()
	notify(ctx, s.Notifier, m.ThreadID)
	return m, nil
}

// Get returns a message of the given thread.
func (s *MessageService) Get(ctx context.Context, threadID, messageID string) (*domain.Message, error) {
	m, err := repo.GetMessage(s.DB.WithContext(ctx), messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if m.ThreadID != threadID {
		return nil, ErrMessageNotFound
	}
	return m, nil
}

// List returns every message of a thread, all versions, ordered by creation.
func (s *MessageService) List(ctx context.Context, threadID string) ([]domain.Message, error) {
	if _, err := loadThread(ctx, s.DB, threadID); err != nil {
		return nil, err
	}
	return repo.ListMessages(s.DB.WithContext(ctx), threadID, 0)
}

// ListActive returns the active path of a thread ordered by position.
func (s *MessageService) ListActive(ctx context.Context, threadID string) ([]domain.Message, error) {
	if _, err := loadThread(ctx, s.DB, threadID); err != nil {
		return nil, err
	}
	return repo.ListActiveMessages(s.DB.WithContext(ctx), threadID)
}

// Path returns the messages of one dialog version ordered by position.
func (s *MessageService) Path(ctx context.Context, threadID string, dialogVersion int) ([]domain.Message, error) {
	th, err := loadThread(ctx, s.DB, threadID)
	if err != nil {
		return nil, err
	}
	if dialogVersion <= 0 {
		dialogVersion = th.ActiveVersion
	}
	ix, err := loadVersionIndex(ctx, s.DB, threadID)
	if err != nil {
		return nil, err
	}
	if _, ok := ix[dialogVersion]; !ok {
		return nil, ErrVersionNotFound
	}
	return resolvePath(ctx, s.DB, threadID, ix, dialogVersion)
}

// ListPage returns a page of the active path of a thread.
func (s *MessageService) ListPage(ctx context.Context, threadID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := utils.Offset(page, pageSize)

	if _, err := loadThread(ctx, s.DB, threadID); err != nil {
		return nil, 0, err
	}

	total, err := repo.CountMessages(s.DB.WithContext(ctx), threadID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(s.DB.WithContext(ctx), threadID, offset, pageSize)
	return items, total, err
}

// DeleteAfter truncates the path holding the anchor at the anchor's
// position. With inclusive the anchor's own position goes too. The path is
// the active one when the anchor is active, else the anchor's own version.
// Versions whose path runs through a removed message are truncated with it;
// sibling versions that branched off below the cut keep their messages.
// Summaries and attachments of the removed messages are deleted with them.
// Versions that only held removed positions are dropped; if the active
// version is among them, its nearest surviving ancestor becomes active.
// It returns the number of removed messages.
func (s *MessageService) DeleteAfter(ctx context.Context, threadID, anchorID string, inclusive bool) (int, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "DeleteAfter",
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.String("anchor.id", anchorID),
			attribute.Bool("inclusive", inclusive),
		),
	)
	defer span.End()

	unlock := lockThread(s.Locks, threadID)
	defer unlock()

	var removed int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		th, err := loadThread(ctx, tx, threadID)
		if err != nil {
			return err
		}
		anchor, err := repo.GetMessage(tx, anchorID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if anchor.ThreadID != threadID {
			return ErrMessageNotFound
		}

		from := anchor.Position + 1
		if inclusive {
			from = anchor.Position
		}
		ix, err := loadVersionIndex(ctx, tx, threadID)
		if err != nil {
			return err
		}
		target := anchor.DialogVersion
		if anchor.IsActive {
			target = th.ActiveVersion
		}
		cut, err := ix.cutFrom(target, from)
		if err != nil {
			return err
		}
		versions := make([]int, 0, len(cut))
		for v := range cut {
			versions = append(versions, v)
		}
		ids, err := repo.MessageIDsFromPosition(tx, threadID, versions, from)
		if err != nil {
			return err
		}
		if err := repo.DeleteAttachmentsForMessages(ctx, tx, ids); err != nil {
			return err
		}
		if err := repo.DeleteMessages(tx, ids); err != nil {
			return err
		}
		removed = len(ids)

		doomed := map[int]bool{}
		for v := range cut {
			if dv := ix[v]; dv.ParentVersion != 0 && dv.BranchPosition >= from {
				doomed[v] = true
			}
		}
		survivor := func(v int) int {
			for v != 0 && doomed[v] {
				v = ix[v].ParentVersion
			}
			return v
		}
		for v, dv := range ix {
			if doomed[v] {
				continue
			}
			if p := survivor(dv.ParentVersion); p != dv.ParentVersion {
				if err := repo.SetVersionParent(ctx, tx, threadID, v, p); err != nil {
					return err
				}
				dv.ParentVersion = p
				ix[v] = dv
			}
		}
		active := survivor(th.ActiveVersion)

		gone := make([]int, 0, len(doomed))
		for v := range doomed {
			gone = append(gone, v)
		}
		if err := repo.DeleteVersions(ctx, tx, threadID, gone); err != nil {
			return err
		}
		for _, v := range gone {
			delete(ix, v)
		}
		if err := repo.SetThreadVersions(ctx, tx, threadID, active, th.LastVersion); err != nil {
			return err
		}
		_, err = activatePath(ctx, tx, threadID, ix, active)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	notify(ctx, s.Notifier, threadID)
	return removed, nil
}

// AddSummary stores (or replaces) the derived summary of a message.
func (s *MessageService) AddSummary(ctx context.Context, threadID, messageID, content string) (*domain.MessageSummary, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyPrompt
	}
	if _, err := s.Get(ctx, threadID, messageID); err != nil {
		return nil, err
	}
	return repo.UpsertSummary(s.DB.WithContext(ctx), threadID, messageID, content)
}

// Summaries returns the summaries of a thread.
func (s *MessageService) Summaries(ctx context.Context, threadID string) ([]domain.MessageSummary, error) {
	return repo.ListSummaries(s.DB.WithContext(ctx), threadID)
}
