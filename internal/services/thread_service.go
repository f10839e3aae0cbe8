// Package services – ThreadService
//
// This file implements the ThreadStore: thread metadata CRUD with title
// normalization, ownership checks, a cascading delete, and a TTL cache in
// front of the paginated thread list. Every mutation invalidates the owner's
// cached pages.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/search"
	"github.com/tbourn/go-chat-sync/internal/utils"
)

const (
	defaultTitleNew      = "New chat"
	defaultTitleUntitled = "Untitled"
)

// ThreadRepo defines the repository contract required by ThreadService.
type ThreadRepo interface {
	// CreateThread inserts a thread and its root dialog version.
	CreateThread(ctx context.Context, db *gorm.DB, ownerID, title string, system bool) (*domain.Thread, error)

	// GetThread fetches a thread visible to ownerID (owned or system).
	GetThread(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.Thread, error)

	// ListThreads returns all threads of the owner (non-paginated).
	ListThreads(ctx context.Context, db *gorm.DB, ownerID string) ([]domain.Thread, error)

	// CountThreads returns the total number of threads for pagination.
	CountThreads(ctx context.Context, db *gorm.DB, ownerID string) (int64, error)

	// ListThreadsPage returns a page of the owner's threads.
	ListThreadsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.Thread, error)

	// UpdateThreadTitle renames a thread owned by ownerID.
	UpdateThreadTitle(ctx context.Context, db *gorm.DB, id, ownerID, title string) error

	// SetThreadPinned toggles the pinned flag of a thread owned by ownerID.
	SetThreadPinned(ctx context.Context, db *gorm.DB, id, ownerID string, pinned bool) error

	// DeleteThreadCascade removes a thread and everything that belongs to it.
	DeleteThreadCascade(ctx context.Context, db *gorm.DB, id string) error
}

// ThreadPage is one cached page of an owner's thread list.
type ThreadPage struct {
	Items []domain.Thread
	Total int64
}

// ThreadService provides thread-level operations.
type ThreadService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the thread repository used by this service.
	Repo ThreadRepo
	// Cache holds listing pages per owner; nil disables caching.
	Cache *cache.TTL[ThreadPage]
	// Notifier is told when a thread is renamed or deleted.
	Notifier ChangeNotifier
	// Locks is the per-thread write lock table; deleted threads leave it.
	Locks *ThreadLocks

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
}

// NewThreadService constructs a ThreadService with default title handling.
func NewThreadService(db *gorm.DB, r ThreadRepo, c *cache.TTL[ThreadPage]) *ThreadService {
	return &ThreadService{
		DB:          db,
		Repo:        r,
		Cache:       c,
		TitleMaxLen: 60,
	}
}

// Create inserts a new thread owned by ownerID.
// Titles are normalized, clipped, and default to "New chat".
func (s *ThreadService) Create(ctx context.Context, ownerID, title string) (*domain.Thread, error) {
	return s.create(ctx, ownerID, title, false)
}

// CreateSystem inserts a system-owned thread visible to every user.
func (s *ThreadService) CreateSystem(ctx context.Context, title string) (*domain.Thread, error) {
	return s.create(ctx, domain.SystemOwnerID, title, true)
}

func (s *ThreadService) create(ctx context.Context, ownerID, title string, system bool) (*domain.Thread, error) {
	ctx, span := otel.Tracer("services/ThreadService").Start(ctx, "Create",
		trace.WithAttributes(attribute.String("owner.id", ownerID), attribute.Bool("system", system)))
	defer span.End()

	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrInvalidID
	}
	title = normalizeTitle(title)
	if title == "" {
		title = defaultTitleNew
	}
	th, err := s.Repo.CreateThread(ctx, s.DB, ownerID, s.clip(title), system)
	if err != nil {
		return nil, err
	}
	s.Cache.Invalidate(ownerID)
	return th, nil
}

// Get returns a thread visible to ownerID.
func (s *ThreadService) Get(ctx context.Context, ownerID, threadID string) (*domain.Thread, error) {
	th, err := s.Repo.GetThread(ctx, s.DB, threadID, ownerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	return th, nil
}

// List returns all threads for an owner (non-paginated).
func (s *ThreadService) List(ctx context.Context, ownerID string) ([]domain.Thread, error) {
	return s.Repo.ListThreads(ctx, s.DB, ownerID)
}

// ListPage returns a page of threads for an owner together with the total.
// Pages are served from the cache until it expires or a mutation
// invalidates it.
func (s *ThreadService) ListPage(ctx context.Context, ownerID string, page, pageSize int) ([]domain.Thread, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	key := fmt.Sprintf("%d:%d", page, pageSize)
	if p, ok := s.Cache.Get(ownerID, key); ok {
		return p.Items, p.Total, nil
	}

	total, err := s.Repo.CountThreads(ctx, s.DB, ownerID)
	if err != nil {
		return nil, 0, err
	}
	items := []domain.Thread{}
	if total > 0 {
		items, err = s.Repo.ListThreadsPage(ctx, s.DB, ownerID, utils.Offset(page, pageSize), pageSize)
		if err != nil {
			return nil, 0, err
		}
	}
	s.Cache.Set(ownerID, key, ThreadPage{Items: items, Total: total})
	return items, total, nil
}

// Rename updates a thread's title. A blank title becomes "Untitled".
func (s *ThreadService) Rename(ctx context.Context, ownerID, threadID, title string) error {
	title = normalizeTitle(title)
	if title == "" {
		title = defaultTitleUntitled
	}
	if err := s.Repo.UpdateThreadTitle(ctx, s.DB, threadID, ownerID, s.clip(title)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrThreadNotFound
		}
		return err
	}
	s.Cache.Invalidate(ownerID)
	notify(ctx, s.Notifier, threadID)
	return nil
}

// SetPinned toggles the pinned flag of a thread owned by ownerID.
func (s *ThreadService) SetPinned(ctx context.Context, ownerID, threadID string, pinned bool) error {
	if err := s.Repo.SetThreadPinned(ctx, s.DB, threadID, ownerID, pinned); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrThreadNotFound
		}
		return err
	}
	s.Cache.Invalidate(ownerID)
	return nil
}

// Delete removes a thread owned by ownerID with all its messages, versions,
// summaries and attachments. The cascade runs in one transaction: on any
// failure nothing is removed and ErrCascadeFailed is returned so the caller
// retries the whole delete.
func (s *ThreadService) Delete(ctx context.Context, ownerID, threadID string) error {
	ctx, span := otel.Tracer("services/ThreadService").Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("thread.id", threadID), attribute.String("owner.id", ownerID)))
	defer span.End()

	th, err := s.Get(ctx, ownerID, threadID)
	if err != nil {
		return err
	}
	if th.OwnerID != ownerID {
		// System threads are readable by everyone but deletable only by the system owner.
		return ErrThreadNotFound
	}

	unlock := lockThread(s.Locks, threadID)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.Repo.DeleteThreadCascade(ctx, tx, threadID)
	})
	if err == nil {
		s.Locks.Forget(threadID)
	}
	unlock()
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrThreadNotFound
		}
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrCascadeFailed, err)
	}
	s.Cache.Invalidate(ownerID)
	notify(ctx, s.Notifier, threadID)
	return nil
}

// Search ranks the owner's threads by title and active message content.
func (s *ThreadService) Search(ctx context.Context, ownerID, query string, k int) ([]search.Result, error) {
	ctx, span := otel.Tracer("services/ThreadService").Start(ctx, "Search",
		trace.WithAttributes(attribute.String("owner.id", ownerID)))
	defer span.End()

	threads, err := s.Repo.ListThreads(ctx, s.DB, ownerID)
	if err != nil {
		return nil, err
	}
	docs := make([]search.Document, 0, len(threads)*4)
	for _, th := range threads {
		docs = append(docs, search.Document{ID: th.ID, Field: search.FieldTitle, Text: th.Title})
		msgs, err := repo.ListActiveMessages(s.DB.WithContext(ctx), th.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			docs = append(docs, search.Document{ID: th.ID, Field: search.FieldMessage, Text: m.Content})
		}
	}
	return search.New(docs).TopK(query, k), nil
}

// clip truncates a title to the configured maximum rune length.
func (s *ThreadService) clip(title string) string {
	return clipRunes(title, s.TitleMaxLen)
}

func clipRunes(s string, max int) string {
	if max > 0 && utf8.RuneCountInString(s) > max {
		return string([]rune(s)[:max])
	}
	return s
}

// normalizeTitle trims whitespace and collapses multiple spaces to one.
func normalizeTitle(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
