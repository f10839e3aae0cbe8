package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// ThreadShim adapts the thread free functions to the services.ThreadRepo
// interface, keeping services decoupled from this package.
type ThreadShim struct{}

// CreateThread proxies CreateThread.
func (ThreadShim) CreateThread(ctx context.Context, db *gorm.DB, ownerID, title string, system bool) (*domain.Thread, error) {
	return CreateThread(ctx, db, ownerID, title, system)
}

// GetThread proxies GetThread.
func (ThreadShim) GetThread(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.Thread, error) {
	return GetThread(ctx, db, id, ownerID)
}

// ListThreads proxies ListThreads.
func (ThreadShim) ListThreads(ctx context.Context, db *gorm.DB, ownerID string) ([]domain.Thread, error) {
	return ListThreads(ctx, db, ownerID)
}

// CountThreads proxies CountThreads (pagination support).
func (ThreadShim) CountThreads(ctx context.Context, db *gorm.DB, ownerID string) (int64, error) {
	return CountThreads(ctx, db, ownerID)
}

// ListThreadsPage proxies ListThreadsPage (pagination support).
func (ThreadShim) ListThreadsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.Thread, error) {
	return ListThreadsPage(ctx, db, ownerID, offset, limit)
}

// UpdateThreadTitle proxies UpdateThreadTitle.
func (ThreadShim) UpdateThreadTitle(ctx context.Context, db *gorm.DB, id, ownerID, title string) error {
	return UpdateThreadTitle(ctx, db, id, ownerID, title)
}

// SetThreadPinned proxies SetThreadPinned.
func (ThreadShim) SetThreadPinned(ctx context.Context, db *gorm.DB, id, ownerID string, pinned bool) error {
	return SetThreadPinned(ctx, db, id, ownerID, pinned)
}

// DeleteThreadCascade proxies DeleteThreadCascade.
func (ThreadShim) DeleteThreadCascade(ctx context.Context, db *gorm.DB, id string) error {
	return DeleteThreadCascade(ctx, db, id)
}
