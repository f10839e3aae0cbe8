// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Thread
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a thread is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Usage:
//
//	th, err := repo.CreateThread(ctx, db, ownerID, "My first thread", false)
//	if errors.Is(err, repo.ErrNotFound) {
//	    // handle missing
//	} else if err != nil {
//	    // handle DB failure
//	}
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateThread inserts a new Thread row owned by ownerID together with its
// root dialog version (version 1). Both rows are written in one transaction.
func CreateThread(ctx context.Context, db *gorm.DB, ownerID, title string, system bool) (*domain.Thread, error) {
	now := time.Now().UTC()
	th := &domain.Thread{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Title:          title,
		IsSystemThread: system,
		ActiveVersion:  1,
		LastVersion:    1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(th).Error; err != nil {
			return err
		}
		root := &domain.DialogVersion{
			ID:        uuid.NewString(),
			ThreadID:  th.ID,
			Version:   1,
			CreatedAt: now,
		}
		return tx.Create(root).Error
	})
	if err != nil {
		return nil, err
	}
	return th, nil
}

// GetThread fetches a single thread by its ID and owner. System threads are
// visible to every owner. If the record does not exist, it returns
// ErrNotFound.
func GetThread(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.Thread, error) {
	var th domain.Thread
	err := db.WithContext(ctx).
		Where("id = ? AND (owner_id = ? OR is_system_thread = ?)", id, ownerID, true).
		First(&th).Error
	if err != nil {
		return nil, err
	}
	return &th, nil
}

// GetThreadByID fetches a thread without an ownership check. Used by
// internal components that already established ownership.
func GetThreadByID(ctx context.Context, db *gorm.DB, id string) (*domain.Thread, error) {
	var th domain.Thread
	if err := db.WithContext(ctx).Where("id = ?", id).First(&th).Error; err != nil {
		return nil, err
	}
	return &th, nil
}

// ListThreads returns all threads belonging to ownerID, pinned first, then
// by creation time descending.
func ListThreads(ctx context.Context, db *gorm.DB, ownerID string) ([]domain.Thread, error) {
	var out []domain.Thread
	err := db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("pinned desc, created_at desc").
		Find(&out).Error
	return out, err
}

// CountThreads returns the total number of threads owned by ownerID.
func CountThreads(ctx context.Context, db *gorm.DB, ownerID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Thread{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error
	return total, err
}

// ListThreadsPage returns a paginated slice of threads for ownerID, ordered
// like ListThreads. The caller computes offset and limit.
func ListThreadsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.Thread, error) {
	var out []domain.Thread
	err := db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("pinned desc, created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateThreadTitle updates the title of a thread owned by ownerID. It
// returns ErrNotFound when no row matched.
func UpdateThreadTitle(ctx context.Context, db *gorm.DB, id, ownerID, title string) error {
	return updateOwned(ctx, db, id, ownerID, map[string]any{"title": title})
}

// SetThreadPinned toggles the pinned flag of a thread owned by ownerID.
func SetThreadPinned(ctx context.Context, db *gorm.DB, id, ownerID string, pinned bool) error {
	return updateOwned(ctx, db, id, ownerID, map[string]any{"pinned": pinned})
}

func updateOwned(ctx context.Context, db *gorm.DB, id, ownerID string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Thread{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetThreadParent records the thread id was cloned from.
func SetThreadParent(ctx context.Context, db *gorm.DB, id, parentID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Thread{}).
		Where("id = ?", id).
		Update("parent_thread_id", parentID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetThreadVersions stores the active and last allocated dialog versions.
func SetThreadVersions(ctx context.Context, db *gorm.DB, id string, active, last int) error {
	res := db.WithContext(ctx).
		Model(&domain.Thread{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"active_version": active,
			"last_version":   last,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TouchThread bumps UpdatedAt so listing ETags change after message writes.
func TouchThread(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.Thread{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
}

// DeleteThreadCascade removes a thread and every row that belongs to it:
// stored objects referenced by its attachments, attachments, summaries,
// messages, dialog versions and idempotency records. The caller is expected
// to pass a transaction handle so the cascade is all-or-nothing.
func DeleteThreadCascade(ctx context.Context, db *gorm.DB, id string) error {
	tx := db.WithContext(ctx)

	var refs []string
	if err := tx.Model(&domain.Attachment{}).Where("thread_id = ?", id).Pluck("storage_ref", &refs).Error; err != nil {
		return err
	}
	var previews []string
	if err := tx.Model(&domain.Attachment{}).
		Where("thread_id = ? AND preview_ref IS NOT NULL", id).
		Pluck("preview_ref", &previews).Error; err != nil {
		return err
	}
	if err := DeleteObjects(ctx, tx, append(refs, previews...)); err != nil {
		return err
	}

	for _, model := range []any{
		&domain.Attachment{},
		&domain.MessageSummary{},
		&domain.Message{},
		&domain.DialogVersion{},
		&domain.ReplayKey{},
	} {
		if err := tx.Where("thread_id = ?", id).Delete(model).Error; err != nil {
			return err
		}
	}

	res := tx.Where("id = ?", id).Delete(&domain.Thread{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
