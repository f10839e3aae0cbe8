// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// DialogVersion model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// CreateVersion inserts a dialog version record. A duplicate (thread,
// version) pair surfaces as ErrDuplicate.
func CreateVersion(ctx context.Context, db *gorm.DB, threadID string, version, parent, branch int, anchorID, model *string) (*domain.DialogVersion, error) {
	v := &domain.DialogVersion{
		ID:              uuid.NewString(),
		ThreadID:        threadID,
		Version:         version,
		ParentVersion:   parent,
		BranchPosition:  branch,
		AnchorMessageID: anchorID,
		Model:           model,
		CreatedAt:       time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(v).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return v, nil
}

// ListVersions returns all dialog versions of a thread ordered by number.
func ListVersions(ctx context.Context, db *gorm.DB, threadID string) ([]domain.DialogVersion, error) {
	var out []domain.DialogVersion
	err := db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("version ASC").
		Find(&out).Error
	return out, err
}

// DeleteVersions removes the given version numbers of a thread.
func DeleteVersions(ctx context.Context, db *gorm.DB, threadID string, versions []int) error {
	if len(versions) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Where("thread_id = ? AND version IN ?", threadID, versions).
		Delete(&domain.DialogVersion{}).Error
}

// SetVersionParent rewires a version to a new parent.
func SetVersionParent(ctx context.Context, db *gorm.DB, threadID string, version, parent int) error {
	return db.WithContext(ctx).
		Model(&domain.DialogVersion{}).
		Where("thread_id = ? AND version = ?", threadID, version).
		Update("parent_version", parent).Error
}
