package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// ErrDuplicate reports a unique-constraint violation.
var ErrDuplicate = errors.New("duplicate")

// FindReplayKey returns the live key for (userID, threadID, key) or
// ErrNotFound.
func FindReplayKey(ctx context.Context, db *gorm.DB, userID, threadID, key string, now time.Time) (*domain.ReplayKey, error) {
	if strings.TrimSpace(threadID) == "" || key == "" {
		return nil, ErrNotFound
	}
	var rk domain.ReplayKey
	err := db.WithContext(ctx).
		Where("user_id = ? AND thread_id = ? AND key = ? AND expires_at > ?", userID, threadID, key, now).
		Take(&rk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rk, nil
}

// SaveReplayKey binds key to messageID for ttl. An expired row holding the
// same scope is replaced; a live one yields ErrDuplicate.
func SaveReplayKey(ctx context.Context, db *gorm.DB, userID, threadID, key, messageID string, ttl time.Duration) (*domain.ReplayKey, error) {
	now := time.Now().UTC()
	rk := &domain.ReplayKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		ThreadID:  threadID,
		Key:       key,
		MessageID: messageID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND thread_id = ? AND key = ? AND expires_at <= ?", userID, threadID, key, now).
			Delete(&domain.ReplayKey{}).Error; err != nil {
			return err
		}
		return tx.Create(rk).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rk, nil
}

// PruneReplayKeys deletes keys expired at now and returns how many.
func PruneReplayKeys(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.ReplayKey{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure. The
// pure-Go driver reports them as plain text.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") || strings.Contains(low, "constraint failed: unique")
}
