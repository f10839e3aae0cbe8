// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// and MessageSummary models.
package repo

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// NewMessage describes a message row to insert.
type NewMessage struct {
	ThreadID      string
	Role          string
	Content       string
	DialogVersion int
	Position      int
	IsActive      bool
	Model         *string
	Status        string
}

// CreateMessage inserts a new message row.
func CreateMessage(db *gorm.DB, in NewMessage) (*domain.Message, error) {
	status := in.Status
	if status == "" {
		status = domain.StatusComplete
	}
	now := time.Now().UTC()
	m := &domain.Message{
		ID:            uuid.NewString(),
		ThreadID:      in.ThreadID,
		Role:          in.Role,
		Content:       in.Content,
		DialogVersion: in.DialogVersion,
		Position:      in.Position,
		IsActive:      in.IsActive,
		Model:         in.Model,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return m, db.Create(m).Error
}

// GetMessage fetches a message by ID.
func GetMessage(db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns every message of a thread, across all dialog
// versions, ordered deterministically (CreatedAt ASC, ID ASC).
func ListMessages(db *gorm.DB, threadID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.Where("thread_id = ?", threadID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListMessagesByVersions returns the messages stored under the given
// dialog versions, ordered by position.
func ListMessagesByVersions(db *gorm.DB, threadID string, versions []int) ([]domain.Message, error) {
	var out []domain.Message
	if len(versions) == 0 {
		return out, nil
	}
	err := db.
		Where("thread_id = ? AND dialog_version IN ?", threadID, versions).
		Order("position ASC, created_at ASC").
		Find(&out).Error
	return out, err
}

// ListActiveMessages returns the active path of a thread ordered by position.
func ListActiveMessages(db *gorm.DB, threadID string) ([]domain.Message, error) {
	var out []domain.Message
	err := db.
		Where("thread_id = ? AND is_active = ?", threadID, true).
		Order("position ASC").
		Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
// Only active messages are counted, matching ListMessagesPage.
func CountMessages(db *gorm.DB, threadID string) (int64, error) {
	var total int64
	err := db.Raw("SELECT COUNT(*) FROM messages WHERE thread_id = ? AND is_active = ?", threadID, true).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice of the active path ordered by
// position.
func ListMessagesPage(db *gorm.DB, threadID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.
		Where("thread_id = ? AND is_active = ?", threadID, true).
		Order("position ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// FinalizeMessage stores the final content and status of a message that
// was created as a streaming placeholder.
func FinalizeMessage(db *gorm.DB, id, content, status string) error {
	res := db.Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"content":    content,
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeactivateMessages clears the active flag on every message of a thread.
func DeactivateMessages(db *gorm.DB, threadID string) error {
	return db.Model(&domain.Message{}).
		Where("thread_id = ? AND is_active = ?", threadID, true).
		Update("is_active", false).Error
}

// ActivateMessages sets the active flag on the given message ids.
func ActivateMessages(db *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.Model(&domain.Message{}).
		Where("id IN ?", ids).
		Update("is_active", true).Error
}

// MessageIDsFromPosition returns the ids of the messages of the given
// dialog versions whose position is >= from.
func MessageIDsFromPosition(db *gorm.DB, threadID string, versions []int, from int) ([]string, error) {
	if len(versions) == 0 {
		return nil, nil
	}
	var ids []string
	err := db.Model(&domain.Message{}).
		Where("thread_id = ? AND dialog_version IN ? AND position >= ?", threadID, versions, from).
		Pluck("id", &ids).Error
	return ids, err
}

// DeleteMessages removes the given messages together with their summaries.
func DeleteMessages(db *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := db.Where("message_id IN ?", ids).Delete(&domain.MessageSummary{}).Error; err != nil {
		return err
	}
	return db.Where("id IN ?", ids).Delete(&domain.Message{}).Error
}

// UpsertSummary creates or replaces the summary of a message.
func UpsertSummary(db *gorm.DB, threadID, messageID, content string) (*domain.MessageSummary, error) {
	var s domain.MessageSummary
	err := db.Where("message_id = ?", messageID).First(&s).Error
	switch {
	case err == nil:
		s.Content = content
		return &s, db.Model(&s).Update("content", content).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		s = domain.MessageSummary{
			ID:        uuid.NewString(),
			ThreadID:  threadID,
			MessageID: messageID,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}
		return &s, db.Create(&s).Error
	default:
		return nil, err
	}
}

// ListSummaries returns all summaries of a thread ordered by creation time.
func ListSummaries(db *gorm.DB, threadID string) ([]domain.MessageSummary, error) {
	var out []domain.MessageSummary
	err := db.Where("thread_id = ?", threadID).Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}
