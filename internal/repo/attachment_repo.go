// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Attachment and StoredObject models.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// CreateAttachment inserts an attachment row. MessageID is normally nil at
// this point; it is bound later by AssociateAttachments.
func CreateAttachment(ctx context.Context, db *gorm.DB, a *domain.Attachment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(a).Error
}

// ListAttachments returns the attachments of a thread in upload order.
func ListAttachments(ctx context.Context, db *gorm.DB, threadID string) ([]domain.Attachment, error) {
	var out []domain.Attachment
	err := db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// ListMessageAttachments returns the attachments bound to a message.
func ListMessageAttachments(ctx context.Context, db *gorm.DB, messageID string) ([]domain.Attachment, error) {
	var out []domain.Attachment
	err := db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// GetAttachments loads attachments by id.
func GetAttachments(ctx context.Context, db *gorm.DB, ids []string) ([]domain.Attachment, error) {
	var out []domain.Attachment
	if len(ids) == 0 {
		return out, nil
	}
	err := db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error
	return out, err
}

// AssociateAttachments binds still-orphaned attachments to messageID and
// returns the number of rows changed. Attachments that already carry a
// message id are left untouched.
func AssociateAttachments(ctx context.Context, db *gorm.DB, ids []string, messageID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Model(&domain.Attachment{}).
		Where("id IN ? AND message_id IS NULL", ids).
		Update("message_id", messageID)
	return res.RowsAffected, res.Error
}

// ListOrphans returns attachments without a message that were created
// before cutoff.
func ListOrphans(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]domain.Attachment, error) {
	var out []domain.Attachment
	err := db.WithContext(ctx).
		Where("message_id IS NULL AND created_at < ?", cutoff).
		Find(&out).Error
	return out, err
}

// DeleteAttachmentsForMessages removes attachments bound to the given
// messages together with their stored objects.
func DeleteAttachmentsForMessages(ctx context.Context, db *gorm.DB, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	var atts []domain.Attachment
	if err := db.WithContext(ctx).Where("message_id IN ?", messageIDs).Find(&atts).Error; err != nil {
		return err
	}
	return DeleteAttachments(ctx, db, atts)
}

// DeleteAttachments removes the given attachment rows and their objects.
func DeleteAttachments(ctx context.Context, db *gorm.DB, atts []domain.Attachment) error {
	if len(atts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(atts))
	refs := make([]string, 0, len(atts)*2)
	for _, a := range atts {
		ids = append(ids, a.ID)
		refs = append(refs, a.StorageRef)
		if a.PreviewRef != nil {
			refs = append(refs, *a.PreviewRef)
		}
	}
	if err := DeleteObjects(ctx, db, refs); err != nil {
		return err
	}
	return db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.Attachment{}).Error
}

// PutObject stores a blob under ref.
func PutObject(ctx context.Context, db *gorm.DB, ref, contentType string, data []byte) error {
	obj := &domain.StoredObject{
		Ref:         ref,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(obj).Error
}

// GetObject loads a blob by ref, or ErrNotFound.
func GetObject(ctx context.Context, db *gorm.DB, ref string) (*domain.StoredObject, error) {
	var obj domain.StoredObject
	if err := db.WithContext(ctx).Where("ref = ?", ref).First(&obj).Error; err != nil {
		return nil, err
	}
	return &obj, nil
}

// ObjectExists reports whether a blob with ref is stored.
func ObjectExists(ctx context.Context, db *gorm.DB, ref string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.StoredObject{}).Where("ref = ?", ref).Count(&n).Error
	return n > 0, err
}

// DeleteObjects removes blobs by ref. Missing refs are ignored.
func DeleteObjects(ctx context.Context, db *gorm.DB, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	return db.WithContext(ctx).Where("ref IN ?", refs).Delete(&domain.StoredObject{}).Error
}
