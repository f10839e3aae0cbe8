// Package services – AttachmentService
//
// This file implements the AttachmentLinker. Uploads happen before the
// owning message exists: BeginUpload stores the original (mandatory) and a
// downscaled preview (best-effort) and records an orphan attachment.
// Associate binds orphans to the message once its id is known. Orphans that
// never get bound are removed by SweepOrphans after a grace period.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/media"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/storage"
)

// ObjectStore stores attachment payloads.
type ObjectStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) (*storage.Object, error)
	Delete(ctx context.Context, refs ...string) error
	ResolveURL(ref string) string
}

// Upload is one file of an upload batch.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// AttachmentService links uploaded files to threads and messages.
type AttachmentService struct {
	DB      *gorm.DB
	Store   ObjectStore
	Preview media.Options
	// Concurrency bounds parallel uploads within a batch.
	Concurrency int
}

// BeginUpload stores one file for threadID and returns the orphan attachment.
func (s *AttachmentService) BeginUpload(ctx context.Context, threadID string, f Upload) (*domain.Attachment, error) {
	ctx, span := otel.Tracer("services/AttachmentService").Start(ctx, "BeginUpload",
		trace.WithAttributes(attribute.String("thread.id", threadID), attribute.String("file.name", f.Name)))
	defer span.End()

	if _, err := loadThread(ctx, s.DB, threadID); err != nil {
		return nil, err
	}
	return s.upload(ctx, threadID, f)
}

func (s *AttachmentService) upload(ctx context.Context, threadID string, f Upload) (*domain.Attachment, error) {
	if len(f.Data) == 0 {
		return nil, ErrEmptyUpload
	}
	ct := strings.TrimSpace(f.ContentType)
	if ct == "" {
		ct = "application/octet-stream"
	}

	ref, err := s.Store.Put(ctx, f.Data, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	a := &domain.Attachment{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		StorageRef: ref,
		Name:       f.Name,
		MimeType:   ct,
		Size:       int64(len(f.Data)),
		CreatedAt:  time.Now().UTC(),
	}
	if media.IsImage(ct) {
		if w, h, ok := media.Dimensions(f.Data); ok {
			a.Width, a.Height = &w, &h
		}
	}

	// Preview is best-effort: the original is already stored.
	if media.NeedsPreview(ct, a.Size, s.Preview) {
		if p, perr := media.MakePreview(f.Data, ct, s.Preview); perr != nil {
			observability.AttachmentUploads.WithLabelValues("preview_failed").Inc()
			log.Warn().Err(perr).Str("thread_id", threadID).Str("file", f.Name).Msg("preview generation failed")
		} else if p != nil {
			pref, perr := s.Store.Put(ctx, p.Data, p.ContentType)
			if perr != nil {
				observability.AttachmentUploads.WithLabelValues("preview_failed").Inc()
				log.Warn().Err(perr).Str("thread_id", threadID).Str("file", f.Name).Msg("preview upload failed")
			} else {
				a.PreviewRef = &pref
			}
		}
	}

	if err := repo.CreateAttachment(ctx, s.DB, a); err != nil {
		refs := []string{ref}
		if a.PreviewRef != nil {
			refs = append(refs, *a.PreviewRef)
		}
		_ = s.Store.Delete(ctx, refs...)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	observability.AttachmentUploads.WithLabelValues("ok").Inc()
	s.resolve(a)
	return a, nil
}

// Upload stores a batch of files. Files are independent: the stored ones
// are returned even when others fail, and the failures are reported in a
// *BatchUploadError.
func (s *AttachmentService) Upload(ctx context.Context, threadID string, files []Upload) ([]domain.Attachment, error) {
	if _, err := loadThread(ctx, s.DB, threadID); err != nil {
		return nil, err
	}

	results := make([]*domain.Attachment, len(files))
	errs := make([]error, len(files))

	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i := range files {
		i := i
		g.Go(func() error {
			results[i], errs[i] = s.upload(gctx, threadID, files[i])
			return nil
		})
	}
	_ = g.Wait()

	out := make([]domain.Attachment, 0, len(files))
	var failed []FileError
	for i, a := range results {
		if errs[i] != nil {
			observability.AttachmentUploads.WithLabelValues("failed").Inc()
			log.Warn().Err(errs[i]).Str("thread_id", threadID).Str("file", files[i].Name).Msg("attachment upload failed")
			failed = append(failed, FileError{Name: files[i].Name, Err: errs[i]})
			continue
		}
		out = append(out, *a)
	}
	if len(failed) > 0 {
		return out, &BatchUploadError{Failed: failed}
	}
	return out, nil
}

// Associate binds orphan attachments to messageID. Attachments already bound
// to a message are left as they are, so repeating the call is a no-op.
// It returns the number of newly bound attachments.
func (s *AttachmentService) Associate(ctx context.Context, ids []string, messageID string) (int64, error) {
	if len(ids) == 0 {
		return 0, ErrNoAttachment
	}
	m, err := repo.GetMessage(s.DB.WithContext(ctx), messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, ErrMessageNotFound
		}
		return 0, err
	}
	atts, err := repo.GetAttachments(ctx, s.DB, ids)
	if err != nil {
		return 0, err
	}
	if len(atts) != len(uniq(ids)) {
		return 0, fmt.Errorf("attachment %w", ErrNotFound)
	}
	for _, a := range atts {
		if a.ThreadID != m.ThreadID {
			return 0, fmt.Errorf("%w: attachment %s belongs to another thread", ErrValidation, a.ID)
		}
	}
	return repo.AssociateAttachments(ctx, s.DB, ids, messageID)
}

// Resolve returns the attachments of a thread with resolved URLs.
func (s *AttachmentService) Resolve(ctx context.Context, threadID string) ([]domain.Attachment, error) {
	if _, err := loadThread(ctx, s.DB, threadID); err != nil {
		return nil, err
	}
	atts, err := repo.ListAttachments(ctx, s.DB, threadID)
	if err != nil {
		return nil, err
	}
	for i := range atts {
		s.resolve(&atts[i])
	}
	return atts, nil
}

// ForMessage returns the attachments bound to a message with resolved URLs.
func (s *AttachmentService) ForMessage(ctx context.Context, messageID string) ([]domain.Attachment, error) {
	atts, err := repo.ListMessageAttachments(ctx, s.DB, messageID)
	if err != nil {
		return nil, err
	}
	for i := range atts {
		s.resolve(&atts[i])
	}
	return atts, nil
}

// Open loads a stored object by reference.
func (s *AttachmentService) Open(ctx context.Context, ref string) (*storage.Object, error) {
	return s.Store.Get(ctx, ref)
}

// SweepOrphans deletes attachments that were never associated with a
// message and are older than olderThan. It returns the number removed.
func (s *AttachmentService) SweepOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	var n int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orphans, err := repo.ListOrphans(ctx, tx, time.Now().UTC().Add(-olderThan))
		if err != nil {
			return err
		}
		n = len(orphans)
		return repo.DeleteAttachments(ctx, tx, orphans)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("swept orphan attachments")
	}
	return n, nil
}

func (s *AttachmentService) resolve(a *domain.Attachment) {
	a.URL = s.Store.ResolveURL(a.StorageRef)
	if a.PreviewRef != nil {
		a.PreviewURL = s.Store.ResolveURL(*a.PreviewRef)
	}
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
