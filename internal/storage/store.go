// Package storage implements the object store used for attachment payloads.
//
// Objects live in the application database (table "objects") and are served
// back by the HTTP layer at <PublicBaseURL>/files/<ref>.
package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/repo"
)

// ErrNotFound is returned for unknown references.
var ErrNotFound = errors.New("storage: object not found")

// Object is a stored payload.
type Object struct {
	Ref         string
	ContentType string
	Data        []byte
}

// DBStore keeps objects as blobs in the database.
type DBStore struct {
	DB *gorm.DB
	// BaseURL prefixes resolved URLs, e.g. "https://chat.example.com/api/v1".
	BaseURL string
	// MaxBytes rejects larger payloads when positive.
	MaxBytes int64
}

// NewDBStore returns a database-backed object store.
func NewDBStore(db *gorm.DB, baseURL string, maxBytes int64) *DBStore {
	return &DBStore{DB: db, BaseURL: strings.TrimRight(baseURL, "/"), MaxBytes: maxBytes}
}

// ErrTooLarge is returned when a payload exceeds MaxBytes.
var ErrTooLarge = errors.New("storage: object too large")

// Put stores data and returns its new opaque reference.
func (s *DBStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if s.MaxBytes > 0 && int64(len(data)) > s.MaxBytes {
		return "", ErrTooLarge
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ref := uuid.NewString()
	if err := repo.PutObject(ctx, s.DB, ref, contentType, data); err != nil {
		return "", pkgerrors.Wrapf(err, "put object %s", ref)
	}
	return ref, nil
}

// Get loads an object.
func (s *DBStore) Get(ctx context.Context, ref string) (*Object, error) {
	o, err := repo.GetObject(ctx, s.DB, ref)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, pkgerrors.Wrapf(err, "get object %s", ref)
	}
	return toObject(o), nil
}

// Delete removes objects; unknown references are ignored.
func (s *DBStore) Delete(ctx context.Context, refs ...string) error {
	return pkgerrors.Wrap(repo.DeleteObjects(ctx, s.DB, refs), "delete objects")
}

// ResolveURL returns the public URL of ref, or "" for an empty reference.
func (s *DBStore) ResolveURL(ref string) string {
	if ref == "" {
		return ""
	}
	return s.BaseURL + "/files/" + ref
}

func toObject(o *domain.StoredObject) *Object {
	return &Object{Ref: o.Ref, ContentType: o.ContentType, Data: o.Data}
}
