// Package services defines the business logic for threads, the message log,
// dialog versions, streaming and attachments. This file centralizes the
// service-level error taxonomy so callers can branch with errors.Is.
//
// Every specific error wraps exactly one taxonomy sentinel. Translation into
// HTTP status codes happens in the handler layer.
package services

import (
	"errors"
	"fmt"
	"strings"
)

// Taxonomy sentinels.
var (
	// ErrValidation marks input rejected before any side effect.
	ErrValidation = errors.New("validation error")

	// ErrUpstreamProvider marks a model provider failure (pre- or mid-stream).
	ErrUpstreamProvider = errors.New("upstream provider error")

	// ErrNotFound marks an operation on a missing thread, message or version.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict marks a duplicate in-flight regeneration.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStorage marks a persistence or object-store failure.
	ErrStorage = errors.New("storage error")

	// ErrMigrationUnit marks the failure of one migrated legacy thread.
	ErrMigrationUnit = errors.New("migration unit error")
)

// Specific errors.
var (
	ErrThreadNotFound  = fmt.Errorf("thread %w", ErrNotFound)
	ErrMessageNotFound = fmt.Errorf("message %w", ErrNotFound)
	ErrVersionNotFound = fmt.Errorf("dialog version %w", ErrNotFound)

	ErrEmptyPrompt    = fmt.Errorf("%w: prompt is empty", ErrValidation)
	ErrTooLong        = fmt.Errorf("%w: prompt too long", ErrValidation)
	ErrInvalidRole    = fmt.Errorf("%w: role must be user or assistant", ErrValidation)
	ErrMissingKey     = fmt.Errorf("%w: missing provider credential", ErrValidation)
	ErrInvalidID      = fmt.Errorf("%w: malformed id", ErrValidation)
	ErrAnchorInactive = fmt.Errorf("%w: anchor must be on the active path", ErrValidation)
	ErrNotEditable    = fmt.Errorf("%w: only user messages can be edited", ErrValidation)
	ErrEmptyUpload    = fmt.Errorf("%w: empty file", ErrValidation)
	ErrNoAttachment   = fmt.Errorf("%w: no attachment ids", ErrValidation)

	// ErrVersionMisaligned is returned when a version's path has a gap,
	// e.g. after a truncation removed part of its parent's prefix.
	ErrVersionMisaligned = fmt.Errorf("%w: dialog version positions are not contiguous", ErrValidation)

	ErrRegenerateInFlight = fmt.Errorf("%w: regeneration already in progress for this anchor", ErrConcurrencyConflict)
	ErrCascadeFailed      = fmt.Errorf("%w: thread delete cascade failed", ErrStorage)
)

// UpstreamError reports a provider failure. Partial holds the message that
// was committed from content received before the failure, if any.
type UpstreamError struct {
	Err     error
	Partial *Partial
}

// Partial identifies the partially committed message.
type Partial struct {
	MessageID string
	Content   string
}

func (e *UpstreamError) Error() string {
	if e.Partial != nil {
		return fmt.Sprintf("upstream provider error (partial message %s committed): %v", e.Partial.MessageID, e.Err)
	}
	return fmt.Sprintf("upstream provider error: %v", e.Err)
}

// Is makes errors.Is(err, ErrUpstreamProvider) hold.
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamProvider }

func (e *UpstreamError) Unwrap() error { return e.Err }

// FileError records the failure of one file in an upload batch.
type FileError struct {
	Name string
	Err  error
}

// BatchUploadError lists the files of a batch that failed. The other files
// of the batch were stored.
type BatchUploadError struct {
	Failed []FileError
}

func (e *BatchUploadError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		names = append(names, f.Name)
	}
	return fmt.Sprintf("%d upload(s) failed: %s", len(e.Failed), strings.Join(names, ", "))
}

// Is makes errors.Is(err, ErrStorage) hold.
func (e *BatchUploadError) Is(target error) bool { return target == ErrStorage }
