// Package services – VersionService
//
// This file implements the VersionController. A regeneration creates a new
// dialog version that shares the path up to its anchor with the active
// version and diverges from the first regenerated assistant turn onward.
// Shared messages are never copied: each version stores only its own
// positions and points at its parent for the rest. Switching versions
// recomputes active flags so they equal the target version's path.
package services

import (
	"context"
	"errors"
	"sort"
	"sync"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/repo"
)

// VersionService creates, lists and switches dialog versions.
type VersionService struct {
	DB       *gorm.DB
	Locks    *ThreadLocks
	Notifier ChangeNotifier

	inflight sync.Map // "threadID/anchorID" -> struct{}
}

// NewVersionService returns a VersionService sharing locks with the message log.
func NewVersionService(db *gorm.DB, locks *ThreadLocks) *VersionService {
	return &VersionService{DB: db, Locks: locks}
}

// Regeneration is the outcome of a regenerate call.
type Regeneration struct {
	Version int
	// Placeholder is the new, empty assistant message in streaming status.
	Placeholder *domain.Message
}

// VersionInfo describes one dialog version for navigation.
type VersionInfo struct {
	Version        int  `json:"version"`
	ParentVersion  int  `json:"parent_version"`
	BranchPosition int  `json:"branch_position"`
	IsFirst        bool `json:"is_first"`
	IsLast         bool `json:"is_last"`
	IsActive       bool `json:"is_active"`
}

// VersionList is the navigation view of a thread's versions.
type VersionList struct {
	Versions []VersionInfo `json:"versions"`
	// CurrentIndex is the zero-based index of the active version.
	CurrentIndex int `json:"current_index"`
	Total        int `json:"total"`
	// ShowNavigation is false for single-version threads.
	ShowNavigation bool `json:"show_navigation"`
}

// Regenerate creates a new dialog version branching at anchorID.
func (s *VersionService) Regenerate(ctx context.Context, threadID, anchorID string, model *string) (*Regeneration, error) {
	return s.RegenerateWith(ctx, threadID, anchorID, model, nil)
}

// RegenerateWith is Regenerate followed by after, run while the
// (thread, anchor) lock is still held. The stream that fills the
// placeholder runs in after, so a duplicate call during streaming conflicts.
//
// An assistant anchor is replaced: the new version branches at its
// position. A user anchor is answered anew: the branch starts right after it.
func (s *VersionService) RegenerateWith(ctx context.Context, threadID, anchorID string, model *string, after func(context.Context, *Regeneration) error) (*Regeneration, error) {
	release, err := s.claim(threadID, anchorID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.regenerate(ctx, threadID, anchorID, model, after)
}

// claim marks a regeneration of (threadID, anchorID) in flight.
func (s *VersionService) claim(threadID, anchorID string) (func(), error) {
	if threadID == "" || anchorID == "" {
		return nil, ErrInvalidID
	}
	key := threadID + "/" + anchorID
	if _, busy := s.inflight.LoadOrStore(key, struct{}{}); busy {
		observability.Regenerations.WithLabelValues("conflict").Inc()
		return nil, ErrRegenerateInFlight
	}
	return func() { s.inflight.Delete(key) }, nil
}

// regenerate runs a claimed regeneration.
func (s *VersionService) regenerate(ctx context.Context, threadID, anchorID string, model *string, after func(context.Context, *Regeneration) error) (*Regeneration, error) {
	tr := otel.Tracer("services/VersionService")
	ctx, span := tr.Start(ctx, "Regenerate",
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.String("anchor.id", anchorID),
		),
	)
	defer span.End()

	regen, err := s.branch(ctx, threadID, anchorID, model)
	if err != nil {
		span.RecordError(err)
		observability.Regenerations.WithLabelValues("error").Inc()
		return nil, err
	}
	observability.Regenerations.WithLabelValues("ok").Inc()
	notify(ctx, s.Notifier, threadID)

	if after != nil {
		if err := after(ctx, regen); err != nil {
			return regen, err
		}
	}
	return regen, nil
}

func (s *VersionService) branch(ctx context.Context, threadID, anchorID string, model *string) (*Regeneration, error) {
	unlock := lockThread(s.Locks, threadID)
	defer unlock()

	var out *Regeneration
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		th, err := loadThread(ctx, tx, threadID)
		if err != nil {
			return err
		}
		anchor, err := repo.GetMessage(tx, anchorID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if anchor.ThreadID != threadID {
			return ErrMessageNotFound
		}

		ix, err := loadVersionIndex(ctx, tx, threadID)
		if err != nil {
			return err
		}
		path, err := resolvePath(ctx, tx, threadID, ix, th.ActiveVersion)
		if err != nil {
			return err
		}
		if anchor.Position >= len(path) || path[anchor.Position].ID != anchor.ID {
			return ErrAnchorInactive
		}

		at := anchor.Position
		if anchor.Role == domain.RoleUser {
			at++
		}
		next := th.LastVersion + 1
		if _, err := repo.CreateVersion(ctx, tx, threadID, next, th.ActiveVersion, at, &anchor.ID, model); err != nil {
			return err
		}
		ph, err := repo.CreateMessage(tx, repo.NewMessage{
			ThreadID:      threadID,
			Role:          domain.RoleAssistant,
			DialogVersion: next,
			Position:      at,
			IsActive:      true,
			Model:         model,
			Status:        domain.StatusStreaming,
		})
		if err != nil {
			return err
		}
		ix[next] = domain.DialogVersion{ThreadID: threadID, Version: next, ParentVersion: th.ActiveVersion, BranchPosition: at}

		if err := repo.SetThreadVersions(ctx, tx, threadID, next, next); err != nil {
			return err
		}
		if _, err := activatePath(ctx, tx, threadID, ix, next); err != nil {
			return err
		}
		ph.IsActive = true
		out = &Regeneration{Version: next, Placeholder: ph}
		return nil
	})
	return out, err
}

// SwitchVersion makes target the active dialog version. Switching to the
// already active version is a no-op. A version whose path has a position
// gap is rejected with ErrVersionMisaligned and nothing changes.
func (s *VersionService) SwitchVersion(ctx context.Context, threadID string, target int) error {
	tr := otel.Tracer("services/VersionService")
	ctx, span := tr.Start(ctx, "SwitchVersion",
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.Int("dialog.version", target),
		),
	)
	defer span.End()

	unlock := lockThread(s.Locks, threadID)
	defer unlock()

	changed := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		th, err := loadThread(ctx, tx, threadID)
		if err != nil {
			return err
		}
		ix, err := loadVersionIndex(ctx, tx, threadID)
		if err != nil {
			return err
		}
		if _, ok := ix[target]; !ok {
			return ErrVersionNotFound
		}
		if th.ActiveVersion == target {
			return nil
		}
		if _, err := activatePath(ctx, tx, threadID, ix, target); err != nil {
			return err
		}
		if err := repo.SetThreadVersions(ctx, tx, threadID, target, th.LastVersion); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if changed {
		observability.VersionSwitches.Inc()
		notify(ctx, s.Notifier, threadID)
	}
	return nil
}

// ListVersions returns the thread's versions in ascending order with
// navigation metadata. Message bodies are not loaded.
func (s *VersionService) ListVersions(ctx context.Context, threadID string) (*VersionList, error) {
	th, err := loadThread(ctx, s.DB, threadID)
	if err != nil {
		return nil, err
	}
	vs, err := repo.ListVersions(ctx, s.DB, threadID)
	if err != nil {
		return nil, err
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].Version < vs[j].Version })

	out := &VersionList{Versions: make([]VersionInfo, 0, len(vs)), Total: len(vs)}
	for i, v := range vs {
		active := v.Version == th.ActiveVersion
		if active {
			out.CurrentIndex = i
		}
		out.Versions = append(out.Versions, VersionInfo{
			Version:        v.Version,
			ParentVersion:  v.ParentVersion,
			BranchPosition: v.BranchPosition,
			IsFirst:        i == 0,
			IsLast:         i == len(vs)-1,
			IsActive:       active,
		})
	}
	out.ShowNavigation = out.Total > 1
	return out, nil
}
