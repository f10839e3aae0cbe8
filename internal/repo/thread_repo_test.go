package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

func newThreadRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("thread_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func allModels() []any {
	return []any{
		&domain.Thread{}, &domain.DialogVersion{}, &domain.Message{}, &domain.MessageSummary{},
		&domain.Attachment{}, &domain.StoredObject{}, &domain.ReplayKey{},
	}
}

func TestCreateThread_Error_NoTable(t *testing.T) {
	db := newThreadRepoDB(t /* no migrations */)
	th, err := CreateThread(context.Background(), db, "u1", "t", false)
	if err == nil || th != nil {
		t.Fatalf("expected error creating without table, got thread=%v err=%v", th, err)
	}
}

func TestCreateThread_PersistsWithRootVersion(t *testing.T) {
	db := newThreadRepoDB(t, allModels()...)
	ctx := context.Background()

	th, err := CreateThread(ctx, db, "u1", "My Thread", false)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if th.ID == "" || th.OwnerID != "u1" || th.Title != "My Thread" || th.ActiveVersion != 1 || th.LastVersion != 1 {
		t.Fatalf("unexpected thread: %+v", th)
	}

	vs, err := ListVersions(ctx, db, th.ID)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(vs) != 1 || vs[0].Version != 1 || vs[0].ParentVersion != 0 || vs[0].BranchPosition != 0 {
		t.Fatalf("expected single root version, got %+v", vs)
	}
}

func TestGetThread_OwnershipAndSystemVisibility(t *testing.T) {
	db := newThreadRepoDB(t, allModels()...)
	ctx := context.Background()

	own, _ := CreateThread(ctx, db, "u1", "mine", false)
	sys, _ := CreateThread(ctx, db, domain.SystemOwnerID, "welcome", true)

	if _, err := GetThread(ctx, db, own.ID, "u1"); err != nil {
		t.Fatalf("owner should see thread: %v", err)
	}
	if _, err := GetThread(ctx, db, own.ID, "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other owner, got %v", err)
	}
	if _, err := GetThread(ctx, db, sys.ID, "u2"); err != nil {
		t.Fatalf("system thread should be visible to everyone: %v", err)
	}
	if _, err := GetThreadByID(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListThreadsPage_PinnedFirstThenNewest(t *testing.T) {
	db := newThreadRepoDB(t, allModels()...)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	seed := []domain.Thread{
		{ID: "a", OwnerID: "u1", Title: "a", CreatedAt: base},
		{ID: "b", OwnerID: "u1", Title: "b", CreatedAt: base.Add(time.Hour)},
		{ID: "c", OwnerID: "u1", Title: "c", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "x", OwnerID: "u2", Title: "x", CreatedAt: base.Add(3 * time.Hour)},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := SetThreadPinned(ctx, db, "a", "u1", true); err != nil {
		t.Fatalf("SetThreadPinned: %v", err)
	}

	total, err := CountThreads(ctx, db, "u1")
	if err != nil || total != 3 {
		t.Fatalf("CountThreads = %d, %v; want 3", total, err)
	}
	page, err := ListThreadsPage(ctx, db, "u1", 0, 2)
	if err != nil {
		t.Fatalf("ListThreadsPage: %v", err)
	}
	if len(page) != 2 || page[0].ID != "a" || page[1].ID != "c" {
		t.Fatalf("unexpected order: %+v", page)
	}
	all, _ := ListThreads(ctx, db, "u1")
	if len(all) != 3 || all[2].ID != "b" {
		t.Fatalf("unexpected full list: %+v", all)
	}
}

func TestUpdateThreadTitle_SuccessAndNotFound(t *testing.T) {
	db := newThreadRepoDB(t, allModels()...)
	ctx := context.Background()
	th, _ := CreateThread(ctx, db, "u1", "old", false)

	if err := UpdateThreadTitle(ctx, db, th.ID, "u1", "new"); err != nil {
		t.Fatalf("UpdateThreadTitle: %v", err)
	}
	got, _ := GetThreadByID(ctx, db, th.ID)
	if got.Title != "new" {
		t.Fatalf("title not updated: %+v", got)
	}
	if err := UpdateThreadTitle(ctx, db, th.ID, "u2", "hijack"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong owner, got %v", err)
	}
}

func TestSetThreadVersions(t *testing.T) {
	db := newThreadRepoDB(t, allModels()...)
	ctx := context.Background()
	th, _ := CreateThread(ctx, db, "u1", "t", false)

	if err := SetThreadVersions(ctx, db, th.ID, 2, 3); err != nil {
		t.Fatalf("SetThreadVersions: %v", err)
	}
	got, _ := GetThreadByID(ctx, db, th.ID)
	if got.ActiveVersion != 2 || got.LastVersion != 3 {
		t.Fatalf("unexpected versions: %+v", got)
	}
	if err := SetThreadVersions(ctx, db, "missing", 1, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetThreadParent(t *testing.T) {
	db := newThreadRepoDB(t, allModels()...)
	ctx := context.Background()
	src, _ := CreateThread(ctx, db, "u1", "source", false)
	th, _ := CreateThread(ctx, db, "u1", "copy", false)

	if err := SetThreadParent(ctx, db, th.ID, src.ID); err != nil {
		t.Fatalf("SetThreadParent: %v", err)
	}
	got, _ := GetThreadByID(ctx, db, th.ID)
	if got.ParentThreadID == nil || *got.ParentThreadID != src.ID {
		t.Fatalf("unexpected parent: %+v", got.ParentThreadID)
	}
	if err := SetThreadParent(ctx, db, "missing", src.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteThreadCascade_RemovesEverything(t *testing.T) {
	db := newThreadRepoDB(t, allModels()...)
	ctx := context.Background()

	th, _ := CreateThread(ctx, db, "u1", "t", false)
	other, _ := CreateThread(ctx, db, "u1", "keep", false)

	m, err := CreateMessage(db, NewMessage{ThreadID: th.ID, Role: domain.RoleUser, Content: "hi", DialogVersion: 1, IsActive: true})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if _, err := UpsertSummary(db, th.ID, m.ID, "greeting"); err != nil {
		t.Fatalf("UpsertSummary: %v", err)
	}
	if err := PutObject(ctx, db, "obj-1", "text/plain", []byte("abc")); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	preview := "obj-2"
	if err := PutObject(ctx, db, preview, "image/jpeg", []byte("jpg")); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if err := CreateAttachment(ctx, db, &domain.Attachment{ID: "a1", ThreadID: th.ID, StorageRef: "obj-1", PreviewRef: &preview, Name: "f", MimeType: "text/plain", Size: 3}); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}
	if _, err := CreateMessage(db, NewMessage{ThreadID: other.ID, Role: domain.RoleUser, Content: "stay", DialogVersion: 1, IsActive: true}); err != nil {
		t.Fatalf("CreateMessage other: %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error { return DeleteThreadCascade(ctx, tx, th.ID) })
	if err != nil {
		t.Fatalf("DeleteThreadCascade: %v", err)
	}

	for _, model := range []any{&domain.Message{}, &domain.MessageSummary{}, &domain.Attachment{}, &domain.DialogVersion{}} {
		var n int64
		db.Model(model).Where("thread_id = ?", th.ID).Count(&n)
		if n != 0 {
			t.Fatalf("expected no %T rows left, got %d", model, n)
		}
	}
	var objs int64
	db.Model(&domain.StoredObject{}).Count(&objs)
	if objs != 0 {
		t.Fatalf("expected stored objects to be deleted, got %d", objs)
	}
	if _, err := GetThreadByID(ctx, db, th.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("thread should be gone, got %v", err)
	}
	msgs, _ := ListMessages(db, other.ID, 0)
	if len(msgs) != 1 {
		t.Fatalf("other thread must be untouched, got %d messages", len(msgs))
	}

	// Deleting again reports not found.
	if err := DeleteThreadCascade(ctx, db, th.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
