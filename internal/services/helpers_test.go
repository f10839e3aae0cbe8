package services

import (
	"context"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/llm"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/storage"
)

// newTestDB opens a migrated SQLite file private to the test. A file
// database (rather than shared-cache memory) keeps concurrent writers from
// failing on table locks.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// recorder is a ChangeNotifier and FlushSink that remembers what it saw.
type recorder struct {
	changed []string
	flushed []string
}

func (r *recorder) ThreadChanged(_ context.Context, threadID string) {
	r.changed = append(r.changed, threadID)
}

func (r *recorder) StreamFlushed(_ context.Context, _, _, content string) {
	r.flushed = append(r.flushed, content)
}

type testStack struct {
	db       *gorm.DB
	threads  *ThreadService
	msgs     *MessageService
	versions *VersionService
	streams  *StreamService
	atts     *AttachmentService
	conv     *ConversationService
}

func newStack(t *testing.T, provider llm.Provider) *testStack {
	t.Helper()
	db := newTestDB(t)
	locks := NewThreadLocks()

	threads := NewThreadService(db, repo.ThreadShim{}, nil)
	threads.Locks = locks
	msgs := &MessageService{DB: db, Locks: locks}
	versions := NewVersionService(db, locks)
	streams := &StreamService{Log: msgs, Provider: provider, DefaultModel: "test-model"}
	atts := &AttachmentService{DB: db, Store: storage.NewDBStore(db, "http://localhost/api/v1", 0)}

	return &testStack{
		db:       db,
		threads:  threads,
		msgs:     msgs,
		versions: versions,
		streams:  streams,
		atts:     atts,
		conv: &ConversationService{
			Threads:     threads,
			Messages:    msgs,
			Versions:    versions,
			Streams:     streams,
			Attachments: atts,
		},
	}
}

func (s *testStack) thread(t *testing.T, owner string) *domain.Thread {
	t.Helper()
	th, err := s.threads.Create(context.Background(), owner, "")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return th
}

func (s *testStack) append(t *testing.T, threadID, role, content string) *domain.Message {
	t.Helper()
	m, err := s.msgs.Append(context.Background(), threadID, role, content, 0)
	if err != nil {
		t.Fatalf("append %s %q: %v", role, content, err)
	}
	return m
}

func (s *testStack) active(t *testing.T, threadID string) []domain.Message {
	t.Helper()
	ms, err := s.msgs.ListActive(context.Background(), threadID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	return ms
}

func (s *testStack) reload(t *testing.T, threadID string) *domain.Thread {
	t.Helper()
	th, err := repo.GetThreadByID(context.Background(), s.db, threadID)
	if err != nil {
		t.Fatalf("reload thread: %v", err)
	}
	return th
}

func contents(ms []domain.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Content
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
