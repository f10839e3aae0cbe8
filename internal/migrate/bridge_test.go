package migrate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/services"
)

func newLegacy(t *testing.T) *SQLiteLegacy {
	t.Helper()
	l, err := OpenSQLiteLegacy(filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newStore(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

func seedLegacy(t *testing.T, l *SQLiteLegacy) {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.DB.Create(&[]LegacyThread{
		{ID: "lt1", Title: "Trip plans", CreatedAt: base},
		{ID: "lt2", Title: "Recipes", CreatedAt: base.Add(time.Minute)},
	}).Error)
	require.NoError(t, l.DB.Create(&[]LegacyMessage{
		{ID: "a", ThreadID: "lt1", Role: "user", Content: "Where to go?", CreatedAt: base},
		{ID: "b", ThreadID: "lt1", Role: "assistant", Content: "Lisbon.", CreatedAt: base.Add(time.Second)},
		{ID: "c", ThreadID: "lt1", Role: "user", Content: "When?", CreatedAt: base.Add(2 * time.Second)},
		{ID: "d", ThreadID: "lt2", Role: "user", Content: "Pancakes", CreatedAt: base},
		{ID: "e", ThreadID: "lt2", Role: "system", Content: "Flour, eggs, milk.", CreatedAt: base.Add(time.Second)},
	}).Error)
	require.NoError(t, l.DB.Create(&LegacySummary{ID: "s1", ThreadID: "lt1", MessageID: "b", Content: "Suggested Lisbon"}).Error)
}

func TestBridge_MigratesThroughServices(t *testing.T) {
	l := newLegacy(t)
	seedLegacy(t, l)
	db := newStore(t)

	threads := services.NewThreadService(db, repo.ThreadShim{}, nil)
	msgs := &services.MessageService{DB: db, Locks: services.NewThreadLocks()}
	b := &Bridge{Legacy: l, Threads: threads, Messages: msgs}

	var reports []Progress
	p := b.Migrate(context.Background(), "u1", func(p Progress) { reports = append(reports, p) })

	assert.True(t, p.Done())
	assert.Equal(t, 2, p.TotalThreads)
	assert.Equal(t, 2, p.MigratedThreads)
	assert.Equal(t, 5, p.TotalMessages)
	assert.Equal(t, 5, p.MigratedMessages)
	// totals twice, one per message, one per thread, completion
	assert.Len(t, reports, 2+5+2+1)
	assert.Equal(t, p, reports[len(reports)-1])

	list, err := threads.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	byTitle := map[string]domain.Thread{}
	for _, th := range list {
		byTitle[th.Title] = th
	}
	trip := byTitle["Trip plans"]
	active, err := msgs.ListActive(context.Background(), trip.ID)
	require.NoError(t, err)
	require.Len(t, active, 3)
	for i, m := range active {
		assert.Equal(t, i, m.Position)
		assert.Equal(t, 1, m.DialogVersion)
		assert.True(t, m.IsActive)
	}
	assert.Equal(t, domain.RoleAssistant, active[1].Role)

	sums, err := msgs.Summaries(context.Background(), trip.ID)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, active[1].ID, sums[0].MessageID)

	recipes, err := msgs.ListActive(context.Background(), byTitle["Recipes"].ID)
	require.NoError(t, err)
	require.Len(t, recipes, 2)
	assert.Equal(t, domain.RoleAssistant, recipes[1].Role)

	require.NoError(t, l.Clear(context.Background()))
	has, err := l.HasData(context.Background())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBridge_RunTwice(t *testing.T) {
	l := newLegacy(t)
	seedLegacy(t, l)
	db := newStore(t)
	ctx := context.Background()

	threads := services.NewThreadService(db, repo.ThreadShim{}, nil)
	msgs := &services.MessageService{DB: db, Locks: services.NewThreadLocks()}
	b := &Bridge{Legacy: l, Threads: threads, Messages: msgs}

	for run := 1; run <= 2; run++ {
		p := b.Migrate(ctx, "u1", nil)
		require.True(t, p.Done(), "run %d: %+v", run, p)
		assert.Empty(t, p.Failures)
		assert.Equal(t, 2, p.MigratedThreads)
		assert.Equal(t, 5, p.MigratedMessages)
	}

	list, err := threads.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 4)

	seen := map[string]bool{}
	titles := map[string]int{}
	for _, th := range list {
		assert.False(t, seen[th.ID])
		seen[th.ID] = true
		titles[th.Title]++

		active, err := msgs.ListActive(ctx, th.ID)
		require.NoError(t, err)
		for i, m := range active {
			assert.Equal(t, i, m.Position)
		}
	}
	assert.Equal(t, map[string]int{"Trip plans": 2, "Recipes": 2}, titles)
}

type fakeThreads struct{ n int }

func (f *fakeThreads) Create(_ context.Context, ownerID, title string) (*domain.Thread, error) {
	f.n++
	return &domain.Thread{ID: title, OwnerID: ownerID, Title: title}, nil
}

type fakeWriter struct{ failThread string }

func (f *fakeWriter) Append(_ context.Context, threadID, role, content string, _ int) (*domain.Message, error) {
	if threadID == f.failThread {
		return nil, errors.New("write refused")
	}
	return &domain.Message{ID: threadID + ":" + content, ThreadID: threadID, Role: role, Content: content}, nil
}

func (f *fakeWriter) AddSummary(_ context.Context, threadID, messageID, content string) (*domain.MessageSummary, error) {
	return &domain.MessageSummary{ThreadID: threadID, MessageID: messageID, Content: content}, nil
}

func TestBridge_ThreadFailureIsIsolated(t *testing.T) {
	l := newLegacy(t)
	seedLegacy(t, l)

	b := &Bridge{Legacy: l, Threads: &fakeThreads{}, Messages: &fakeWriter{failThread: "Trip plans"}}
	p := b.Migrate(context.Background(), "u1", nil)

	assert.True(t, p.IsComplete)
	assert.False(t, p.Done())
	assert.Equal(t, 1, p.MigratedThreads)
	assert.Equal(t, "Failed to migrate thread: Trip plans", p.Error)
	require.Len(t, p.Failures, 1)
	assert.ErrorIs(t, p.Failures[0], services.ErrMigrationUnit)
	// Only the second thread's messages were written.
	assert.Equal(t, 2, p.MigratedMessages)
}

func TestBridge_CanceledContext(t *testing.T) {
	l := newLegacy(t)
	seedLegacy(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &Bridge{Legacy: l, Threads: &fakeThreads{}, Messages: &fakeWriter{}}
	p := b.Migrate(ctx, "u1", nil)
	assert.False(t, p.IsComplete)
	assert.NotEmpty(t, p.Error)
	assert.Zero(t, p.MigratedThreads)
}
