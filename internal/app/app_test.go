package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-chat-sync/internal/config"
	"github.com/tbourn/go-chat-sync/internal/draft"
	"github.com/tbourn/go-chat-sync/internal/llm"
	"github.com/tbourn/go-chat-sync/internal/repo"
)

func newApp(t *testing.T, noEvents bool) *App {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repo.AutoMigrate(db))

	drafts, err := draft.Open("drafts", draft.WithFS(vfs.NewMem()))
	require.NoError(t, err)

	cfg := config.Config{MaxPromptRunes: 1000, FlushInterval: time.Millisecond}
	a, err := New(cfg, db, Options{Provider: llm.Echo{}, Drafts: drafts, NoEvents: noEvents})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_WiresEvents(t *testing.T) {
	assert.Nil(t, newApp(t, true).Hub)
	a := newApp(t, false)
	require.NotNil(t, a.Hub)
	assert.NotNil(t, a.Conversation.Drafts)
}

func TestNewProvider(t *testing.T) {
	_, echo := NewProvider(config.LLMConfig{}).(llm.Echo)
	assert.True(t, echo, "no credentials selects the echo provider")

	_, echo = NewProvider(config.LLMConfig{APIKey: "sk-test"}).(llm.Echo)
	assert.False(t, echo)
	_, echo = NewProvider(config.LLMConfig{RequireKey: true}).(llm.Echo)
	assert.False(t, echo)
}

func TestSweep_PrunesExpiredReplayKeys(t *testing.T) {
	a := newApp(t, true)
	ctx := context.Background()

	_, err := repo.SaveReplayKey(ctx, a.DB, "u1", "t1", "old", "m1", -time.Minute)
	require.NoError(t, err)
	_, err = repo.SaveReplayKey(ctx, a.DB, "u1", "t1", "live", "m2", time.Hour)
	require.NoError(t, err)

	res, err := a.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Orphans: 0, ReplayKeys: 1}, res)

	_, err = repo.FindReplayKey(ctx, a.DB, "u1", "t1", "live", time.Now().UTC())
	assert.NoError(t, err)
}

func TestHousekeep_StopsWithContext(t *testing.T) {
	a := newApp(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Housekeep(ctx, time.Millisecond, time.Hour)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Housekeep did not return after cancel")
	}

	// Disabled interval returns immediately.
	a.Housekeep(context.Background(), 0, time.Hour)
}
