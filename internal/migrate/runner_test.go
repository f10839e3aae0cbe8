package migrate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/services"
)

type failingWriter struct {
	MessageWriter
}

func (failingWriter) Append(context.Context, string, string, string, int) (*domain.Message, error) {
	return nil, errors.New("disk full")
}

func legacyFile(t *testing.T, seed bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.db")
	l, err := OpenSQLiteLegacy(path)
	require.NoError(t, err)
	if seed {
		seedLegacy(t, l)
	}
	require.NoError(t, l.Close())
	return path
}

func countLegacy(t *testing.T, path string) bool {
	t.Helper()
	l, err := OpenSQLiteLegacy(path)
	require.NoError(t, err)
	defer l.Close()
	has, err := l.HasData(context.Background())
	require.NoError(t, err)
	return has
}

func TestRunner_MigrateFileClearsOnSuccess(t *testing.T) {
	db := newStore(t)
	threads := services.NewThreadService(db, repo.ThreadShim{}, nil)
	r := &Runner{Threads: threads, Messages: &services.MessageService{DB: db, Locks: services.NewThreadLocks()}}
	path := legacyFile(t, true)

	p, err := r.MigrateFile(context.Background(), "u1", path, nil)
	require.NoError(t, err)
	assert.True(t, p.Done())
	assert.Equal(t, 2, p.MigratedThreads)
	assert.False(t, countLegacy(t, path), "export must be cleared after a clean run")

	// A second run finds nothing and creates nothing.
	p, err = r.MigrateFile(context.Background(), "u1", path, nil)
	require.NoError(t, err)
	assert.True(t, p.IsComplete)
	assert.Zero(t, p.TotalThreads)
	list, err := threads.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRunner_MigrateFileKeepsExportOnFailure(t *testing.T) {
	db := newStore(t)
	r := &Runner{
		Threads:  services.NewThreadService(db, repo.ThreadShim{}, nil),
		Messages: failingWriter{},
	}
	path := legacyFile(t, true)

	p, err := r.MigrateFile(context.Background(), "u1", path, nil)
	require.NoError(t, err)
	assert.True(t, p.IsComplete)
	assert.False(t, p.Done())
	assert.Len(t, p.Failures, 2)
	assert.True(t, countLegacy(t, path), "export must survive a failed run")
}

func TestRunner_MigrateFileEmptyExport(t *testing.T) {
	db := newStore(t)
	r := &Runner{
		Threads:  services.NewThreadService(db, repo.ThreadShim{}, nil),
		Messages: &services.MessageService{DB: db, Locks: services.NewThreadLocks()},
	}
	var got []Progress
	p, err := r.MigrateFile(context.Background(), "u1", legacyFile(t, false), func(p Progress) { got = append(got, p) })
	require.NoError(t, err)
	assert.True(t, p.Done())
	assert.Len(t, got, 1)
}
