package migrate

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/repo"
)

// LegacyThread is a thread of the local-only export.
type LegacyThread struct {
	ID        string `gorm:"primaryKey"`
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName implements the GORM tabler interface.
func (LegacyThread) TableName() string { return "legacy_threads" }

// LegacyMessage is a message of the local-only export.
type LegacyMessage struct {
	ID        string `gorm:"primaryKey"`
	ThreadID  string `gorm:"index"`
	Role      string
	Content   string
	CreatedAt time.Time
}

// TableName implements the GORM tabler interface.
func (LegacyMessage) TableName() string { return "legacy_messages" }

// LegacySummary is a per-message summary of the local-only export.
type LegacySummary struct {
	ID        string `gorm:"primaryKey"`
	ThreadID  string `gorm:"index"`
	MessageID string
	Content   string
	CreatedAt time.Time
}

// TableName implements the GORM tabler interface.
func (LegacySummary) TableName() string { return "legacy_message_summaries" }

// LegacyStore is the source of a migration.
type LegacyStore interface {
	Threads(ctx context.Context) ([]LegacyThread, error)
	// Messages returns a thread's messages oldest first.
	Messages(ctx context.Context, threadID string) ([]LegacyMessage, error)
	Summaries(ctx context.Context, threadID string) ([]LegacySummary, error)
	HasData(ctx context.Context) (bool, error)
	// Clear empties the store; callers do so only after a complete,
	// error-free run.
	Clear(ctx context.Context) error
}

// SQLiteLegacy reads a legacy export kept in a SQLite file.
type SQLiteLegacy struct {
	DB *gorm.DB
}

// OpenSQLiteLegacy opens the export at path, creating the legacy tables
// when missing.
func OpenSQLiteLegacy(path string) (*SQLiteLegacy, error) {
	db, err := repo.OpenSQLite(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open legacy export %s", path)
	}
	l := &SQLiteLegacy{DB: db}
	if err := l.EnsureSchema(); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// EnsureSchema creates the legacy tables.
func (l *SQLiteLegacy) EnsureSchema() error {
	return pkgerrors.Wrap(l.DB.AutoMigrate(&LegacyThread{}, &LegacyMessage{}, &LegacySummary{}), "migrate legacy schema")
}

// Close releases the underlying connection pool.
func (l *SQLiteLegacy) Close() error {
	sqlDB, err := l.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (l *SQLiteLegacy) Threads(ctx context.Context) ([]LegacyThread, error) {
	var out []LegacyThread
	err := l.DB.WithContext(ctx).Order("created_at ASC").Find(&out).Error
	return out, pkgerrors.Wrap(err, "list legacy threads")
}

func (l *SQLiteLegacy) Messages(ctx context.Context, threadID string) ([]LegacyMessage, error) {
	var out []LegacyMessage
	err := l.DB.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC").
		Find(&out).Error
	return out, pkgerrors.Wrapf(err, "list legacy messages of %s", threadID)
}

func (l *SQLiteLegacy) Summaries(ctx context.Context, threadID string) ([]LegacySummary, error) {
	var out []LegacySummary
	err := l.DB.WithContext(ctx).Where("thread_id = ?", threadID).Find(&out).Error
	return out, pkgerrors.Wrapf(err, "list legacy summaries of %s", threadID)
}

func (l *SQLiteLegacy) HasData(ctx context.Context) (bool, error) {
	var n int64
	err := l.DB.WithContext(ctx).Model(&LegacyThread{}).Count(&n).Error
	return n > 0, pkgerrors.Wrap(err, "count legacy threads")
}

func (l *SQLiteLegacy) Clear(ctx context.Context) error {
	return l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []string{"legacy_message_summaries", "legacy_messages", "legacy_threads"} {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return pkgerrors.Wrapf(err, "clear %s", table)
			}
		}
		return nil
	})
}

var _ LegacyStore = (*SQLiteLegacy)(nil)
