// Package repo is the GORM persistence layer of the conversation store:
// threads, dialog versions, messages, attachments, stored objects and replay
// keys. Functions take the *gorm.DB (or transaction) to run on.
package repo

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

const (
	maxOpenConns = 10
	// slowQuery is the duration above which a statement is logged.
	slowQuery = 200 * time.Millisecond
)

// sqlitePragmas are applied through the DSN so every pooled connection
// gets them, not only the first.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// OpenSQLite opens or creates the SQLite database at path with WAL
// journaling, foreign keys and a bounded pool. The parent directory must
// exist.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, pkgerrors.Wrap(err, "database directory")
		}
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{Logger: queryLogger()})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open %s", path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "sql handle")
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func sqliteDSN(path string) string {
	q := url.Values{"_pragma": sqlitePragmas}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// gormWriter logs GORM's slow-query and error lines at warn level.
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...any) {
	log.Warn().Str("component", "gorm").Msgf(format, args...)
}

// queryLogger routes GORM output to zerolog. Missing rows are expected and
// not logged.
func queryLogger() logger.Interface {
	return logger.New(gormWriter{}, logger.Config{
		SlowThreshold:             slowQuery,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// EnableTracing registers the OpenTelemetry GORM plugin so every query
// becomes a child span of the calling request.
func EnableTracing(db *gorm.DB) error {
	return db.Use(tracing.NewPlugin(tracing.WithoutMetrics()))
}

// AutoMigrate creates or updates every table of the store.
func AutoMigrate(db *gorm.DB) error {
	return pkgerrors.Wrap(db.AutoMigrate(
		&domain.Thread{},
		&domain.DialogVersion{},
		&domain.Message{},
		&domain.MessageSummary{},
		&domain.Attachment{},
		&domain.StoredObject{},
		&domain.ReplayKey{},
	), "auto-migrate")
}
