package main

import (
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-sync/internal/app"
	"github.com/tbourn/go-chat-sync/internal/config"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/sysutil"
)

// env is what every subcommand runs on.
type env struct {
	cfg config.Config
	app *app.App
}

// setup loads configuration, opens and migrates the database and assembles
// the services. The returned close func releases both.
func setup(opts app.Options) (*env, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "load config")
	}
	sysutil.SetupLogging(sysutil.LogOptions{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "sql handle")
	}
	closeDB := func() {
		if err := sqlDB.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}

	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			closeDB()
			return nil, nil, pkgerrors.Wrap(err, "gorm tracing")
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		closeDB()
		return nil, nil, err
	}

	a, err := app.New(cfg, db, opts)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	closeAll := func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close app")
		}
		closeDB()
	}
	return &env{cfg: cfg, app: a}, closeAll, nil
}
