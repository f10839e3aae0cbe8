package migrate

import (
	"context"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Runner migrates legacy export files.
type Runner struct {
	Threads  ThreadCreator
	Messages MessageWriter
	// CountConcurrency is passed on to the Bridge.
	CountConcurrency int
}

// MigrateFile migrates the export at path to ownerID. An export without
// threads reports a complete, empty run. The export is cleared only after a
// complete run without errors, so a failed run can be retried.
func (r *Runner) MigrateFile(ctx context.Context, ownerID, path string, onProgress func(Progress)) (Progress, error) {
	legacy, err := OpenSQLiteLegacy(path)
	if err != nil {
		return Progress{}, err
	}
	defer func() {
		if err := legacy.Close(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("close legacy export")
		}
	}()

	has, err := legacy.HasData(ctx)
	if err != nil {
		return Progress{}, err
	}
	if !has {
		p := Progress{IsComplete: true}
		if onProgress != nil {
			onProgress(p)
		}
		return p, nil
	}

	b := &Bridge{Legacy: legacy, Threads: r.Threads, Messages: r.Messages, CountConcurrency: r.CountConcurrency}
	p := b.Migrate(ctx, ownerID, onProgress)
	if !p.Done() {
		log.Warn().Str("path", path).Str("error", p.Error).Int("failed_threads", len(p.Failures)).Msg("legacy export kept for retry")
		return p, nil
	}
	if err := legacy.Clear(ctx); err != nil {
		return p, pkgerrors.Wrap(err, "clear legacy export")
	}
	log.Info().Str("path", path).Int("threads", p.MigratedThreads).Int("messages", p.MigratedMessages).Msg("legacy export migrated")
	return p, nil
}
