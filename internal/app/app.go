// Package app assembles the conversation services from configuration: the
// thread store, message log, version controller, stream assembler,
// attachment linker, draft cache, live events and the migration runner.
// Both the HTTP server and the CLI build on it.
package app

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/config"
	"github.com/tbourn/go-chat-sync/internal/draft"
	"github.com/tbourn/go-chat-sync/internal/events"
	"github.com/tbourn/go-chat-sync/internal/llm"
	"github.com/tbourn/go-chat-sync/internal/media"
	"github.com/tbourn/go-chat-sync/internal/migrate"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/services"
	"github.com/tbourn/go-chat-sync/internal/storage"
)

// Options overrides parts of the assembly, mainly for tests.
type Options struct {
	// Provider replaces the provider chosen from configuration.
	Provider llm.Provider
	// Drafts replaces the on-disk draft cache.
	Drafts *draft.Cache
	// NoEvents disables the live event hub.
	NoEvents bool
}

// App holds the assembled services.
type App struct {
	DB           *gorm.DB
	Threads      *services.ThreadService
	Messages     *services.MessageService
	Versions     *services.VersionService
	Streams      *services.StreamService
	Attachments  *services.AttachmentService
	Conversation *services.ConversationService
	Migrator     *migrate.Runner

	// Hub is nil when events are disabled.
	Hub *events.Hub
	// Drafts is nil when no draft directory is configured.
	Drafts *draft.Cache
}

// NewProvider picks the model provider: the OpenAI-compatible endpoint when
// a key or base URL is configured (or keys are required per request), the
// local echo provider otherwise.
func NewProvider(cfg config.LLMConfig) llm.Provider {
	if cfg.APIKey != "" || cfg.BaseURL != "" || cfg.RequireKey {
		return llm.NewOpenAI(cfg.BaseURL, cfg.APIKey)
	}
	log.Warn().Msg("no provider credential configured; replies echo the prompt")
	return llm.Echo{}
}

// New assembles the services on db, which must already be migrated.
func New(cfg config.Config, db *gorm.DB, opts Options) (*App, error) {
	a := &App{DB: db}

	var pages *cache.TTL[services.ThreadPage]
	if cfg.ThreadCacheTTL > 0 {
		pages = cache.NewTTL[services.ThreadPage](cfg.ThreadCacheTTL)
	}
	locks := services.NewThreadLocks()

	a.Threads = services.NewThreadService(db, repo.ThreadShim{}, pages)
	a.Threads.Locks = locks
	a.Messages = &services.MessageService{
		DB:             db,
		Locks:          locks,
		Cache:          pages,
		MaxPromptRunes: cfg.MaxPromptRunes,
		Titles:         services.Titler{Locale: language.English, MaxRunes: a.Threads.TitleMaxLen},
	}
	a.Versions = services.NewVersionService(db, locks)

	provider := opts.Provider
	if provider == nil {
		provider = NewProvider(cfg.LLM)
	}
	a.Streams = &services.StreamService{
		Log:           a.Messages,
		Provider:      provider,
		FlushInterval: cfg.FlushInterval,
		DefaultModel:  cfg.LLM.DefaultModel,
		APIKey:        cfg.LLM.APIKey,
		RequireKey:    cfg.LLM.RequireKey,
	}
	a.Attachments = &services.AttachmentService{
		DB:    db,
		Store: storage.NewDBStore(db, cfg.PublicBaseURL, cfg.Attachments.MaxBytes),
		Preview: media.Options{
			MinBytes: cfg.Attachments.PreviewMinBytes,
			MaxDim:   cfg.Attachments.PreviewMaxDim,
		},
	}

	if !opts.NoEvents {
		a.Hub = events.NewHub(a.Messages.ListActive, log.Logger)
		a.Threads.Notifier = a.Hub
		a.Messages.Notifier = a.Hub
		a.Versions.Notifier = a.Hub
		a.Streams.Sink = a.Hub
	}

	a.Drafts = opts.Drafts
	if a.Drafts == nil && cfg.DraftDir != "" {
		d, err := draft.Open(cfg.DraftDir)
		if err != nil {
			a.closeHub()
			return nil, pkgerrors.Wrap(err, "open draft cache")
		}
		a.Drafts = d
	}

	a.Conversation = &services.ConversationService{
		Threads:        a.Threads,
		Messages:       a.Messages,
		Versions:       a.Versions,
		Streams:        a.Streams,
		Attachments:    a.Attachments,
		MaxInlineBytes: cfg.Attachments.MaxBytes,
	}
	// A nil *draft.Cache must not become a non-nil DraftStore.
	if a.Drafts != nil {
		a.Conversation.Drafts = a.Drafts
	}
	a.Migrator = &migrate.Runner{Threads: a.Threads, Messages: a.Messages}
	return a, nil
}

// SweepResult counts what one Sweep removed.
type SweepResult struct {
	Orphans    int
	ReplayKeys int64
}

// Sweep deletes uploads never bound to a message that are older than grace,
// and replay keys past their TTL.
func (a *App) Sweep(ctx context.Context, grace time.Duration) (SweepResult, error) {
	var res SweepResult
	n, err := a.Attachments.SweepOrphans(ctx, grace)
	if err != nil {
		return res, pkgerrors.Wrap(err, "sweep orphan attachments")
	}
	res.Orphans = n
	if res.ReplayKeys, err = repo.PruneReplayKeys(ctx, a.DB, time.Now().UTC()); err != nil {
		return res, pkgerrors.Wrap(err, "prune replay keys")
	}
	return res, nil
}

// Housekeep runs Sweep every interval until ctx is done. A non-positive
// interval disables it.
func (a *App) Housekeep(ctx context.Context, interval, grace time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := a.Sweep(ctx, grace)
			if err != nil {
				log.Warn().Err(err).Msg("housekeeping failed")
				continue
			}
			if res.ReplayKeys > 0 {
				log.Debug().Int64("replay_keys", res.ReplayKeys).Msg("pruned replay keys")
			}
		}
	}
}

func (a *App) closeHub() {
	if a.Hub != nil {
		if err := a.Hub.Close(); err != nil {
			log.Warn().Err(err).Msg("close event hub")
		}
	}
}

// Close stops the event hub and closes the draft cache. The database is
// owned by the caller.
func (a *App) Close() error {
	a.closeHub()
	if a.Drafts != nil {
		return a.Drafts.Close()
	}
	return nil
}
