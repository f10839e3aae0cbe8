// Package migrate moves legacy local-only conversations into the
// authoritative store.
//
// Threads and messages are recreated through the regular thread and message
// services, never inserted in bulk, so migrated data obeys the same version
// and active-path rules as live data. A failing thread is recorded and
// skipped; the run continues with the next one.
//
// Re-running a migration duplicates threads that were already migrated.
// Callers gate re-entry by clearing the legacy store after a complete run
// without errors (see Progress.Done).
package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/services"
)

// Progress is reported after every thread and every message.
type Progress struct {
	TotalThreads     int    `json:"total_threads"`
	MigratedThreads  int    `json:"migrated_threads"`
	TotalMessages    int    `json:"total_messages"`
	MigratedMessages int    `json:"migrated_messages"`
	IsComplete       bool   `json:"is_complete"`
	Error            string `json:"error,omitempty"`

	// Failures holds one error per failed thread, each wrapping
	// services.ErrMigrationUnit.
	Failures []error `json:"-"`
}

// Done reports whether the legacy store may be cleared.
func (p Progress) Done() bool { return p.IsComplete && p.Error == "" }

// ThreadCreator creates the destination threads.
type ThreadCreator interface {
	Create(ctx context.Context, ownerID, title string) (*domain.Thread, error)
}

// MessageWriter appends the destination messages and summaries.
type MessageWriter interface {
	Append(ctx context.Context, threadID, role, content string, dialogVersion int) (*domain.Message, error)
	AddSummary(ctx context.Context, threadID, messageID, content string) (*domain.MessageSummary, error)
}

// Bridge runs migrations from Legacy into the services.
type Bridge struct {
	Legacy   LegacyStore
	Threads  ThreadCreator
	Messages MessageWriter
	// CountConcurrency bounds the parallel message counting; default 4.
	CountConcurrency int
}

// Migrate copies every legacy thread, its messages and summaries to ownerID.
// onProgress may be nil. The returned Progress is also the last one reported.
// A second run over the same legacy store copies it again into new threads.
func (b *Bridge) Migrate(ctx context.Context, ownerID string, onProgress func(Progress)) Progress {
	ctx, span := otel.Tracer("migrate/Bridge").Start(ctx, "Migrate",
		trace.WithAttributes(attribute.String("owner.id", ownerID)))
	defer span.End()

	var p Progress
	report := func() {
		if onProgress != nil {
			snapshot := p
			snapshot.Failures = append([]error(nil), p.Failures...)
			onProgress(snapshot)
		}
	}
	fail := func(err error) Progress {
		span.RecordError(err)
		p.Error = err.Error()
		report()
		return p
	}

	threads, err := b.Legacy.Threads(ctx)
	if err != nil {
		return fail(err)
	}
	p.TotalThreads = len(threads)
	report()

	total, err := b.countMessages(ctx, threads)
	if err != nil {
		return fail(err)
	}
	p.TotalMessages = total
	report()

	for _, lt := range threads {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := b.migrateThread(ctx, ownerID, lt, &p, report); err != nil {
			observability.MigrationUnits.WithLabelValues("failed").Inc()
			log.Error().Err(err).Str("legacy_thread_id", lt.ID).Str("title", lt.Title).Msg("thread migration failed")
			p.Failures = append(p.Failures, fmt.Errorf("%w: thread %s: %v", services.ErrMigrationUnit, lt.ID, err))
			p.Error = "Failed to migrate thread: " + lt.Title
			report()
			continue
		}
		observability.MigrationUnits.WithLabelValues("ok").Inc()
		p.MigratedThreads++
		report()
	}

	p.IsComplete = true
	report()
	span.SetAttributes(attribute.Int("threads.migrated", p.MigratedThreads), attribute.Int("threads.failed", len(p.Failures)))
	return p
}

func (b *Bridge) countMessages(ctx context.Context, threads []LegacyThread) (int, error) {
	counts := make([]int, len(threads))
	g, gctx := errgroup.WithContext(ctx)
	limit := b.CountConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i := range threads {
		i := i
		g.Go(func() error {
			msgs, err := b.Legacy.Messages(gctx, threads[i].ID)
			counts[i] = len(msgs)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

func (b *Bridge) migrateThread(ctx context.Context, ownerID string, lt LegacyThread, p *Progress, report func()) error {
	th, err := b.Threads.Create(ctx, ownerID, lt.Title)
	if err != nil {
		return err
	}
	msgs, err := b.Legacy.Messages(ctx, lt.ID)
	if err != nil {
		return err
	}

	ids := make(map[string]string, len(msgs))
	for _, lm := range msgs {
		role := domain.RoleAssistant
		if lm.Role == domain.RoleUser {
			role = domain.RoleUser
		}
		// Blank legacy messages carry nothing to keep.
		if strings.TrimSpace(lm.Content) != "" {
			m, err := b.Messages.Append(ctx, th.ID, role, lm.Content, 0)
			if err != nil {
				return err
			}
			ids[lm.ID] = m.ID
		}
		p.MigratedMessages++
		report()
	}

	sums, err := b.Legacy.Summaries(ctx, lt.ID)
	if err != nil {
		return err
	}
	for _, ls := range sums {
		mid, ok := ids[ls.MessageID]
		if !ok || strings.TrimSpace(ls.Content) == "" {
			continue
		}
		if _, err := b.Messages.AddSummary(ctx, th.ID, mid, ls.Content); err != nil {
			return err
		}
	}
	return nil
}
