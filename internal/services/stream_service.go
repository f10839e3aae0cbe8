// Package services – StreamService
//
// This file implements the StreamAssembler. A stream reads chunks from the
// model provider into an accumulator and flushes the accumulated text to
// listeners at most once per FlushInterval, however fast chunks arrive.
// The accumulator is committed to the message log when the stream ends,
// when it is canceled, and when the provider fails mid-stream; in the last
// two cases the message carries the canceled or error status.
//
// At most one stream runs per thread. A second request waits for the first
// to finish, or cancels it first when Preempt is set. Callers that write to
// the log before streaming Reserve the thread for the whole exchange.
package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/llm"
	"github.com/tbourn/go-chat-sync/internal/observability"
)

// DefaultFlushInterval is one 60 Hz frame.
const DefaultFlushInterval = 16 * time.Millisecond

var errEmptyCompletion = errors.New("provider returned an empty completion")

// StreamRequest describes one assistant turn to stream.
type StreamRequest struct {
	ThreadID string
	// DialogVersion receives the committed message; non-positive means the
	// version active at commit time.
	DialogVersion int
	Model         string
	Messages      []llm.Message
	APIKey        string
	// Placeholder, when set, is finalized instead of appending a new message.
	Placeholder *domain.Message
	// Preempt cancels a running stream on the same thread instead of waiting.
	Preempt bool
	// OnFlush receives the accumulated text on every flush.
	OnFlush func(content string)
	// Reserved marks a stream running inside a Reserve of its thread.
	Reserved bool
}

type streamRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StreamService assembles streamed assistant messages.
type StreamService struct {
	Log      *MessageService
	Provider llm.Provider
	Sink     FlushSink

	FlushInterval time.Duration
	DefaultModel  string
	// APIKey is used when a request carries none.
	APIKey string
	// RequireKey rejects requests without any credential before side effects.
	RequireKey bool

	mu   sync.Mutex
	runs map[string]*streamRun
}

// CheckKey returns ErrMissingKey when a credential is required but absent.
func (s *StreamService) CheckKey(apiKey string) error {
	if s.RequireKey && apiKey == "" && s.APIKey == "" {
		return ErrMissingKey
	}
	return nil
}

// Active reports whether a stream is running for threadID.
func (s *StreamService) Active(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[threadID] != nil
}

// Cancel aborts the running stream of threadID. Its partial content is
// still committed by the streaming call. It reports whether a stream was running.
func (s *StreamService) Cancel(threadID string) bool {
	s.mu.Lock()
	r := s.runs[threadID]
	s.mu.Unlock()
	if r == nil {
		return false
	}
	r.cancel()
	return true
}

// acquire registers a run for threadID, waiting for (or preempting) the
// current one.
func (s *StreamService) acquire(ctx context.Context, threadID string, preempt bool, cancel context.CancelFunc) (*streamRun, error) {
	for {
		s.mu.Lock()
		if s.runs == nil {
			s.runs = make(map[string]*streamRun)
		}
		cur := s.runs[threadID]
		if cur == nil {
			r := &streamRun{cancel: cancel, done: make(chan struct{})}
			s.runs[threadID] = r
			s.mu.Unlock()
			return r, nil
		}
		s.mu.Unlock()

		if preempt {
			cur.cancel()
		}
		select {
		case <-cur.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Reserve claims the stream slot of threadID for a whole exchange, waiting
// for (or preempting) the running one. The exchange runs on the returned
// context and streams with Reserved set; release frees the slot.
func (s *StreamService) Reserve(ctx context.Context, threadID string, preempt bool) (context.Context, func(), error) {
	rctx, cancel := context.WithCancel(ctx)
	run, err := s.acquire(ctx, threadID, preempt, cancel)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return rctx, func() {
		s.release(threadID, run)
		cancel()
	}, nil
}

func (s *StreamService) release(threadID string, r *streamRun) {
	s.mu.Lock()
	if s.runs[threadID] == r {
		delete(s.runs, threadID)
	}
	s.mu.Unlock()
	close(r.done)
}

type recvResult struct {
	text string
	err  error
}

// Stream runs one provider stream to completion and commits the result.
//
// On cancellation the partial content is committed with status canceled and
// returned without error; if nothing was received, the context error is
// returned. On provider failure the partial content is committed with
// status error and an *UpstreamError referencing it is returned.
func (s *StreamService) Stream(ctx context.Context, req StreamRequest) (*domain.Message, error) {
	tr := otel.Tracer("services/StreamService")
	ctx, span := tr.Start(ctx, "Stream",
		trace.WithAttributes(
			attribute.String("thread.id", req.ThreadID),
			attribute.String("model", req.Model),
		),
	)
	defer span.End()

	if strings.TrimSpace(req.ThreadID) == "" {
		return nil, ErrInvalidID
	}
	if err := s.CheckKey(req.APIKey); err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, ErrEmptyPrompt
	}
	if req.Model == "" {
		req.Model = s.DefaultModel
	}
	key := req.APIKey
	if key == "" {
		key = s.APIKey
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !req.Reserved {
		run, err := s.acquire(ctx, req.ThreadID, req.Preempt, cancel)
		if err != nil {
			return nil, err
		}
		defer s.release(req.ThreadID, run)
	}

	stream, err := s.Provider.Open(sctx, llm.Request{Model: req.Model, Messages: req.Messages, APIKey: key})
	if err != nil {
		status := domain.StatusError
		if sctx.Err() != nil {
			status = domain.StatusCanceled
		}
		log.Warn().Err(err).Str("thread_id", req.ThreadID).Str("model", req.Model).Msg("provider stream open failed")
		return s.commit(ctx, req, "", status, err)
	}

	// A chunk received as the stream is canceled is kept in pending.
	var pending *recvResult
	chunks := make(chan recvResult)
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		for {
			text, err := stream.Recv()
			r := recvResult{text: text, err: err}
			select {
			case chunks <- r:
			case <-sctx.Done():
				if err == nil {
					pending = &r
				}
				return
			}
			if err != nil {
				return
			}
		}
	}()

	interval := s.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		acc       strings.Builder
		dirty     bool
		status    = domain.StatusComplete
		streamErr error
	)
	flush := func() {
		if !dirty {
			return
		}
		dirty = false
		observability.StreamFlushes.Inc()
		content := acc.String()
		if req.OnFlush != nil {
			req.OnFlush(content)
		}
		if s.Sink != nil {
			msgID := ""
			if req.Placeholder != nil {
				msgID = req.Placeholder.ID
			}
			s.Sink.StreamFlushed(ctx, req.ThreadID, msgID, content)
		}
	}

loop:
	for {
		select {
		case r := <-chunks:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					break loop
				}
				if sctx.Err() != nil {
					status = domain.StatusCanceled
					break loop
				}
				status, streamErr = domain.StatusError, r.err
				log.Warn().Err(r.err).Str("thread_id", req.ThreadID).Int("received_bytes", acc.Len()).Msg("provider stream failed")
				break loop
			}
			observability.StreamChunks.Inc()
			acc.WriteString(r.text)
			dirty = true
		case <-ticker.C:
			flush()
		case <-sctx.Done():
			status = domain.StatusCanceled
			break loop
		}
	}
	// Close promptly so a blocked Recv returns.
	_ = stream.Close()
	<-recvDone
	if pending != nil {
		observability.StreamChunks.Inc()
		acc.WriteString(pending.text)
		dirty = true
	}
	flush()

	if status == domain.StatusCanceled {
		span.SetAttributes(attribute.Bool("canceled", true))
	}
	return s.commit(ctx, req, acc.String(), status, streamErr)
}

// commit persists the accumulated content. It runs on a context detached
// from cancellation so that canceled streams are still saved.
func (s *StreamService) commit(ctx context.Context, req StreamRequest, content, status string, cause error) (*domain.Message, error) {
	cctx := context.WithoutCancel(ctx)

	var (
		msg *domain.Message
		err error
	)
	switch {
	case req.Placeholder != nil:
		msg, err = s.Log.Finalize(cctx, req.Placeholder.ID, content, status)
	case content != "":
		model := req.Model
		msg, err = s.Log.AppendMessage(cctx, AppendInput{
			ThreadID:      req.ThreadID,
			Role:          domain.RoleAssistant,
			Content:       content,
			DialogVersion: req.DialogVersion,
			Model:         &model,
			Status:        status,
		})
	}
	if err != nil {
		return nil, err
	}

	switch status {
	case domain.StatusError:
		ue := &UpstreamError{Err: cause}
		if msg != nil && content != "" {
			ue.Partial = &Partial{MessageID: msg.ID, Content: content}
		}
		return msg, ue
	case domain.StatusCanceled:
		if content == "" {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return msg, ctxErr
			}
			return msg, context.Canceled
		}
		return msg, nil
	}
	if content == "" && req.Placeholder == nil {
		return nil, &UpstreamError{Err: errEmptyCompletion}
	}
	return msg, nil
}
