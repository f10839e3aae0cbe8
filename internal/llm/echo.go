package llm

import (
	"context"
	"io"
	"strings"
	"sync"
)

// Echo answers with the last user message, split into word chunks. It backs
// local development when no provider key is configured.
type Echo struct{}

// Open returns a stream over the echoed text.
func (Echo) Open(ctx context.Context, req Request) (Stream, error) {
	text := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			text = req.Messages[i].Content
			break
		}
	}
	return NewScripted(ctx, splitKeepSpace(text)...), nil
}

func splitKeepSpace(s string) []string {
	var out []string
	for s != "" {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}

// Scripted replays fixed chunks, then io.EOF. It stops early with the
// context's error once ctx is done or Close was called.
type Scripted struct {
	ctx    context.Context
	chunks []string

	once sync.Once
	done chan struct{}
}

// NewScripted returns a stream over chunks bound to ctx.
func NewScripted(ctx context.Context, chunks ...string) *Scripted {
	return &Scripted{ctx: ctx, chunks: chunks, done: make(chan struct{})}
}

func (s *Scripted) Recv() (string, error) {
	select {
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	case <-s.done:
		return "", io.ErrClosedPipe
	default:
	}
	if len(s.chunks) == 0 {
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *Scripted) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
