package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/llm"
)

// scriptProvider replays chunks, then fails with err (io.EOF when nil).
type scriptProvider struct {
	chunks  []string
	err     error
	openErr error
	opened  int
}

func (p *scriptProvider) Open(_ context.Context, _ llm.Request) (llm.Stream, error) {
	p.opened++
	if p.openErr != nil {
		return nil, p.openErr
	}
	return &scriptStream{chunks: append([]string(nil), p.chunks...), err: p.err}, nil
}

type scriptStream struct {
	chunks []string
	err    error
}

func (s *scriptStream) Recv() (string, error) {
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return c, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptStream) Close() error { return nil }

// gateProvider hands every opened stream to the test, which feeds it.
type gateProvider struct {
	opened chan *gateStream
}

func newGateProvider() *gateProvider {
	return &gateProvider{opened: make(chan *gateStream, 4)}
}

func (p *gateProvider) Open(ctx context.Context, _ llm.Request) (llm.Stream, error) {
	g := &gateStream{ctx: ctx, ch: make(chan string), closed: make(chan struct{})}
	p.opened <- g
	return g, nil
}

type gateStream struct {
	ctx    context.Context
	ch     chan string
	closed chan struct{}
	once   sync.Once
}

func (g *gateStream) Recv() (string, error) {
	select {
	case c, ok := <-g.ch:
		if !ok {
			return "", io.EOF
		}
		return c, nil
	case <-g.ctx.Done():
		return "", g.ctx.Err()
	case <-g.closed:
		return "", io.ErrClosedPipe
	}
}

func (g *gateStream) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

// lateProvider opens streams that yield "head " and then deliver "tail"
// only once the stream is canceled.
type lateProvider struct{}

func (lateProvider) Open(ctx context.Context, _ llm.Request) (llm.Stream, error) {
	return &lateStream{ctx: ctx}, nil
}

type lateStream struct {
	ctx context.Context
	n   int
}

func (l *lateStream) Recv() (string, error) {
	l.n++
	switch l.n {
	case 1:
		return "head ", nil
	case 2:
		<-l.ctx.Done()
		return "tail", nil
	}
	return "", l.ctx.Err()
}

func (l *lateStream) Close() error { return nil }

func prompt(content string) []llm.Message {
	return []llm.Message{{Role: domain.RoleUser, Content: content}}
}

// flushSignal returns an OnFlush callback and the channel it reports on.
func flushSignal() (func(string), chan string) {
	ch := make(chan string, 64)
	return func(content string) {
		select {
		case ch <- content:
		default:
		}
	}, ch
}

type streamResult struct {
	msg *domain.Message
	err error
}

func streamAsync(ctx context.Context, s *StreamService, req StreamRequest) chan streamResult {
	out := make(chan streamResult, 1)
	go func() {
		m, err := s.Stream(ctx, req)
		out <- streamResult{m, err}
	}()
	return out
}

func TestStream_CompletesAndCommits(t *testing.T) {
	p := &scriptProvider{chunks: []string{"Hel", "lo"}}
	st := newStack(t, p)
	rec := &recorder{}
	st.streams.Sink = rec
	th := st.thread(t, "u1")
	st.append(t, th.ID, domain.RoleUser, "Hi")

	msg, err := st.streams.Stream(context.Background(), StreamRequest{ThreadID: th.ID, Messages: prompt("Hi")})
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, domain.StatusComplete, msg.Status)
	assert.Equal(t, domain.RoleAssistant, msg.Role)
	assert.Equal(t, 1, msg.Position)
	require.NotNil(t, msg.Model)
	assert.Equal(t, "test-model", *msg.Model)

	require.NotEmpty(t, rec.flushed)
	assert.Equal(t, "Hello", rec.flushed[len(rec.flushed)-1])
	assert.False(t, st.streams.Active(th.ID))
}

func TestStream_Validation(t *testing.T) {
	p := &scriptProvider{chunks: []string{"x"}}
	st := newStack(t, p)
	th := st.thread(t, "u1")
	ctx := context.Background()

	_, err := st.streams.Stream(ctx, StreamRequest{ThreadID: " ", Messages: prompt("Hi")})
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = st.streams.Stream(ctx, StreamRequest{ThreadID: th.ID})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	st.streams.RequireKey = true
	_, err = st.streams.Stream(ctx, StreamRequest{ThreadID: th.ID, Messages: prompt("Hi")})
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, p.opened, "credential check must precede the provider call")

	_, err = st.streams.Stream(ctx, StreamRequest{ThreadID: th.ID, Messages: prompt("Hi"), APIKey: "sk-test"})
	assert.NoError(t, err)

	st.streams.APIKey = "sk-server"
	assert.NoError(t, st.streams.CheckKey(""))
}

func TestStream_CancelCommitsPartial(t *testing.T) {
	p := newGateProvider()
	st := newStack(t, p)
	st.streams.FlushInterval = time.Millisecond
	th := st.thread(t, "u1")

	onFlush, flushed := flushSignal()
	res := streamAsync(context.Background(), st.streams, StreamRequest{ThreadID: th.ID, Messages: prompt("Hi"), OnFlush: onFlush})

	g := <-p.opened
	g.ch <- "partial "
	assert.Equal(t, "partial ", <-flushed)
	assert.True(t, st.streams.Active(th.ID))

	assert.True(t, st.streams.Cancel(th.ID))
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "partial ", r.msg.Content)
	assert.Equal(t, domain.StatusCanceled, r.msg.Status)
	assert.False(t, st.streams.Active(th.ID))
	assert.False(t, st.streams.Cancel(th.ID))

	active := st.active(t, th.ID)
	require.Len(t, active, 1)
	assert.Equal(t, r.msg.ID, active[0].ID)
}

func TestStream_CancelKeepsChunkInFlight(t *testing.T) {
	st := newStack(t, lateProvider{})
	st.streams.FlushInterval = time.Millisecond
	th := st.thread(t, "u1")

	onFlush, flushed := flushSignal()
	res := streamAsync(context.Background(), st.streams, StreamRequest{ThreadID: th.ID, Messages: prompt("Hi"), OnFlush: onFlush})

	assert.Equal(t, "head ", <-flushed)
	assert.True(t, st.streams.Cancel(th.ID))

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "head tail", r.msg.Content)
	assert.Equal(t, domain.StatusCanceled, r.msg.Status)
}

func TestStream_ReserveHoldsSlot(t *testing.T) {
	p := newGateProvider()
	st := newStack(t, p)
	th := st.thread(t, "u1")
	ctx := context.Background()

	rctx, release, err := st.streams.Reserve(ctx, th.ID, false)
	require.NoError(t, err)
	assert.True(t, st.streams.Active(th.ID))

	// A plain stream waits for the reservation.
	waiting := streamAsync(ctx, st.streams, StreamRequest{ThreadID: th.ID, Messages: prompt("later")})

	res := streamAsync(rctx, st.streams, StreamRequest{ThreadID: th.ID, Messages: prompt("Hi"), Reserved: true})
	g := <-p.opened
	g.ch <- "first"
	close(g.ch)
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "first", r.msg.Content)

	select {
	case <-p.opened:
		t.Fatal("stream opened while the thread was reserved")
	case <-time.After(30 * time.Millisecond):
	}
	release()

	g = <-p.opened
	g.ch <- "second"
	close(g.ch)
	r = <-waiting
	require.NoError(t, r.err)
	assert.Equal(t, "second", r.msg.Content)
	assert.False(t, st.streams.Active(th.ID))

	// A canceled reservation ends the exchange's context.
	rctx, release, err = st.streams.Reserve(ctx, th.ID, false)
	require.NoError(t, err)
	assert.True(t, st.streams.Cancel(th.ID))
	assert.ErrorIs(t, rctx.Err(), context.Canceled)
	release()
	assert.False(t, st.streams.Active(th.ID))
}

func TestStream_CancelBeforeAnyChunk(t *testing.T) {
	p := newGateProvider()
	st := newStack(t, p)
	th := st.thread(t, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	res := streamAsync(ctx, st.streams, StreamRequest{ThreadID: th.ID, Messages: prompt("Hi")})
	<-p.opened
	cancel()

	r := <-res
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Nil(t, r.msg)
	assert.Empty(t, st.active(t, th.ID))
}

func TestStream_ProviderFailureKeepsPartial(t *testing.T) {
	boom := errors.New("connection reset")
	p := &scriptProvider{chunks: []string{"ab", "c"}, err: boom}
	st := newStack(t, p)
	th := st.thread(t, "u1")

	msg, err := st.streams.Stream(context.Background(), StreamRequest{ThreadID: th.ID, Messages: prompt("Hi")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamProvider)
	assert.ErrorIs(t, err, boom)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	require.NotNil(t, ue.Partial)
	assert.Equal(t, "abc", ue.Partial.Content)

	require.NotNil(t, msg)
	assert.Equal(t, ue.Partial.MessageID, msg.ID)
	assert.Equal(t, domain.StatusError, msg.Status)
	assert.Equal(t, "abc", msg.Content)
}

func TestStream_OpenFailure(t *testing.T) {
	p := &scriptProvider{openErr: errors.New("401 unauthorized")}
	st := newStack(t, p)
	th := st.thread(t, "u1")

	msg, err := st.streams.Stream(context.Background(), StreamRequest{ThreadID: th.ID, Messages: prompt("Hi")})
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ErrUpstreamProvider)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Nil(t, ue.Partial)
	assert.Empty(t, st.active(t, th.ID))
}

func TestStream_EmptyCompletion(t *testing.T) {
	st := newStack(t, &scriptProvider{})
	th := st.thread(t, "u1")

	msg, err := st.streams.Stream(context.Background(), StreamRequest{ThreadID: th.ID, Messages: prompt("Hi")})
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ErrUpstreamProvider)
	assert.Empty(t, st.active(t, th.ID))
}

func TestStream_FinalizesPlaceholder(t *testing.T) {
	p := &scriptProvider{chunks: []string{"Hey ", "there"}}
	st := newStack(t, p)
	th := st.thread(t, "u1")
	st.append(t, th.ID, domain.RoleUser, "Hi")
	hello := st.append(t, th.ID, domain.RoleAssistant, "Hello")

	regen, err := st.versions.Regenerate(context.Background(), th.ID, hello.ID, nil)
	require.NoError(t, err)

	msg, err := st.streams.Stream(context.Background(), StreamRequest{
		ThreadID:    th.ID,
		Messages:    prompt("Hi"),
		Placeholder: regen.Placeholder,
	})
	require.NoError(t, err)
	assert.Equal(t, regen.Placeholder.ID, msg.ID)
	assert.Equal(t, "Hey there", msg.Content)
	assert.Equal(t, domain.StatusComplete, msg.Status)
	assert.Equal(t, []string{"Hi", "Hey there"}, contents(st.active(t, th.ID)))
}

func TestStream_FlushesAreCoalesced(t *testing.T) {
	chunks := make([]string, 200)
	for i := range chunks {
		chunks[i] = "x"
	}
	st := newStack(t, &scriptProvider{chunks: chunks})
	st.streams.FlushInterval = time.Hour
	th := st.thread(t, "u1")

	var flushes []string
	msg, err := st.streams.Stream(context.Background(), StreamRequest{
		ThreadID: th.ID,
		Messages: prompt("Hi"),
		OnFlush:  func(c string) { flushes = append(flushes, c) },
	})
	require.NoError(t, err)
	assert.Len(t, msg.Content, 200)
	// Nothing ticks within an hour; only the closing flush happens.
	require.Len(t, flushes, 1)
	assert.Equal(t, msg.Content, flushes[0])
}

func TestStream_OnePerThread_Waits(t *testing.T) {
	p := newGateProvider()
	st := newStack(t, p)
	th := st.thread(t, "u1")
	ctx := context.Background()

	first := streamAsync(ctx, st.streams, StreamRequest{ThreadID: th.ID, Messages: prompt("one")})
	g1 := <-p.opened

	second := streamAsync(ctx, st.streams, StreamRequest{ThreadID: th.ID, Messages: prompt("two")})
	select {
	case <-p.opened:
		t.Fatal("second stream opened while the first was running")
	case <-time.After(50 * time.Millisecond):
	}

	g1.ch <- "first"
	close(g1.ch)
	r1 := <-first
	require.NoError(t, r1.err)
	assert.Equal(t, "first", r1.msg.Content)

	g2 := <-p.opened
	g2.ch <- "second"
	close(g2.ch)
	r2 := <-second
	require.NoError(t, r2.err)
	assert.Equal(t, "second", r2.msg.Content)
	assert.Equal(t, []string{"first", "second"}, contents(st.active(t, th.ID)))
}

func TestStream_OnePerThread_Preempts(t *testing.T) {
	p := newGateProvider()
	st := newStack(t, p)
	st.streams.FlushInterval = time.Millisecond
	th := st.thread(t, "u1")
	ctx := context.Background()

	onFlush, flushed := flushSignal()
	first := streamAsync(ctx, st.streams, StreamRequest{ThreadID: th.ID, Messages: prompt("one"), OnFlush: onFlush})
	g1 := <-p.opened
	g1.ch <- "old"
	<-flushed

	second := streamAsync(ctx, st.streams, StreamRequest{ThreadID: th.ID, Messages: prompt("two"), Preempt: true})

	r1 := <-first
	require.NoError(t, r1.err)
	assert.Equal(t, domain.StatusCanceled, r1.msg.Status)
	assert.Equal(t, "old", r1.msg.Content)

	g2 := <-p.opened
	g2.ch <- "new"
	close(g2.ch)
	r2 := <-second
	require.NoError(t, r2.err)
	assert.Equal(t, "new", r2.msg.Content)
}

func TestStream_WaitingCallerGivesUp(t *testing.T) {
	p := newGateProvider()
	st := newStack(t, p)
	th := st.thread(t, "u1")

	first := streamAsync(context.Background(), st.streams, StreamRequest{ThreadID: th.ID, Messages: prompt("one")})
	g1 := <-p.opened

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := st.streams.Stream(ctx, StreamRequest{ThreadID: th.ID, Messages: prompt("two")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(g1.ch)
	r1 := <-first
	// The first stream received nothing: it ends as an empty completion.
	assert.ErrorIs(t, r1.err, ErrUpstreamProvider)
}
