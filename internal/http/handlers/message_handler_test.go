package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
	"github.com/tbourn/go-chat-sync/internal/services"
)

type fakeIdem struct {
	stored   map[string]*domain.Message
	recorded []string
}

func (f *fakeIdem) Lookup(_ context.Context, userID, threadID, key string) (*domain.Message, error) {
	return f.stored[userID+"|"+threadID+"|"+key], nil
}

func (f *fakeIdem) Record(_ context.Context, userID, threadID, key, messageID string) error {
	f.recorded = append(f.recorded, userID+"|"+threadID+"|"+key+"|"+messageID)
	return nil
}

func TestSanitizeContent(t *testing.T) {
	cases := map[string]string{
		"  hi  ":             "hi",
		"a\r\nb":             "a\nb",
		"a\rb":               "a\nb",
		"a\n\n\n\nb":         "a\n\nb",
		"\n\n para \n\n\n\n": "para",
	}
	for in, want := range cases {
		if got := sanitizeContent(in); got != want {
			t.Errorf("sanitizeContent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSendMessage_JSON(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")

	w := hs.do(http.MethodPost, "/threads/"+id+"/messages", "u1",
		SendMessageRequest{Content: "hello\r\n\r\n\r\nworld", Model: " gpt-4o ", Preempt: true},
		HeaderAPIKey, " sk-test ")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	in := hs.conv.sendIn
	if in.Content != "hello\n\nworld" || in.Model != "gpt-4o" || in.APIKey != "sk-test" || !in.Preempt {
		t.Fatalf("input %+v", in)
	}
	if in.OnFlush != nil {
		t.Fatalf("JSON send must not stream")
	}
	resp := decode[SendMessageResponse](t, w)
	if resp.User == nil || resp.Assistant == nil || resp.Assistant.Role != domain.RoleAssistant {
		t.Fatalf("resp %+v", resp)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	hs := newHarness(t, func(d *Deps) { d.MaxPromptRunes = 5 })
	id := hs.threads.add("u1", "t")

	if w := hs.do(http.MethodPost, "/threads/"+id+"/messages", "u1", SendMessageRequest{Content: " \n "}); w.Code != http.StatusBadRequest {
		t.Fatalf("blank: status=%d", w.Code)
	}
	if w := hs.do(http.MethodPost, "/threads/"+id+"/messages", "u1", SendMessageRequest{Content: "ünïcödé"}); w.Code != http.StatusBadRequest {
		t.Fatalf("too long: status=%d", w.Code)
	}
	if w := hs.do(http.MethodPost, "/threads/"+id+"/messages", "u1", SendMessageRequest{Content: "short"}); w.Code != http.StatusOK {
		t.Fatalf("at limit: status=%d", w.Code)
	}
	if w := hs.do(http.MethodPost, "/threads/"+id+"/messages", "u2", SendMessageRequest{Content: "hi"}); w.Code != http.StatusNotFound {
		t.Fatalf("foreign thread: status=%d", w.Code)
	}
	if hs.conv.sendCalls != 1 {
		t.Fatalf("sendCalls=%d", hs.conv.sendCalls)
	}
}

func TestSendMessage_UpstreamErrorJSON(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")
	hs.conv.sendErr = &services.UpstreamError{Err: errors.New("rate limited")}

	w := hs.do(http.MethodPost, "/threads/"+id+"/messages", "u1", SendMessageRequest{Content: "hi"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", w.Code)
	}
	if e := decode[ErrorResponse](t, w); e.Code != ErrCodeUpstreamFailed {
		t.Fatalf("code=%q", e.Code)
	}
}

func TestSendMessage_EventStream(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")
	hs.conv.flushes = []string{"Hel", "Hello"}

	w := hs.do(http.MethodPost, "/threads/"+id+"/messages", "u1", SendMessageRequest{Content: "Hello"},
		"Accept", "text/event-stream")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type=%q", ct)
	}
	body := w.Body.String()
	if strings.Count(body, "event:delta") != 2 {
		t.Fatalf("want 2 deltas, body=%s", body)
	}
	if !strings.Contains(body, `"content":"Hello"`) {
		t.Fatalf("accumulated content missing: %s", body)
	}
	if strings.Index(body, "event:done") < strings.LastIndex(body, "event:delta") {
		t.Fatalf("done must come last: %s", body)
	}
}

func TestSendMessage_EventStreamErrors(t *testing.T) {
	t.Run("before output is a JSON error", func(t *testing.T) {
		hs := newHarness(t, nil)
		id := hs.threads.add("u1", "t")
		hs.conv.sendErr = &services.UpstreamError{Err: errors.New("refused")}

		w := hs.do(http.MethodPost, "/threads/"+id+"/messages", "u1", SendMessageRequest{Content: "hi"},
			"Accept", "text/event-stream")
		if w.Code != http.StatusBadGateway {
			t.Fatalf("status=%d", w.Code)
		}
		if strings.Contains(w.Body.String(), "event:") {
			t.Fatalf("no events expected: %s", w.Body.String())
		}
	})

	t.Run("after output is an error event", func(t *testing.T) {
		hs := newHarness(t, nil)
		id := hs.threads.add("u1", "t")
		hs.conv.flushes = []string{"par"}
		hs.conv.sendErr = &services.UpstreamError{
			Err:     errors.New("connection reset"),
			Partial: &services.Partial{MessageID: uuid.NewString(), Content: "par"},
		}

		w := hs.do(http.MethodPost, "/threads/"+id+"/messages", "u1", SendMessageRequest{Content: "hi"},
			"Accept", "text/event-stream")
		if w.Code != http.StatusOK {
			t.Fatalf("status=%d", w.Code)
		}
		body := w.Body.String()
		if !strings.Contains(body, "event:delta") || !strings.Contains(body, "event:error") {
			t.Fatalf("body=%s", body)
		}
		if !strings.Contains(body, ErrCodeUpstreamFailed) {
			t.Fatalf("error code missing: %s", body)
		}
	})
}

func TestSendMessage_IdempotencyReplay(t *testing.T) {
	idem := &fakeIdem{stored: map[string]*domain.Message{}}
	hs := newHarness(t, func(d *Deps) { d.Idempotency = idem })
	id := hs.threads.add("u1", "t")

	w := hs.do(http.MethodPost, "/threads/"+id+"/messages", "u1", SendMessageRequest{Content: "hi"},
		middleware.HeaderIdempotencyKey, "k1")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if len(idem.recorded) != 1 || !strings.HasPrefix(idem.recorded[0], "u1|"+id+"|k1|") {
		t.Fatalf("recorded=%v", idem.recorded)
	}

	prev := &domain.Message{ID: "m-prev", Role: domain.RoleAssistant, Content: "earlier"}
	idem.stored["u1|"+id+"|k1"] = prev
	w = hs.do(http.MethodPost, "/threads/"+id+"/messages", "u1", SendMessageRequest{Content: "hi"},
		middleware.HeaderIdempotencyKey, "k1")
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("status=%d replayed=%q", w.Code, w.Header().Get("Idempotency-Replayed"))
	}
	if resp := decode[SendMessageResponse](t, w); resp.Assistant == nil || resp.Assistant.ID != "m-prev" {
		t.Fatalf("resp %+v", resp)
	}
	if hs.conv.sendCalls != 1 {
		t.Fatalf("replay must not send again, sendCalls=%d", hs.conv.sendCalls)
	}
}

func TestSendMessage_FailedSendNotRecorded(t *testing.T) {
	idem := &fakeIdem{stored: map[string]*domain.Message{}}
	hs := newHarness(t, func(d *Deps) { d.Idempotency = idem })
	id := hs.threads.add("u1", "t")
	hs.conv.sendErr = context.Canceled

	w := hs.do(http.MethodPost, "/threads/"+id+"/messages", "u1", SendMessageRequest{Content: "hi"},
		middleware.HeaderIdempotencyKey, "k2")
	if w.Code != StatusClientClosedRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if len(idem.recorded) != 0 {
		t.Fatalf("recorded=%v", idem.recorded)
	}
}

func TestEditMessage(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")
	mid := uuid.NewString()

	w := hs.do(http.MethodPut, "/threads/"+id+"/messages/"+mid, "u1", SendMessageRequest{Content: "fixed"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if hs.conv.editID != mid || hs.conv.sendIn.Content != "fixed" {
		t.Fatalf("editID=%s content=%q", hs.conv.editID, hs.conv.sendIn.Content)
	}
}

func TestListMessages(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")
	for i := 0; i < 5; i++ {
		hs.conv.messages = append(hs.conv.messages, domain.Message{ID: uuid.NewString(), ThreadID: id, Position: i})
	}

	w := hs.do(http.MethodGet, "/threads/"+id+"/messages?page=2&page_size=2", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	resp := decode[ListMessagesResponse](t, w)
	if len(resp.Messages) != 2 || resp.Messages[0].Position != 2 {
		t.Fatalf("messages %+v", resp.Messages)
	}
	if resp.Pagination.Total != 5 || resp.Pagination.TotalPages != 3 || !resp.Pagination.HasNext {
		t.Fatalf("pagination %+v", resp.Pagination)
	}

	if w := hs.do(http.MethodGet, "/threads/"+id+"/messages", "u2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign: status=%d", w.Code)
	}
}

func TestDeleteAfter(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")
	mid := uuid.NewString()

	w := hs.do(http.MethodDelete, "/threads/"+id+"/messages/"+mid+"?inclusive=1", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if hs.conv.deleteAnchor != mid || !hs.conv.deleteInclusive {
		t.Fatalf("anchor=%s inclusive=%v", hs.conv.deleteAnchor, hs.conv.deleteInclusive)
	}
	if resp := decode[DeleteAfterResponse](t, w); resp.Removed != 3 {
		t.Fatalf("removed=%d", resp.Removed)
	}

	hs.do(http.MethodDelete, "/threads/"+id+"/messages/"+mid, "u1", nil)
	if hs.conv.deleteInclusive {
		t.Fatalf("inclusive should default to false")
	}
}

func TestCancelStream(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")
	hs.conv.canceled = true

	w := hs.do(http.MethodPost, "/threads/"+id+"/cancel", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if resp := decode[CancelResponse](t, w); !resp.Canceled {
		t.Fatalf("resp %+v", resp)
	}
}
