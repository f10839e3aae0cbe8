package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/services"
)

func TestListVersions(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")
	hs.conv.versions = &services.VersionList{
		Versions:       []services.VersionInfo{{Version: 1}, {Version: 2}},
		CurrentIndex:   1,
		Total:          2,
		ShowNavigation: true,
	}

	w := hs.do(http.MethodGet, "/threads/"+id+"/versions", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	got := decode[services.VersionList](t, w)
	if got.Total != 2 || got.CurrentIndex != 1 || !got.ShowNavigation {
		t.Fatalf("list %+v", got)
	}
}

func TestSwitchVersion(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")
	hs.conv.versions = &services.VersionList{Total: 2}

	if w := hs.do(http.MethodPut, "/threads/"+id+"/versions/active", "u1", map[string]int{"version": 0}); w.Code != http.StatusBadRequest {
		t.Fatalf("zero version: status=%d", w.Code)
	}
	if w := hs.do(http.MethodPut, "/threads/"+id+"/versions/active", "u1", SwitchVersionRequest{Version: 7}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown version: status=%d", w.Code)
	}
	w := hs.do(http.MethodPut, "/threads/"+id+"/versions/active", "u1", SwitchVersionRequest{Version: 2})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if hs.conv.switched != 2 {
		t.Fatalf("switched=%d", hs.conv.switched)
	}
}

func TestRegenerate(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")
	anchor := uuid.NewString()
	hs.conv.regenMsg = &domain.Message{ID: uuid.NewString(), Role: domain.RoleAssistant, DialogVersion: 2, Content: "again"}

	// Empty body is accepted.
	w := hs.do(http.MethodPost, "/threads/"+id+"/messages/"+anchor+"/regenerate", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if hs.conv.regenAnchor != anchor {
		t.Fatalf("anchor=%s", hs.conv.regenAnchor)
	}
	resp := decode[RegenerateResponse](t, w)
	if resp.Message == nil || resp.Message.DialogVersion != 2 {
		t.Fatalf("resp %+v", resp)
	}
}

func TestRegenerate_Conflict(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")
	hs.conv.regenErr = fmt.Errorf("%w: regeneration already in progress", services.ErrConcurrencyConflict)

	w := hs.do(http.MethodPost, "/threads/"+id+"/messages/"+uuid.NewString()+"/regenerate", "u1", RegenerateRequest{Model: "m"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestRegenerate_EventStream(t *testing.T) {
	hs := newHarness(t, nil)
	id := hs.threads.add("u1", "t")
	hs.conv.flushes = []string{"a", "ab"}
	hs.conv.regenErr = &services.UpstreamError{Err: errors.New("eof")}

	w := hs.do(http.MethodPost, "/threads/"+id+"/messages/"+uuid.NewString()+"/regenerate", "u1", nil,
		"Accept", "text/event-stream")
	body := w.Body.String()
	if strings.Count(body, "event:delta") != 2 || !strings.Contains(body, "event:error") {
		t.Fatalf("body=%s", body)
	}
}
