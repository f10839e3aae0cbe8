package services

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/media"
	"github.com/tbourn/go-chat-sync/internal/storage"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestAttachmentService_BeginUpload(t *testing.T) {
	st := newStack(t, nil)
	ctx := context.Background()
	th := st.thread(t, "u1")

	if _, err := st.atts.BeginUpload(ctx, "nope", Upload{Name: "a.txt", Data: []byte("x")}); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
	if _, err := st.atts.BeginUpload(ctx, th.ID, Upload{Name: "empty.txt"}); !errors.Is(err, ErrEmptyUpload) {
		t.Fatalf("expected ErrEmptyUpload, got %v", err)
	}

	a, err := st.atts.BeginUpload(ctx, th.ID, Upload{Name: "notes", Data: []byte("hello")})
	if err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}
	if a.MessageID != nil {
		t.Fatalf("fresh upload must be an orphan")
	}
	if a.MimeType != "application/octet-stream" || a.Size != 5 {
		t.Fatalf("unexpected attachment %+v", a)
	}
	if a.URL != "http://localhost/api/v1/files/"+a.StorageRef {
		t.Fatalf("URL = %q", a.URL)
	}
	obj, err := st.atts.Open(ctx, a.StorageRef)
	if err != nil || string(obj.Data) != "hello" {
		t.Fatalf("Open = %v, %v", obj, err)
	}
}

func TestAttachmentService_ImagePreview(t *testing.T) {
	st := newStack(t, nil)
	st.atts.Preview = media.Options{MinBytes: 1, MaxDim: 100}
	ctx := context.Background()
	th := st.thread(t, "u1")

	a, err := st.atts.BeginUpload(ctx, th.ID, Upload{Name: "wide.png", ContentType: "image/png", Data: pngBytes(t, 400, 200)})
	if err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}
	if a.Width == nil || a.Height == nil || *a.Width != 400 || *a.Height != 200 {
		t.Fatalf("dimensions = %v x %v", a.Width, a.Height)
	}
	if a.PreviewRef == nil || a.PreviewURL == "" {
		t.Fatalf("expected a preview")
	}
	p, err := st.atts.Open(ctx, *a.PreviewRef)
	if err != nil {
		t.Fatalf("Open preview: %v", err)
	}
	if p.ContentType != "image/png" {
		t.Fatalf("preview type = %q", p.ContentType)
	}
	w, h, ok := media.Dimensions(p.Data)
	if !ok || w != 100 || h != 50 {
		t.Fatalf("preview size = %dx%d (%v)", w, h, ok)
	}
}

func TestAttachmentService_BrokenImageStillStored(t *testing.T) {
	st := newStack(t, nil)
	st.atts.Preview = media.Options{MinBytes: 1}
	th := st.thread(t, "u1")

	a, err := st.atts.BeginUpload(context.Background(), th.ID, Upload{Name: "bad.jpg", ContentType: "image/jpeg", Data: []byte("not a jpeg")})
	if err != nil {
		t.Fatalf("preview failure must not fail the upload: %v", err)
	}
	if a.PreviewRef != nil || a.Width != nil {
		t.Fatalf("undecodable image should have no preview or size: %+v", a)
	}
}

func TestAttachmentService_UploadBatchPartialFailure(t *testing.T) {
	st := newStack(t, nil)
	st.atts.Store = storage.NewDBStore(st.db, "http://localhost/api/v1", 8)
	th := st.thread(t, "u1")

	out, err := st.atts.Upload(context.Background(), th.ID, []Upload{
		{Name: "small.txt", ContentType: "text/plain", Data: []byte("ok")},
		{Name: "big.txt", ContentType: "text/plain", Data: []byte(strings.Repeat("x", 64))},
		{Name: "empty.txt", ContentType: "text/plain"},
	})
	var be *BatchUploadError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BatchUploadError, got %v", err)
	}
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("batch errors must be storage errors")
	}
	if len(be.Failed) != 2 || be.Failed[0].Name != "big.txt" || be.Failed[1].Name != "empty.txt" {
		t.Fatalf("failed = %+v", be.Failed)
	}
	if len(out) != 1 || out[0].Name != "small.txt" {
		t.Fatalf("stored = %+v", out)
	}

	all, err := st.atts.Resolve(context.Background(), th.ID)
	if err != nil || len(all) != 1 {
		t.Fatalf("Resolve = %d (%v)", len(all), err)
	}
}

func TestAttachmentService_Associate(t *testing.T) {
	st := newStack(t, nil)
	ctx := context.Background()
	th := st.thread(t, "u1")
	other := st.thread(t, "u1")

	a, err := st.atts.BeginUpload(ctx, th.ID, Upload{Name: "a.txt", Data: []byte("a")})
	if err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}
	foreign, err := st.atts.BeginUpload(ctx, other.ID, Upload{Name: "b.txt", Data: []byte("b")})
	if err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}
	m := st.append(t, th.ID, domain.RoleUser, "see attached")

	if _, err := st.atts.Associate(ctx, nil, m.ID); !errors.Is(err, ErrNoAttachment) {
		t.Fatalf("expected ErrNoAttachment, got %v", err)
	}
	if _, err := st.atts.Associate(ctx, []string{a.ID}, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if _, err := st.atts.Associate(ctx, []string{a.ID, "ghost"}, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.atts.Associate(ctx, []string{foreign.ID}, m.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	n, err := st.atts.Associate(ctx, []string{a.ID, a.ID}, m.ID)
	if err != nil || n != 1 {
		t.Fatalf("Associate = %d (%v)", n, err)
	}
	n, err = st.atts.Associate(ctx, []string{a.ID}, m.ID)
	if err != nil || n != 0 {
		t.Fatalf("repeat Associate = %d (%v); want 0", n, err)
	}

	bound, err := st.atts.ForMessage(ctx, m.ID)
	if err != nil || len(bound) != 1 || bound[0].ID != a.ID || bound[0].URL == "" {
		t.Fatalf("ForMessage = %+v (%v)", bound, err)
	}
}

func TestAttachmentService_SweepOrphans(t *testing.T) {
	st := newStack(t, nil)
	ctx := context.Background()
	th := st.thread(t, "u1")

	kept, err := st.atts.BeginUpload(ctx, th.ID, Upload{Name: "kept.txt", Data: []byte("k")})
	if err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}
	orphan, err := st.atts.BeginUpload(ctx, th.ID, Upload{Name: "orphan.txt", Data: []byte("o")})
	if err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}
	m := st.append(t, th.ID, domain.RoleUser, "hi")
	if _, err := st.atts.Associate(ctx, []string{kept.ID}, m.ID); err != nil {
		t.Fatalf("Associate: %v", err)
	}

	// Inside the grace period nothing goes.
	n, err := st.atts.SweepOrphans(ctx, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("SweepOrphans(1h) = %d (%v)", n, err)
	}

	n, err = st.atts.SweepOrphans(ctx, -time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("SweepOrphans = %d (%v); want 1", n, err)
	}
	if _, err := st.atts.Open(ctx, orphan.StorageRef); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("orphan payload should be gone, got %v", err)
	}
	all, err := st.atts.Resolve(ctx, th.ID)
	if err != nil || len(all) != 1 || all[0].ID != kept.ID {
		t.Fatalf("remaining = %+v (%v)", all, err)
	}
}
