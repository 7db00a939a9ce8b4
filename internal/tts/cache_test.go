package tts

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestServer(t *testing.T, filename string, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parsing multipart form: %v", err)
		}
		if r.FormValue("text") == "" {
			t.Error("missing text form field")
		}
		w.Write([]byte(`{"filename":"` + filename + `"}`))
	}))
}

func TestGetAudioStripsGSM(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, "greeting-abc.gsm", &calls)
	defer srv.Close()

	c := NewCache(srv.URL, slog.Default())
	handle, err := c.GetAudio(context.Background(), 1, "hello")
	if err != nil {
		t.Fatalf("GetAudio() error = %v", err)
	}
	if handle != "greeting-abc" {
		t.Errorf("handle = %q, want %q", handle, "greeting-abc")
	}
}

func TestGetAudioNoExtension(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, "plain-name", &calls)
	defer srv.Close()

	c := NewCache(srv.URL, slog.Default())
	handle, err := c.GetAudio(context.Background(), 1, "hello")
	if err != nil {
		t.Fatalf("GetAudio() error = %v", err)
	}
	if handle != "plain-name" {
		t.Errorf("handle = %q", handle)
	}
}

func TestGetAudioMemoizes(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, "audio.gsm", &calls)
	defer srv.Close()

	c := NewCache(srv.URL, slog.Default())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.GetAudio(ctx, 1, "same text"); err != nil {
			t.Fatalf("GetAudio() error = %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("service called %d times, want 1", calls.Load())
	}

	// Different text misses.
	if _, err := c.GetAudio(ctx, 1, "other text"); err != nil {
		t.Fatalf("GetAudio() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("service called %d times, want 2", calls.Load())
	}

	// Different campaign misses even for identical text.
	if _, err := c.GetAudio(ctx, 2, "same text"); err != nil {
		t.Fatalf("GetAudio() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("service called %d times, want 3", calls.Load())
	}
}

func TestInvalidate(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, "audio.gsm", &calls)
	defer srv.Close()

	c := NewCache(srv.URL, slog.Default())
	ctx := context.Background()

	if _, err := c.GetAudio(ctx, 1, "text"); err != nil {
		t.Fatalf("GetAudio() error = %v", err)
	}
	if _, err := c.GetAudio(ctx, 2, "text"); err != nil {
		t.Fatalf("GetAudio() error = %v", err)
	}

	c.Invalidate(1)

	// Campaign 1 re-synthesizes, campaign 2 stays cached.
	if _, err := c.GetAudio(ctx, 1, "text"); err != nil {
		t.Fatalf("GetAudio() error = %v", err)
	}
	if _, err := c.GetAudio(ctx, 2, "text"); err != nil {
		t.Fatalf("GetAudio() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("service called %d times, want 3", calls.Load())
	}
}

func TestGetAudioServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "synthesis failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCache(srv.URL, slog.Default())
	if _, err := c.GetAudio(context.Background(), 1, "text"); err == nil {
		t.Error("expected error from failing service")
	}
}

func TestGetAudioEmptyFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"filename":""}`))
	}))
	defer srv.Close()

	c := NewCache(srv.URL, slog.Default())
	if _, err := c.GetAudio(context.Background(), 1, "text"); err == nil {
		t.Error("expected error for empty filename")
	}
}
