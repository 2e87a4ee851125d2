package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/operator/internal/pushchan"
	"github.com/ehrlich-b/operator/internal/registry"
)

func TestWorkerStreamHandler_MissingNodeID(t *testing.T) {
	h := NewWorkerStreamHandler(registry.New(), pushchan.New(), NewWorkerAuth(AuthConfig{}), nil)

	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWorkerStreamHandler_Unauthorized(t *testing.T) {
	auth := NewWorkerAuth(AuthConfig{RegisterToken: "secret"})
	h := NewWorkerStreamHandler(registry.New(), pushchan.New(), auth, nil)

	r := httptest.NewRequest(http.MethodGet, "/stream?node_id=n_1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// flusherRecorder adapts httptest.ResponseRecorder to also satisfy
// http.Flusher, since the handler requires streaming support, and
// signals each flush so the test can synchronize without sleeping.
type flusherRecorder struct {
	*httptest.ResponseRecorder
	flushed chan struct{}
}

func (f *flusherRecorder) Flush() {
	select {
	case f.flushed <- struct{}{}:
	default:
	}
}

func TestWorkerStreamHandler_SendsConnectedThenJobPush(t *testing.T) {
	reg := registry.New()
	reg.Register("n_1", "http://n1", []string{"llama3"}, "")
	ch := pushchan.New()
	h := NewWorkerStreamHandler(reg, ch, NewWorkerAuth(AuthConfig{}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := httptest.NewRequest(http.MethodGet, "/stream?node_id=n_1", nil).WithContext(ctx)
	w := &flusherRecorder{ResponseRecorder: httptest.NewRecorder(), flushed: make(chan struct{}, 8)}

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(w, r)
		close(done)
	}()

	// Wait for the initial "connected" event to be flushed.
	select {
	case <-w.flushed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connected event")
	}

	if !ch.TryPush("n_1", pushchan.Message{
		Type: pushchan.TypeJobPush,
		Job:  &pushchan.JobPush{JobID: "j_1", Model: "llama3", Prompt: "hi"},
	}) {
		t.Fatal("expected TryPush to succeed while the stream is open")
	}

	select {
	case <-w.flushed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job push event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	body := w.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Errorf("body missing connected event: %q", body)
	}
	if !strings.Contains(body, "event: job") || !strings.Contains(body, "j_1") {
		t.Errorf("body missing job event: %q", body)
	}
}
