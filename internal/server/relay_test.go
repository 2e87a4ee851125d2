package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/operator/internal/pushchan"
	"github.com/ehrlich-b/operator/internal/queue"
	"github.com/ehrlich-b/operator/internal/registry"
	"github.com/ehrlich-b/operator/internal/storage"
)

func newTestRelay(t *testing.T, maxJobTimeout, checkInterval time.Duration) (*Relay, *registry.Registry, *queue.Queue, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:", "", nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	ch := pushchan.New()
	q := queue.New()
	d := NewDispatcher(reg, ch, q, store, nil)
	return NewRelay(d, q, maxJobTimeout, checkInterval, nil), reg, q, store
}

func TestRelay_BadRequest(t *testing.T) {
	rl, _, _, _ := newTestRelay(t, 0, 0)

	r := httptest.NewRequest(http.MethodPost, "/inference", strings.NewReader(`{"model":""}`))
	w := httptest.NewRecorder()
	rl.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRelay_NoCapableNode(t *testing.T) {
	rl, _, _, _ := newTestRelay(t, 0, 0)

	body, _ := json.Marshal(inferenceRequest{Model: "llama3", Prompt: "hi"})
	r := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(body))
	w := httptest.NewRecorder()
	rl.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRelay_StreamsChunksUntilTerminal(t *testing.T) {
	rl, reg, q, store := newTestRelay(t, time.Minute, 5*time.Millisecond)
	reg.Register("n_1", "http://n1", []string{"llama3"}, "")

	body, _ := json.Marshal(inferenceRequest{Model: "llama3", Prompt: "hi"})
	r := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(body))
	w := httptest.NewRecorder()

	// Wait for the job ServeHTTP creates to land in the ledger, then
	// feed it chunks and mark it terminal. Only the Queue/Storage are
	// touched from this goroutine — never the ResponseRecorder, which
	// ServeHTTP is still writing to on the test's own goroutine.
	go func() {
		var jobID string
		for i := 0; i < 200; i++ {
			recs, err := store.ListJobRecords(t.Context(), storage.JobRecordFilter{Model: "llama3"})
			if err == nil && len(recs) == 1 {
				jobID = recs[0].JobID
				break
			}
			time.Sleep(time.Millisecond)
		}
		if jobID == "" {
			return
		}
		q.AppendChunk(jobID, []byte(`{"token":"hello"}`))
		q.Complete(jobID, "")
	}()

	rl.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "hello") {
		t.Errorf("body = %q, want it to contain the streamed chunk", w.Body.String())
	}
}

func TestRelay_TimesOut(t *testing.T) {
	rl, reg, _, _ := newTestRelay(t, 10*time.Millisecond, 2*time.Millisecond)
	reg.Register("n_1", "http://n1", []string{"llama3"}, "")

	body, _ := json.Marshal(inferenceRequest{Model: "llama3", Prompt: "hi"})
	r := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(body))
	w := httptest.NewRecorder()

	rl.ServeHTTP(w, r)

	if !strings.Contains(w.Body.String(), "Job timeout") {
		t.Errorf("body = %q, want a timeout chunk", w.Body.String())
	}
}
