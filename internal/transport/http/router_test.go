package httptransport_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ErlanBelekov/krithi-import/internal/infrastructure/memory"
	"github.com/ErlanBelekov/krithi-import/internal/pipeline"
	httptransport "github.com/ErlanBelekov/krithi-import/internal/transport/http"
	"github.com/ErlanBelekov/krithi-import/internal/transport/http/handler"
	"github.com/ErlanBelekov/krithi-import/internal/usecase"
	"github.com/gin-gonic/gin"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	stores := pipeline.Stores{
		Batches: store.Batches(),
		Jobs:    store.Jobs(),
		Tasks:   store.Tasks(),
		Events:  store.Events(),
		Imports: store.Imports(),
	}
	completion := pipeline.NewCompletionHandler(stores, nil, nil, logger)
	uc := usecase.NewBatchUsecase(stores, completion, nil, logger)
	return httptransport.NewRouter(logger, handler.NewBatchHandler(uc, logger))
}

func TestRouter_SubmitThenFetch(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(`{"manifest_path":"/data/m.csv"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-123")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", w.Code, w.Body)
	}
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("decode create response: %v (%s)", err, w.Body)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/batches/"+created.ID+"/jobs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("jobs status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "MANIFEST_INGEST") {
		t.Errorf("jobs body = %s", w.Body)
	}
}

func TestRouter_UnknownBatch(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(t).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/batches/nope/pause", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
