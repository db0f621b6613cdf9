package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"

	"vizcache-gateway/internal/cache"
	"vizcache-gateway/internal/handlers"
	"vizcache-gateway/internal/vision"
)

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()
	coord := cache.NewCoordinator(cache.NewMemoryStore(cache.MemoryConfig{}), cache.Config{})
	h := handlers.NewAnalyzeHandler(coord, nil, vision.DefaultPrompt, 1024)

	r := chi.NewRouter()
	SetupRouter(r, zaptest.NewLogger(t), h, Options{RequestTimeout: time.Second, MaxBodyBytes: 1024})
	return r
}

func TestRouterHealthz(t *testing.T) {
	r := newTestRouter(t)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", rr.Code, rr.Body.String())
	}
}

func TestRouterMetrics(t *testing.T) {
	r := newTestRouter(t)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rr.Code)
	}
}

func TestRouterAnalyzeRejectsOversizedBody(t *testing.T) {
	r := newTestRouter(t)

	body := strings.NewReader(strings.Repeat("x", 200*1024))
	req := httptest.NewRequest(http.MethodPost, "/analyze/", body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized upload, got %d", rr.Code)
	}
}

func TestRouterUnknownMethod(t *testing.T) {
	r := newTestRouter(t)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/analyze/", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
