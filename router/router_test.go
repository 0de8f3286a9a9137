package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dualrail/ratepipe/obs"
)

type fakeReady struct {
	ready bool
}

func (f fakeReady) Ready() bool { return f.ready }

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).With().Timestamp().Logger()
}

func TestHealthzAlwaysOK(t *testing.T) {
	r := New(testLogger(), nil, fakeReady{ready: false})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Result().StatusCode)
	}
}

func TestReadyzReflectsReadyChecker(t *testing.T) {
	notReady := New(testLogger(), nil, fakeReady{ready: false})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rw := httptest.NewRecorder()
	notReady.ServeHTTP(rw, req)
	if rw.Result().StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", rw.Result().StatusCode)
	}

	ready := New(testLogger(), nil, fakeReady{ready: true})
	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rw = httptest.NewRecorder()
	ready.ServeHTTP(rw, req)
	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rw.Result().StatusCode)
	}
}

func TestMetricsEndpointOmittedWhenNil(t *testing.T) {
	r := New(testLogger(), nil, fakeReady{ready: true})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for /metrics with no registry wired, got %d", rw.Result().StatusCode)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	metricsReg := obs.NewMetrics(testLogger())
	r := New(testLogger(), metricsReg, fakeReady{ready: true})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from metrics endpoint, got %d", rw.Result().StatusCode)
	}
}
