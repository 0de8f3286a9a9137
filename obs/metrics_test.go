package obs

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestCounterIncAccumulates(t *testing.T) {
	m := NewMetrics(zerolog.Nop())
	m.CounterInc("test_counter", map[string]string{"status": "ok"})
	m.CounterInc("test_counter", map[string]string{"status": "ok"})
	m.CounterAdd("test_counter", map[string]string{"status": "error"}, 5)

	if got := m.getCounter("test_counter", map[string]string{"status": "ok"}).Value(); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := m.getCounter("test_counter", map[string]string{"status": "error"}).Value(); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestTrackDeriverRunSeparatesStatusLabels(t *testing.T) {
	m := NewMetrics(zerolog.Nop())
	m.TrackDeriverRun(10, 5.0, false)
	m.TrackDeriverRun(0, 1.0, true)

	if got := m.getCounter("ratepipe_deriver_runs_total", map[string]string{"status": "ok"}).Value(); got != 1 {
		t.Fatalf("expected 1 ok run, got %d", got)
	}
	if got := m.getCounter("ratepipe_deriver_runs_total", map[string]string{"status": "error"}).Value(); got != 1 {
		t.Fatalf("expected 1 error run, got %d", got)
	}
	if got := m.getCounter("ratepipe_deriver_readings_written_total", nil).Value(); got != 10 {
		t.Fatalf("expected 10 readings, got %d", got)
	}
}

func TestHandlerServesExpositionFormat(t *testing.T) {
	m := NewMetrics(zerolog.Nop())
	m.CounterInc("ratepipe_anomalies_detected_total", map[string]string{"kind": "spike", "meter_key": "api.calls"})
	m.GaugeSet("ratepipe_external_metrics_source_healthy", map[string]string{"source": "prom"}, 1)
	m.HistogramObserve("ratepipe_rating_duration_ms", map[string]string{"period": "daily", "status": "ok"}, 42)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rw := httptest.NewRecorder()
	m.Handler()(rw, req)

	body, err := io.ReadAll(rw.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := string(body)
	if !strings.Contains(out, "ratepipe_anomalies_detected_total") {
		t.Fatal("expected counter name in output")
	}
	if !strings.Contains(out, "ratepipe_external_metrics_source_healthy") {
		t.Fatal("expected gauge name in output")
	}
	if !strings.Contains(out, "ratepipe_rating_duration_ms_bucket") {
		t.Fatal("expected histogram bucket output")
	}
}
