package obs

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestInstrumentUsesRoutePattern(t *testing.T) {
	m := NewMetrics()
	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/admin/events/{eventId}/tokens", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/events/e-42/tokens", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	m.CheckIn("OUTSIDE_ALLOWED_RADIUS")
	m.CloneSuspicion()

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	if !strings.Contains(text, `path="/admin/events/{eventId}/tokens"`) {
		t.Fatalf("expected route pattern label, got:\n%s", text)
	}
	if !strings.Contains(text, `attendance_checkins_total{outcome="OUTSIDE_ALLOWED_RADIUS"} 1`) {
		t.Fatalf("expected checkin counter")
	}
	if !strings.Contains(text, "attendance_credential_clone_suspicions_total 1") {
		t.Fatalf("expected clone counter")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CheckIn("ok")
	m.CloneSuspicion()
	m.AuditFailure()
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("nonsense", "production")
	if err != nil {
		t.Fatalf("logger error: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Fatalf("expected debug to be disabled")
	}
	dev, err := NewLogger("debug", "development")
	if err != nil {
		t.Fatalf("logger error: %v", err)
	}
	if !dev.Core().Enabled(-1) {
		t.Fatalf("expected debug enabled")
	}
}
