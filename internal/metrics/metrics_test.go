package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordOutcome(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordOutcome("daily", "fired", "")
	c.RecordOutcome("daily", "fired", "")
	c.RecordOutcome("weekly", "failed", "delivery")

	if got := testutil.ToFloat64(c.outcomes.WithLabelValues("daily", "fired", "")); got != 2 {
		t.Fatalf("daily fired = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.outcomes.WithLabelValues("weekly", "failed", "delivery")); got != 1 {
		t.Fatalf("weekly failed = %v, want 1", got)
	}
}

func TestRecordTick(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTick("normal", 3, 40*time.Millisecond)
	c.RecordTick("force", 5, time.Millisecond)

	if got := testutil.ToFloat64(c.ticks.WithLabelValues("normal")); got != 1 {
		t.Fatalf("normal ticks = %v", got)
	}
	if got := testutil.ToFloat64(c.activeUsers); got != 5 {
		t.Fatalf("active users = %v, want 5", got)
	}
	if n := testutil.CollectAndCount(c.tickDuration); n != 1 {
		t.Fatalf("histogram series = %d", n)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordOutcome("daily", "skipped", "unknown_timezone")

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body, _ := io.ReadAll(w.Result().Body)
	if !strings.Contains(string(body), "gratibot_dispatch_outcomes_total") {
		t.Fatalf("body missing outcome counter:\n%s", body)
	}
}
