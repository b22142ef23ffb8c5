package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	c := NewMetricsCollector()

	ctr := c.Counter("test_total", "test counter", "")
	ctr.Inc()
	ctr.Add(4)
	if ctr.Value() != 5 {
		t.Errorf("counter = %d, want 5", ctr.Value())
	}
	if same := c.Counter("test_total", "test counter", ""); same != ctr {
		t.Error("registering the same name should return the same counter")
	}

	g := c.Gauge("test_gauge", "test gauge", "")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 9 {
		t.Errorf("gauge = %d, want 9", g.Value())
	}
}

func TestHistogramBucketCounts(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("test_seconds", "test histogram", "", []float64{0.1, 1, 10})

	for _, v := range []float64{0.05, 0.5, 5, 50} {
		h.Observe(v)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count != 4 {
		t.Errorf("count = %d, want 4", h.count)
	}
	// Buckets are cumulative.
	want := []int64{1, 2, 3}
	for i, b := range h.buckets {
		if b.count != want[i] {
			t.Errorf("bucket le=%g count = %d, want %d", b.le, b.count, want[i])
		}
	}
}

func TestHandlerRendersExpositionFormat(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("demo_total", "demo counter", "").Add(3)
	c.Gauge("demo_gauge", "demo gauge", "").Set(7)
	c.Histogram("demo_seconds", "demo histogram", `stage="security"`, []float64{0.1, 1}).Observe(0.5)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"# TYPE demo_total counter",
		"demo_total 3",
		"demo_gauge 7",
		"# TYPE demo_seconds histogram",
		`demo_seconds_bucket{stage="security",le="0.1"} 0`,
		`demo_seconds_bucket{stage="security",le="1"} 1`,
		`demo_seconds_count{stage="security"} 1`,
		"relaybot_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}
