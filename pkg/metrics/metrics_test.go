package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounter(t *testing.T) {
	r := New()
	c := r.Counter("test_total", "A test counter")
	if c.Value() != 0 {
		t.Fatalf("expected 0, got %d", c.Value())
	}
	c.Inc()
	c.Inc()
	c.Add(5)
	if c.Value() != 7 {
		t.Fatalf("expected 7, got %d", c.Value())
	}
	// Same name returns same counter.
	if r.Counter("test_total", "") != c {
		t.Fatal("expected same counter instance")
	}
}

func TestGauge(t *testing.T) {
	r := New()
	g := r.Gauge("test_gauge", "A test gauge")
	g.Set(42)
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 43 {
		t.Fatalf("expected 43, got %d", g.Value())
	}
}

func TestHistogramBuckets(t *testing.T) {
	r := New()
	h := r.Histogram("test_duration_seconds", "A test histogram", []float64{0.1, 0.5, 1.0})
	h.Observe(0.05)
	h.Observe(0.3)
	h.Observe(0.8)
	h.Observe(2.0)

	_, counts, sum, count := h.snapshot()
	if count != 4 {
		t.Fatalf("expected count 4, got %d", count)
	}
	if counts[0] != 1 || counts[1] != 1 || counts[2] != 1 {
		t.Fatalf("unexpected bucket counts %v", counts)
	}
	want := 0.05 + 0.3 + 0.8 + 2.0
	if sum != want {
		t.Fatalf("expected sum %f, got %f", want, sum)
	}
}

func TestWithLabels(t *testing.T) {
	got := WithLabels("jobs_total", "status", "ok")
	if got != `jobs_total{status="ok"}` {
		t.Fatalf("got %q", got)
	}
	// Odd kvs fall back to the bare name.
	if WithLabels("x", "only-key") != "x" {
		t.Fatal("odd label pairs should be ignored")
	}
}

func TestRenderExposition(t *testing.T) {
	r := New()
	r.Counter("ingest_records_total", "Records ingested").Add(3)
	r.Counter(WithLabels("ingest_rejects_total", "reason", "validation"), "Rejections").Inc()
	r.Gauge("inflight_batches", "").Set(2)
	h := r.Histogram("batch_seconds", "", []float64{1, 5})
	h.Observe(0.5)
	h.Observe(7)

	out := r.Render()
	for _, want := range []string{
		"# TYPE ingest_records_total counter",
		"ingest_records_total 3",
		`ingest_rejects_total{reason="validation"} 1`,
		"inflight_batches 2",
		`batch_seconds_bucket{le="1"} 1`,
		`batch_seconds_bucket{le="+Inf"} 2`,
		"batch_seconds_count 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q in:\n%s", want, out)
		}
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("hits_total", "").Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type %q", ct)
	}
}
