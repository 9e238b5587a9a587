package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/apache/qakka/internal/metrics"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

func TestRegistry_QueueCounters(t *testing.T) {
	var reg metrics.Registry

	key := metrics.QueueKey("orders", "us-east")
	reg.Sent.Inc(key)
	reg.Sent.Inc(key)
	reg.Sent.Add(key, 3)

	got := int64(0)
	reg.Sent.Each(func(k string, v int64) {
		if k == key {
			got = v
		}
	})
	if got != 5 {
		t.Fatalf("Sent count = %d, want 5", got)
	}
}

func TestRegistry_HTTPCounters(t *testing.T) {
	var reg metrics.Registry

	reqKey := metrics.HTTPKey("POST", "/queues/orders/messages", "200")
	durKey := metrics.HTTPDurKey("POST", "/queues/orders/messages")

	reg.HTTPReqs.Inc(reqKey)
	reg.HTTPReqs.Inc(reqKey)
	reg.HTTPDurMs.Add(durKey, 42)
	reg.HTTPDurMs.Add(durKey, 18)
	reg.HTTPDurCnt.Inc(durKey)
	reg.HTTPDurCnt.Inc(durKey)

	reqCount := int64(0)
	reg.HTTPReqs.Each(func(k string, v int64) {
		if k == reqKey {
			reqCount = v
		}
	})
	if reqCount != 2 {
		t.Fatalf("HTTPReqs count = %d, want 2", reqCount)
	}

	durSum := int64(0)
	reg.HTTPDurMs.Each(func(k string, v int64) {
		if k == durKey {
			durSum = v
		}
	})
	if durSum != 60 {
		t.Fatalf("HTTPDurMs sum = %d, want 60", durSum)
	}
}

// ─── Prometheus output format ─────────────────────────────────────────────────

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestHandler_ContentType(t *testing.T) {
	var reg metrics.Registry
	reg.Sent.Inc(metrics.QueueKey("q", "r"))

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}

func TestHandler_EmptyRegistry(t *testing.T) {
	var reg metrics.Registry
	body := scrape(t, &reg)
	if body != "" {
		t.Fatalf("expected empty body for empty registry, got:\n%s", body)
	}
}

func TestHandler_SentCounter(t *testing.T) {
	var reg metrics.Registry

	reg.Sent.Inc(metrics.QueueKey("payments", "us-east"))
	reg.Sent.Add(metrics.QueueKey("payments", "us-east"), 4)
	reg.Sent.Inc(metrics.QueueKey("analytics", "eu-west"))

	body := scrape(t, &reg)

	mustContain(t, body, "# HELP qakka_sent_total")
	mustContain(t, body, "# TYPE qakka_sent_total counter")
	mustContain(t, body, `queue="payments"`)
	mustContain(t, body, `region="us-east"`)
	mustContain(t, body, `queue="analytics"`)
}

func TestHandler_HTTPCounters(t *testing.T) {
	var reg metrics.Registry

	reg.HTTPReqs.Inc(metrics.HTTPKey("GET", "/health", "200"))
	reg.HTTPDurMs.Add(metrics.HTTPDurKey("GET", "/health"), 5)
	reg.HTTPDurCnt.Inc(metrics.HTTPDurKey("GET", "/health"))

	body := scrape(t, &reg)

	mustContain(t, body, "# HELP qakka_http_requests_total")
	mustContain(t, body, `method="GET"`)
	mustContain(t, body, `path="/health"`)
	mustContain(t, body, `status="200"`)
	mustContain(t, body, "qakka_http_request_duration_milliseconds_sum")
	mustContain(t, body, "qakka_http_request_duration_milliseconds_count")
}

func TestHandler_MultipleMetricFamilies(t *testing.T) {
	var reg metrics.Registry

	k := metrics.QueueKey("jobs", "us-east")
	reg.Sent.Add(k, 10)
	reg.Leased.Add(k, 8)
	reg.Acked.Add(k, 7)
	reg.Nacked.Add(k, 1)
	reg.TimedOut.Add(k, 1)
	reg.Busy.Add(k, 0)
	reg.Errors.Add(k, 0)

	body := scrape(t, &reg)

	mustContain(t, body, "qakka_sent_total")
	mustContain(t, body, "qakka_leased_total")
	mustContain(t, body, "qakka_acked_total")
	mustContain(t, body, "qakka_nacked_total")
	mustContain(t, body, "qakka_timed_out_total")
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func mustContain(t *testing.T, body, substr string) {
	t.Helper()
	if !strings.Contains(body, substr) {
		t.Errorf("expected body to contain %q\nbody:\n%s", substr, body)
	}
}

// ─── Concurrent safety ────────────────────────────────────────────────────────

func TestRegistry_ConcurrentInc(t *testing.T) {
	var reg metrics.Registry
	key := metrics.QueueKey("load", "test")

	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		go func() {
			reg.Sent.Inc(key)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	got := int64(0)
	reg.Sent.Each(func(k string, v int64) {
		if k == key {
			got = v
		}
	})
	if got != 100 {
		t.Fatalf("concurrent Inc: got %d, want 100", got)
	}
}
