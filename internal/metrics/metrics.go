// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for a Qakka server. It deliberately avoids the
// prometheus/client_golang package so the server binary stays small with no
// additional dependencies.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a
// single sync.Map can hold all label combinations without additional map
// nesting.
//
//	Sent / Leased / Acked / Nacked / TimedOut / Busy / Errors  →  key = "queue\tregion"
//	HTTPReqs                                                    →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                                      →  key = "method\tpath"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all
// counters in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds every counter the §4.12 metrics section names, plus the
// HTTP-transport counters the donor's own dashboard relies on.
type Registry struct {
	// Queue-level counters. key = "queue\tregion".
	Sent     labelCounter
	Leased   labelCounter
	Acked    labelCounter
	Nacked   labelCounter
	TimedOut labelCounter
	Busy     labelCounter
	Errors   labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		writeQueueFamily(&b, "qakka_sent_total", "Total messages sent", &r.Sent)
		writeQueueFamily(&b, "qakka_leased_total", "Total messages leased via getNextMessages", &r.Leased)
		writeQueueFamily(&b, "qakka_acked_total", "Total messages acknowledged", &r.Acked)
		writeQueueFamily(&b, "qakka_nacked_total", "Total messages explicitly nacked", &r.Nacked)
		writeQueueFamily(&b, "qakka_timed_out_total", "Total leases returned to available by the inflight reaper", &r.TimedOut)
		writeQueueFamily(&b, "qakka_busy_total", "Total requests rejected because an actor mailbox was full", &r.Busy)
		writeQueueFamily(&b, "qakka_errors_total", "Total requests that failed with an internal error", &r.Errors)

		// ── HTTP counters ─────────────────────────────────────────────────────
		writeFamily(&b, "qakka_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "qakka_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "qakka_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

func writeQueueFamily(b *strings.Builder, name, help string, c *labelCounter) {
	writeFamily(b, name, help, "counter", func(fn func(labels, val string)) {
		c.Each(func(key string, val int64) {
			queue, region := splitTwo(key)
			fn(fmt.Sprintf(`queue=%q,region=%q`, queue, region), fmt.Sprintf("%d", val))
		})
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// QueueKey builds the label key used by the queue-level counters.
func QueueKey(queue, region string) string {
	return queue + "\t" + region
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
