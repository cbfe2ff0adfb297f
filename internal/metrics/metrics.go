// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for Ratchet. It deliberately avoids the prometheus/client_golang
// package so the engine stays small with no additional dependencies.
//
// # Counter naming convention
//
// Every counter is keyed by a single label value, so a plain sync.Map per
// counter holds all label combinations without map nesting.
//
//	Attempts                →  key = HTTP method
//	Retries / Failures      →  key = error kind ("rate_limit", "server_error", …)
//	CacheHits / CacheMisses →  key = cache category
//	Items / Runs            →  key = terminal status
//	Chunks                  →  key = "" (unlabelled)
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
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

// Value returns the current count for key.
func (lc *labelCounter) Value(key string) int64 { return lc.get(key).Load() }

// Total returns the sum across all keys.
func (lc *labelCounter) Total() int64 {
	var sum int64
	lc.Each(func(_ string, v int64) { sum += v })
	return sum
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all Ratchet application metrics.
type Registry struct {
	// Transport counters.
	Attempts labelCounter // key = HTTP method; every attempt issued
	Retries  labelCounter // key = error kind that caused the retry
	Failures labelCounter // key = error kind of the final failure outcome

	// Cache counters.  key = category
	CacheHits   labelCounter
	CacheMisses labelCounter

	// Processor counters.  key = terminal status
	Items labelCounter
	Runs  labelCounter

	// Chunks committed to the checkpoint store.  key = ""
	Chunks labelCounter
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── transport counters ────────────────────────────────────────────────
		writeFamily(&b, "ratchet_transport_attempts_total",
			"Total transport attempts issued, by HTTP method", "counter",
			func(fn func(labels, val string)) {
				r.Attempts.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`method=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "ratchet_transport_retries_total",
			"Total retries, by the failure kind that caused them", "counter",
			func(fn func(labels, val string)) {
				r.Retries.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`kind=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "ratchet_transport_failures_total",
			"Total final failure outcomes, by error kind", "counter",
			func(fn func(labels, val string)) {
				r.Failures.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`kind=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		// ── cache counters ────────────────────────────────────────────────────
		writeFamily(&b, "ratchet_cache_hits_total",
			"Total cache hits, by category", "counter",
			func(fn func(labels, val string)) {
				r.CacheHits.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`category=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "ratchet_cache_misses_total",
			"Total cache misses, by category", "counter",
			func(fn func(labels, val string)) {
				r.CacheMisses.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`category=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		// ── processor counters ────────────────────────────────────────────────
		writeFamily(&b, "ratchet_items_total",
			"Total batch items, by terminal status", "counter",
			func(fn func(labels, val string)) {
				r.Items.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`status=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "ratchet_runs_total",
			"Total batch runs, by final status", "counter",
			func(fn func(labels, val string)) {
				r.Runs.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`status=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "ratchet_chunks_committed_total",
			"Total chunks committed to the checkpoint store", "counter",
			func(fn func(labels, val string)) {
				r.Chunks.Each(func(_ string, val int64) {
					fn("", fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
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
		if labels == "" {
			lines = append(lines, fmt.Sprintf("%s %s\n", name, val))
			return
		}
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
