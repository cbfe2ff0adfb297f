// Package batch fans independent requests out to the transport with bounded
// concurrency.
//
// Results come back in input order regardless of completion order, and a
// failed request never affects its neighbours: the caller gets one Outcome
// per request and decides what partial failure means. Dispatch itself has no
// error return for exactly that reason.
package batch

import (
	"context"
	"sync"

	"github.com/ratchet-labs/ratchet/internal/types"
)

// DefaultConcurrency is the dispatch ceiling used when none is configured.
const DefaultConcurrency = 5

// Executor runs one logical request to completion. *transport.Client
// implements it.
type Executor interface {
	Execute(ctx context.Context, req types.Request) types.Outcome
}

// Result pairs a request with its outcome. Index is the request's position in
// the dispatched slice.
type Result struct {
	Index   int
	Request types.Request
	Outcome types.Outcome
}

// ─── Dispatcher ───────────────────────────────────────────────────────────────

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency sets the maximum number of requests in flight at once.
// Values below 1 fall back to DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n >= 1 {
			d.concurrency = n
		}
	}
}

// Dispatcher executes request sets through an Executor. It is stateless
// between calls and safe for concurrent use.
type Dispatcher struct {
	exec        Executor
	concurrency int
}

// New creates a Dispatcher over exec.
func New(exec Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec:        exec,
		concurrency: DefaultConcurrency,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Concurrency returns the dispatcher's in-flight ceiling.
func (d *Dispatcher) Concurrency() int { return d.concurrency }

// Dispatch executes every request and returns one Result per request, in
// input order. At most the configured concurrency runs at once. Cancelling
// ctx does not abandon the slice: requests not yet started fail fast through
// the executor, so every Result is always filled in.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []types.Request) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	workers := d.concurrency
	if workers > len(reqs) {
		workers = len(reqs)
	}

	// Each worker writes only the slots it drew from the channel, so the
	// results slice needs no lock.
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = Result{
					Index:   i,
					Request: reqs[i],
					Outcome: d.exec.Execute(ctx, reqs[i]),
				}
			}
		}()
	}
	for i := range reqs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}
