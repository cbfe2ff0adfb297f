// Package engine assembles Ratchet's subsystems behind one facade: a
// retrying transport, an order-preserving concurrent dispatcher, a
// persistent TTL cache, and a checkpointed batch processor, all built from
// a single config.
//
// # Quick start
//
//	cfg, err := config.Load("ratchet.yaml")
//	if err != nil { ... }
//
//	eng, err := engine.New(cfg)
//	if err != nil { ... }
//	defer eng.Close()
//
//	out := eng.Execute(ctx, types.Request{Method: "GET", Path: "/rest/api/2/myself"})
//
// # Stub mode
//
// With remote.stub set, the engine swaps the network for an in-memory
// transport whose canned responses are registered through Stub(). Nothing
// else changes: retries, caching and checkpointing behave exactly as they
// would against a live remote, which is what makes offline rehearsal of a
// batch run trustworthy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/ratchet-labs/ratchet/internal/batch"
	"github.com/ratchet-labs/ratchet/internal/cache"
	"github.com/ratchet-labs/ratchet/internal/checkpoint"
	"github.com/ratchet-labs/ratchet/internal/config"
	"github.com/ratchet-labs/ratchet/internal/ident"
	"github.com/ratchet-labs/ratchet/internal/metrics"
	"github.com/ratchet-labs/ratchet/internal/processor"
	"github.com/ratchet-labs/ratchet/internal/transport"
	"github.com/ratchet-labs/ratchet/internal/types"
)

// The processor dispatches through the same client callers use directly.
var _ batch.Executor = (*transport.Client)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches a registry; transport, cache and processor counters
// all land in it.
func WithMetrics(reg *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = reg }
}

// WithHTTPClient overrides the transport's HTTP client. It takes precedence
// over remote.stub.
func WithHTTPClient(hc *http.Client) Option {
	return func(e *Engine) { e.httpClient = hc }
}

// Engine wires the transport, dispatcher, cache and processor into a single
// facade. All methods are safe for concurrent use.
type Engine struct {
	cfg     *config.Config
	metrics *metrics.Registry

	httpClient *http.Client

	client      *transport.Client
	dispatcher  *batch.Dispatcher
	checkpoints *checkpoint.Store
	cache       *cache.Cache
	proc        *processor.Processor
	stub        *transport.StubTransport

	closeOnce sync.Once
	closeErr  error
}

// New builds an engine from cfg. A nil cfg means defaults; the config is
// validated either way. The data directory is created if missing.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: config: %w", err)
	}

	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}

	// Transport first: live, stubbed, or caller-supplied.
	topts := []transport.Option{
		transport.WithRetryPolicy(retryPolicy(cfg)),
		transport.WithTimeout(cfg.RemoteTimeout()),
	}
	if cfg.Remote.UserAgent != "" {
		topts = append(topts, transport.WithUserAgent(cfg.Remote.UserAgent))
	}
	if cfg.Remote.RequestsPerSecond > 0 {
		topts = append(topts, transport.WithRateLimit(cfg.Remote.RequestsPerSecond, cfg.Remote.Burst))
	}
	if e.metrics != nil {
		topts = append(topts, transport.WithMetrics(e.metrics))
	}

	baseURL := cfg.Remote.BaseURL
	switch {
	case e.httpClient != nil:
		topts = append(topts, transport.WithHTTPClient(e.httpClient))
	case cfg.Remote.Stub:
		e.stub = transport.NewStub()
		topts = append(topts, transport.WithHTTPClient(&http.Client{Transport: e.stub}))
		if baseURL == "" {
			// The stub never dials, so any absolute URL will do.
			baseURL = "http://ratchet.stub"
		}
	}
	if baseURL == "" {
		return nil, errors.New("engine: remote.base_url is required unless remote.stub is on")
	}

	client, err := transport.New(baseURL, topts...)
	if err != nil {
		return nil, err
	}
	e.client = client

	// Then the stores under the data directory.
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}
	store, err := checkpoint.Open(filepath.Join(cfg.DataDir, "checkpoints.db"))
	if err != nil {
		return nil, err
	}
	e.checkpoints = store

	if cfg.Cache.Enabled {
		copts := []cache.Option{cache.WithDefaultTTL(cfg.CacheTTL())}
		if e.metrics != nil {
			copts = append(copts, cache.WithMetrics(e.metrics))
		}
		c, err := cache.Open(filepath.Join(cfg.DataDir, "cache.db"), copts...)
		if err != nil {
			store.Close()
			return nil, err
		}
		e.cache = c
	}

	// Finally the layers that only hold references.
	e.dispatcher = batch.New(client, batch.WithConcurrency(cfg.Batch.Concurrency))

	popts := []processor.Option{processor.WithChunkSize(cfg.Processor.ChunkSize)}
	if e.metrics != nil {
		popts = append(popts, processor.WithMetrics(e.metrics))
	}
	e.proc = processor.New(store, client, popts...)

	return e, nil
}

// retryPolicy maps the config's retry section onto a transport policy.
func retryPolicy(cfg *config.Config) transport.RetryPolicy {
	return transport.RetryPolicy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
		Multiplier:     cfg.Retry.Multiplier,
		Jitter:         cfg.Retry.Jitter,
		MaxElapsed:     cfg.MaxElapsed(),
	}
}

// Close releases the engine's stores. Safe to call more than once; later
// calls return the first close error.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.cache != nil {
			if err := e.cache.Close(); err != nil {
				e.closeErr = err
			}
		}
		if err := e.checkpoints.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
	})
	return e.closeErr
}

// ─── Ad-hoc requests ─────────────────────────────────────────────────────────

// Execute performs one request under the configured retry policy. An empty
// idempotency key is filled with a fresh random one, so even ad-hoc calls
// retry safely against a deduplicating remote.
func (e *Engine) Execute(ctx context.Context, req types.Request) types.Outcome {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = ident.NewIdempotencyKey()
	}
	return e.client.Execute(ctx, req)
}

// ExecuteWith performs one request under a caller-supplied retry policy.
func (e *Engine) ExecuteWith(ctx context.Context, req types.Request, policy transport.RetryPolicy) types.Outcome {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = ident.NewIdempotencyKey()
	}
	return e.client.ExecuteWith(ctx, req, policy)
}

// Dispatch fans the requests out with the configured concurrency and
// returns results in input order. Requests are copied before empty
// idempotency keys are filled; the caller's slice is never written to.
func (e *Engine) Dispatch(ctx context.Context, reqs []types.Request) []batch.Result {
	out := make([]types.Request, len(reqs))
	copy(out, reqs)
	for i := range out {
		if out[i].IdempotencyKey == "" {
			out[i].IdempotencyKey = ident.NewIdempotencyKey()
		}
	}
	return e.dispatcher.Dispatch(ctx, out)
}

// ─── Batch runs ──────────────────────────────────────────────────────────────

// StartRun persists a new batch run and returns its ID.
func (e *Engine) StartRun(items []processor.NewItem, opts processor.StartOptions) (string, error) {
	return e.proc.Start(items, opts)
}

// Run drives a batch run until every item is terminal or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, runID string, build processor.BuildFunc) (*types.RunSnapshot, error) {
	return e.proc.Run(ctx, runID, build)
}

// Resume continues an interrupted or crashed batch run.
func (e *Engine) Resume(ctx context.Context, runID string, build processor.BuildFunc) (*types.RunSnapshot, error) {
	return e.proc.Resume(ctx, runID, build)
}

// RunStatus returns a point-in-time snapshot of one run.
func (e *Engine) RunStatus(runID string) (*types.RunSnapshot, error) {
	return e.proc.Status(runID)
}

// RunItems returns the run's items in submission order.
func (e *Engine) RunItems(runID string) ([]*types.BatchItem, error) {
	return e.proc.Items(runID)
}

// FailedItems returns the run's failed items in submission order.
func (e *Engine) FailedItems(runID string) ([]*types.BatchItem, error) {
	return e.proc.FailedItems(runID)
}

// RetryFailed creates a fresh run over a finished run's failed items and
// returns the new run ID.
func (e *Engine) RetryFailed(runID string, opts processor.StartOptions) (string, error) {
	return e.proc.RetryFailed(runID, opts)
}

// ListRuns returns metadata for every stored run, newest first.
func (e *Engine) ListRuns() ([]*checkpoint.RunMeta, error) {
	return e.checkpoints.ListRuns()
}

// DeleteRun removes a finished run and its items from the checkpoint store.
func (e *Engine) DeleteRun(runID string) error {
	return e.checkpoints.DeleteRun(runID)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Cache returns the persistent TTL cache, or nil when cache.enabled is off.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Stub returns the canned-response transport in stub mode, nil otherwise.
func (e *Engine) Stub() *transport.StubTransport { return e.stub }

// Client returns the underlying transport client.
func (e *Engine) Client() *transport.Client { return e.client }
