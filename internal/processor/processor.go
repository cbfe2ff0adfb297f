// Package processor drives checkpointed batch runs: ordered item sequences
// dispatched chunk by chunk, with every status change persisted before the
// run advances.
//
// # Durability protocol
//
// Each chunk follows the same two-write dance. The chunk's items are marked
// in-flight and persisted first, then dispatched, then their terminal
// outcomes are persisted in one transaction before the next chunk starts.
// A crash between the two writes leaves items in-flight on disk; loading
// the run re-queues exactly those items, so work is never lost, only
// possibly repeated. Idempotency keys are derived from the run and item
// IDs, so a deduplicating remote sees the repeat as the original request.
//
// # Exclusivity
//
// A run is driven by at most one goroutine per process. Run and Resume
// return ErrRunActive while the run is being driven elsewhere. Exclusivity
// is process-local: the checkpoint store does not arbitrate between
// processes.
//
// # Quick start
//
//	proc := processor.New(store, client)
//
//	runID, err := proc.Start(items, processor.StartOptions{ChunkSize: 50})
//	if err != nil { ... }
//
//	snap, err := proc.Run(ctx, runID, func(it *types.BatchItem) (types.Request, error) {
//	    return types.Request{Method: "POST", Path: "/rest/api/2/issue", Body: it.Payload}, nil
//	})
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ratchet-labs/ratchet/internal/batch"
	"github.com/ratchet-labs/ratchet/internal/checkpoint"
	"github.com/ratchet-labs/ratchet/internal/ident"
	"github.com/ratchet-labs/ratchet/internal/metrics"
	"github.com/ratchet-labs/ratchet/internal/types"
)

// DefaultChunkSize is the number of items committed as one progress unit
// when neither the processor nor the run specifies a chunk size.
const DefaultChunkSize = 50

// maxItemIDLen bounds an item ID. The checkpoint item record stores the ID
// length in two bytes; this keeps submissions far from that edge.
const maxItemIDLen = 512

var (
	// ErrRunActive means the run is already being driven by this process.
	ErrRunActive = errors.New("processor: run is already active")

	// ErrNoItems means a run was started, or a retry requested, with nothing
	// to do.
	ErrNoItems = errors.New("processor: no items")

	// ErrDuplicateItem means two submitted items share an ID.
	ErrDuplicateItem = errors.New("processor: duplicate item id")

	// ErrRunNotTerminal means the operation needs a finished run.
	ErrRunNotTerminal = errors.New("processor: run has not finished")
)

// BuildFunc turns one batch item into the request that performs it.
// Returning an error fails the item without dispatching it.
type BuildFunc func(it *types.BatchItem) (types.Request, error)

// NewItem is one unit of work submitted to Start.
type NewItem struct {
	// ID identifies the item within its run. Must be non-empty and unique.
	ID string

	// Payload is the caller's raw input, stored verbatim in the checkpoint
	// and handed back to the build function on every dispatch.
	Payload []byte
}

// StartOptions shape one run. Zero fields take defaults.
type StartOptions struct {
	// ChunkSize is the number of items processed and committed as one
	// atomic progress unit.
	ChunkSize int

	// Concurrency caps parallel dispatches within a chunk.
	Concurrency int

	// DryRun classifies items without dispatching anything.
	DryRun bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithChunkSize sets the default chunk size for runs that do not specify
// their own. Values below 1 are ignored.
func WithChunkSize(n int) Option {
	return func(p *Processor) {
		if n >= 1 {
			p.chunkSize = n
		}
	}
}

// WithMetrics attaches a metrics registry. Item, run and chunk counters are
// skipped when none is set.
func WithMetrics(reg *metrics.Registry) Option {
	return func(p *Processor) { p.metrics = reg }
}

// Processor owns the run lifecycle on top of a checkpoint store and an
// executor. Safe for concurrent use; distinct runs may be driven in
// parallel.
type Processor struct {
	store     *checkpoint.Store
	exec      batch.Executor
	chunkSize int
	metrics   *metrics.Registry

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates a processor over the given store and executor.
func New(store *checkpoint.Store, exec batch.Executor, opts ...Option) *Processor {
	p := &Processor{
		store:     store,
		exec:      exec,
		chunkSize: DefaultChunkSize,
		active:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ─── Run lifecycle ────────────────────────────────────────────────────────────

// Start validates and persists a new run, returning its ID. Every item is
// created pending; nothing is dispatched until Run.
func (p *Processor) Start(items []NewItem, opts StartOptions) (string, error) {
	if len(items) == 0 {
		return "", ErrNoItems
	}
	seen := make(map[string]bool, len(items))
	for i, it := range items {
		if it.ID == "" {
			return "", fmt.Errorf("processor: item %d: empty id", i)
		}
		if len(it.ID) > maxItemIDLen {
			return "", fmt.Errorf("processor: item %d: id longer than %d bytes", i, maxItemIDLen)
		}
		if seen[it.ID] {
			return "", fmt.Errorf("%w: %s", ErrDuplicateItem, it.ID)
		}
		seen[it.ID] = true
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = p.chunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = batch.DefaultConcurrency
	}

	id, err := ident.NewRunID()
	if err != nil {
		return "", fmt.Errorf("processor: new run id: %w", err)
	}

	now := time.Now().UnixMilli()
	run := &types.BatchRun{
		ID:          id,
		Status:      types.RunCreated,
		ChunkSize:   opts.ChunkSize,
		Concurrency: opts.Concurrency,
		DryRun:      opts.DryRun,
		CreatedAt:   now,
		UpdatedAt:   now,
		Items:       make([]*types.BatchItem, 0, len(items)),
	}
	for _, it := range items {
		run.Items = append(run.Items, &types.BatchItem{
			ID:        it.ID,
			Payload:   it.Payload,
			Status:    types.ItemPending,
			UpdatedAt: now,
		})
	}

	if err := p.store.CreateRun(run); err != nil {
		return "", err
	}
	slog.Info("run created",
		"run_id", id,
		"items", len(items),
		"chunk_size", opts.ChunkSize,
		"concurrency", opts.Concurrency,
		"dry_run", opts.DryRun)
	return id, nil
}

// Run drives the run until every item is terminal or the context is
// cancelled, and returns the resulting snapshot. Calling it on a finished
// run returns the snapshot without dispatching anything, so Run is safe to
// repeat.
//
// Cancellation is honoured between chunks: the chunk in flight finishes and
// commits, the run is stamped interrupted, and the returned error is nil.
// An interruption is an outcome, not a failure; Resume picks up from the
// committed frontier.
func (p *Processor) Run(ctx context.Context, runID string, build BuildFunc) (*types.RunSnapshot, error) {
	if build == nil {
		return nil, errors.New("processor: nil build function")
	}
	if err := p.acquire(runID); err != nil {
		return nil, err
	}
	defer p.release(runID)

	return p.drive(ctx, runID, build)
}

// Resume continues an interrupted or crashed run. It is Run under a clearer
// name: driving a run is always resume-safe, so the two share one path.
func (p *Processor) Resume(ctx context.Context, runID string, build BuildFunc) (*types.RunSnapshot, error) {
	return p.Run(ctx, runID, build)
}

// RetryFailed creates a fresh run over the failed items of a finished one.
// The new run starts pending with copied payloads; the source run is left
// untouched. Zero options inherit the source run's chunk size and
// concurrency.
func (p *Processor) RetryFailed(runID string, opts StartOptions) (string, error) {
	run, err := p.store.LoadRun(runID)
	if err != nil {
		return "", err
	}
	if !run.Status.Terminal() {
		return "", fmt.Errorf("%w: %s is %s", ErrRunNotTerminal, runID, run.Status)
	}

	var items []NewItem
	for _, it := range run.Items {
		if it.Status != types.ItemFailed {
			continue
		}
		c := it.Clone()
		items = append(items, NewItem{ID: c.ID, Payload: c.Payload})
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: %s has no failed items", ErrNoItems, runID)
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = run.ChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = run.Concurrency
	}

	newID, err := p.Start(items, opts)
	if err != nil {
		return "", err
	}
	slog.Info("retry run created",
		"run_id", newID,
		"source_run_id", runID,
		"items", len(items))
	return newID, nil
}

// ─── Inspection ───────────────────────────────────────────────────────────────

// Status returns the run's current snapshot without driving it.
func (p *Processor) Status(runID string) (*types.RunSnapshot, error) {
	run, err := p.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	return run.Snapshot(), nil
}

// Items returns the run's items in submission order.
func (p *Processor) Items(runID string) ([]*types.BatchItem, error) {
	run, err := p.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	return run.Items, nil
}

// FailedItems returns the run's failed items in submission order.
func (p *Processor) FailedItems(runID string) ([]*types.BatchItem, error) {
	run, err := p.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	var failed []*types.BatchItem
	for _, it := range run.Items {
		if it.Status == types.ItemFailed {
			failed = append(failed, it)
		}
	}
	return failed, nil
}

// ─── Driving ─────────────────────────────────────────────────────────────────

func (p *Processor) acquire(runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[runID]; ok {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	p.active[runID] = struct{}{}
	return nil
}

func (p *Processor) release(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, runID)
}

func (p *Processor) drive(ctx context.Context, runID string, build BuildFunc) (*types.RunSnapshot, error) {
	run, err := p.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run.Snapshot(), nil
	}

	// Items left in flight belong to a drive that died between dispatching a
	// chunk and committing its outcomes. Re-queue them: the derived
	// idempotency key makes the replay safe.
	if err := p.requeueInFlight(run); err != nil {
		return nil, err
	}

	if run.Snapshot().Done() {
		// Every item is terminal but the run status never said so: the crash
		// hit between the last chunk commit and the final stamp.
		return p.finalize(run)
	}

	if run.Status != types.RunRunning {
		if err := p.stampRun(run, types.RunRunning); err != nil {
			return nil, err
		}
	}

	snap := run.Snapshot()
	slog.Info("run started",
		"run_id", run.ID,
		"pending", snap.Pending,
		"total", snap.Total,
		"dry_run", run.DryRun)

	disp := batch.New(p.exec, batch.WithConcurrency(run.Concurrency))

	// The chunk in flight must finish and commit even when the caller
	// cancels; cancellation is honoured at the next chunk boundary.
	dispatchCtx := context.WithoutCancel(ctx)

	for {
		chunk := nextChunk(run, run.ChunkSize)
		if len(chunk) == 0 {
			break
		}
		if ctx.Err() != nil {
			if err := p.stampRun(run, types.RunInterrupted); err != nil {
				return nil, err
			}
			snap := run.Snapshot()
			slog.Info("run interrupted", "run_id", run.ID, "pending", snap.Pending)
			return snap, nil
		}
		if err := p.processChunk(dispatchCtx, run, chunk, build, disp); err != nil {
			return nil, err
		}
		if p.metrics != nil {
			p.metrics.Chunks.Inc("")
		}
	}

	return p.finalize(run)
}

// processChunk moves one chunk of pending items to their terminal statuses.
// idx holds positions into run.Items, in submission order.
func (p *Processor) processChunk(ctx context.Context, run *types.BatchRun, idx []int, build BuildFunc, disp *batch.Dispatcher) error {
	now := time.Now().UnixMilli()

	if run.DryRun {
		// A dry run classifies without dispatching: items the build function
		// rejects fail, the rest are skipped.
		updates := make([]checkpoint.ItemUpdate, 0, len(idx))
		for _, i := range idx {
			it := run.Items[i]
			var aerr error
			if _, err := build(it); err != nil {
				aerr = advance(it, types.ItemFailed, "build: "+err.Error(), now)
			} else {
				aerr = advance(it, types.ItemSkipped, "dry run", now)
			}
			if aerr != nil {
				return aerr
			}
			updates = append(updates, checkpoint.ItemUpdate{Index: i, Item: it})
		}
		if err := p.store.UpdateItems(run.ID, updates); err != nil {
			return err
		}
		p.countItems(run, idx)
		slog.Debug("chunk committed", "run_id", run.ID, "items", len(idx), "dry_run", true)
		return nil
	}

	var (
		reqs    []types.Request
		reqIdx  []int
		updates = make([]checkpoint.ItemUpdate, 0, len(idx))
	)
	for _, i := range idx {
		it := run.Items[i]
		req, err := build(it)
		if err != nil {
			// Fail the item here, without dispatch.
			if aerr := advance(it, types.ItemFailed, "build: "+err.Error(), now); aerr != nil {
				return aerr
			}
			it.Attempts = 0
			updates = append(updates, checkpoint.ItemUpdate{Index: i, Item: it})
			continue
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = ident.IdempotencyKeyFor(run.ID, it.ID)
		}
		if aerr := advance(it, types.ItemInFlight, "", now); aerr != nil {
			return aerr
		}
		updates = append(updates, checkpoint.ItemUpdate{Index: i, Item: it})
		reqs = append(reqs, req)
		reqIdx = append(reqIdx, i)
	}

	// First write: the chunk is on disk as in-flight before any request
	// leaves the process. A crash from here on can only repeat work, never
	// lose it.
	if err := p.store.UpdateItems(run.ID, updates); err != nil {
		return err
	}

	results := disp.Dispatch(ctx, reqs)

	now = time.Now().UnixMilli()
	updates = updates[:0]
	for _, res := range results {
		it := run.Items[reqIdx[res.Index]]
		it.Attempts = res.Outcome.Attempts
		var aerr error
		if res.Outcome.Success() {
			aerr = advance(it, types.ItemSucceeded, "", now)
		} else {
			aerr = advance(it, types.ItemFailed, res.Outcome.Err.Error(), now)
		}
		if aerr != nil {
			return aerr
		}
		updates = append(updates, checkpoint.ItemUpdate{Index: reqIdx[res.Index], Item: it})
	}

	// Second write: terminal outcomes commit before the next chunk starts.
	if err := p.store.UpdateItems(run.ID, updates); err != nil {
		return err
	}
	p.countItems(run, idx)
	slog.Debug("chunk committed",
		"run_id", run.ID,
		"items", len(idx),
		"dispatched", len(reqs))
	return nil
}

// requeueInFlight moves crash-orphaned in-flight items back to pending and
// persists the change.
func (p *Processor) requeueInFlight(run *types.BatchRun) error {
	now := time.Now().UnixMilli()
	var updates []checkpoint.ItemUpdate
	for i, it := range run.Items {
		if it.Status != types.ItemInFlight {
			continue
		}
		if err := advance(it, types.ItemPending, "", now); err != nil {
			return err
		}
		updates = append(updates, checkpoint.ItemUpdate{Index: i, Item: it})
	}
	if len(updates) == 0 {
		return nil
	}
	if err := p.store.UpdateItems(run.ID, updates); err != nil {
		return err
	}
	slog.Warn("re-queued in-flight items from an interrupted drive",
		"run_id", run.ID,
		"items", len(updates))
	return nil
}

// finalize stamps the run's terminal status from its item states.
func (p *Processor) finalize(run *types.BatchRun) (*types.RunSnapshot, error) {
	snap := run.Snapshot()
	final := types.RunCompleted
	if snap.Failed > 0 {
		final = types.RunPartiallyFailed
	}
	if err := p.stampRun(run, final); err != nil {
		return nil, err
	}
	snap.Status = final
	slog.Info("run finished",
		"run_id", run.ID,
		"status", final.String(),
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"skipped", snap.Skipped)
	return snap, nil
}

// stampRun persists a guarded run status change and mirrors it in memory.
func (p *Processor) stampRun(run *types.BatchRun, to types.RunStatus) error {
	if !ValidRunTransition(run.Status, to) {
		return fmt.Errorf("processor: run %s: invalid transition %s -> %s", run.ID, run.Status, to)
	}
	if err := p.store.SetRunStatus(run.ID, to); err != nil {
		return err
	}
	run.Status = to
	if p.metrics != nil && to.Terminal() {
		p.metrics.Runs.Inc(to.String())
	}
	return nil
}

// countItems records terminal item statuses for the chunk just committed.
func (p *Processor) countItems(run *types.BatchRun, idx []int) {
	if p.metrics == nil {
		return
	}
	for _, i := range idx {
		if st := run.Items[i].Status; st.Terminal() {
			p.metrics.Items.Inc(st.String())
		}
	}
}

// nextChunk returns the positions of the next pending items, at most size.
func nextChunk(run *types.BatchRun, size int) []int {
	idx := make([]int, 0, size)
	for i, it := range run.Items {
		if it.Status != types.ItemPending {
			continue
		}
		idx = append(idx, i)
		if len(idx) == size {
			break
		}
	}
	return idx
}
