package batch_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ratchet-labs/ratchet/internal/batch"
	"github.com/ratchet-labs/ratchet/internal/transport"
	"github.com/ratchet-labs/ratchet/internal/types"
)

// execFunc adapts a function to the batch.Executor interface.
type execFunc func(ctx context.Context, req types.Request) types.Outcome

func (f execFunc) Execute(ctx context.Context, req types.Request) types.Outcome {
	return f(ctx, req)
}

// ─── Ordering ─────────────────────────────────────────────────────────────────

func TestDispatch_PreservesInputOrder(t *testing.T) {
	// Random per-request latency scrambles completion order on purpose.
	exec := execFunc(func(_ context.Context, req types.Request) types.Outcome {
		time.Sleep(time.Duration(rand.IntN(20)) * time.Millisecond)
		return types.Outcome{
			Response: &types.Response{StatusCode: 200, Body: []byte(req.Path)},
			Attempts: 1,
		}
	})

	reqs := make([]types.Request, 30)
	for i := range reqs {
		reqs[i] = types.Request{Method: http.MethodGet, Path: fmt.Sprintf("/item/%d", i)}
	}

	results := batch.New(exec, batch.WithConcurrency(8)).Dispatch(context.Background(), reqs)

	if len(results) != len(reqs) {
		t.Fatalf("got %d results, want %d", len(results), len(reqs))
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("results[%d].Index = %d", i, r.Index)
		}
		want := fmt.Sprintf("/item/%d", i)
		if r.Request.Path != want {
			t.Errorf("results[%d].Request.Path = %q, want %q", i, r.Request.Path, want)
		}
		if string(r.Outcome.Response.Body) != want {
			t.Errorf("results[%d] body = %q, want %q (outcome must match its request)", i, r.Outcome.Response.Body, want)
		}
	}
}

// ─── Partial failure ──────────────────────────────────────────────────────────

func TestDispatch_PartialFailure(t *testing.T) {
	exec := execFunc(func(_ context.Context, req types.Request) types.Outcome {
		if req.Path == "/item/3" || req.Path == "/item/7" {
			return types.Outcome{
				Err:      &types.RemoteError{Kind: types.KindValidation, StatusCode: 400, Message: "bad payload"},
				Attempts: 1,
			}
		}
		return types.Outcome{Response: &types.Response{StatusCode: 200}, Attempts: 1}
	})

	reqs := make([]types.Request, 10)
	for i := range reqs {
		reqs[i] = types.Request{Method: http.MethodPost, Path: fmt.Sprintf("/item/%d", i)}
	}

	results := batch.New(exec).Dispatch(context.Background(), reqs)

	for i, r := range results {
		wantFail := i == 3 || i == 7
		if r.Outcome.Success() == wantFail {
			t.Errorf("results[%d].Success() = %v, want %v", i, r.Outcome.Success(), !wantFail)
		}
	}
}

// ─── Concurrency bound ────────────────────────────────────────────────────────

func TestDispatch_BoundsInFlight(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	exec := execFunc(func(_ context.Context, _ types.Request) types.Outcome {
		cur := inFlight.Add(1)
		for {
			prev := maxSeen.Load()
			if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return types.Outcome{Response: &types.Response{StatusCode: 200}, Attempts: 1}
	})

	reqs := make([]types.Request, 20)
	for i := range reqs {
		reqs[i] = types.Request{Method: http.MethodGet, Path: "/x"}
	}

	batch.New(exec, batch.WithConcurrency(3)).Dispatch(context.Background(), reqs)

	if got := maxSeen.Load(); got != 3 {
		t.Errorf("max in-flight = %d, want exactly 3", got)
	}
}

func TestDispatch_DefaultConcurrency(t *testing.T) {
	d := batch.New(execFunc(nil))
	if d.Concurrency() != batch.DefaultConcurrency {
		t.Errorf("Concurrency() = %d, want %d", d.Concurrency(), batch.DefaultConcurrency)
	}

	d = batch.New(execFunc(nil), batch.WithConcurrency(0))
	if d.Concurrency() != batch.DefaultConcurrency {
		t.Errorf("WithConcurrency(0): Concurrency() = %d, want fallback %d", d.Concurrency(), batch.DefaultConcurrency)
	}
}

// ─── Edge cases ───────────────────────────────────────────────────────────────

func TestDispatch_Empty(t *testing.T) {
	results := batch.New(execFunc(nil)).Dispatch(context.Background(), nil)
	if len(results) != 0 {
		t.Fatalf("got %d results for empty input", len(results))
	}
}

func TestDispatch_FewerRequestsThanWorkers(t *testing.T) {
	exec := execFunc(func(_ context.Context, _ types.Request) types.Outcome {
		return types.Outcome{Response: &types.Response{StatusCode: 200}, Attempts: 1}
	})

	results := batch.New(exec, batch.WithConcurrency(10)).Dispatch(context.Background(), []types.Request{
		{Method: http.MethodGet, Path: "/a"},
		{Method: http.MethodGet, Path: "/b"},
	})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, r := range results {
		if !r.Outcome.Success() {
			t.Errorf("results[%d] failed: %v", i, r.Outcome.Err)
		}
	}
}

// ─── Through the real transport ───────────────────────────────────────────────

func TestDispatch_WithTransportClient(t *testing.T) {
	stub := transport.NewStub()
	stub.Register(http.MethodGet, "/rest/api/2/issue/PROJ-1", 200, []byte(`{"key":"PROJ-1"}`))
	stub.Register(http.MethodGet, "/rest/api/2/issue/PROJ-2", 200, []byte(`{"key":"PROJ-2"}`))

	c, err := transport.New("http://stub.local",
		transport.WithHTTPClient(&http.Client{Transport: stub}))
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}

	results := batch.New(c, batch.WithConcurrency(2)).Dispatch(context.Background(), []types.Request{
		{Method: http.MethodGet, Path: "/rest/api/2/issue/PROJ-1"},
		{Method: http.MethodGet, Path: "/rest/api/2/issue/PROJ-2"},
		{Method: http.MethodGet, Path: "/rest/api/2/issue/MISSING-1"},
	})

	if !results[0].Outcome.Success() || !results[1].Outcome.Success() {
		t.Fatalf("expected first two to succeed: %v / %v", results[0].Outcome.Err, results[1].Outcome.Err)
	}
	if results[2].Outcome.Success() {
		t.Fatal("unregistered route should fail")
	}
	if !types.IsNotFound(results[2].Outcome.Err) {
		t.Errorf("IsNotFound(%v) = false", results[2].Outcome.Err)
	}
}
