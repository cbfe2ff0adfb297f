package engine_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/ratchet-labs/ratchet/internal/checkpoint"
	"github.com/ratchet-labs/ratchet/internal/config"
	"github.com/ratchet-labs/ratchet/internal/metrics"
	"github.com/ratchet-labs/ratchet/internal/processor"
	"github.com/ratchet-labs/ratchet/internal/transport"
	"github.com/ratchet-labs/ratchet/internal/types"
	"github.com/ratchet-labs/ratchet/pkg/engine"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Remote.Stub = true
	cfg.Retry.InitialBackoff = "2ms"
	cfg.Retry.MaxBackoff = "4ms"
	cfg.Retry.Jitter = 0
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, opts ...engine.Option) *engine.Engine {
	t.Helper()
	eng, err := engine.New(cfg, opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestNew_RequiresBaseURLWhenLive(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	if _, err := engine.New(cfg); err == nil {
		t.Error("New without base_url or stub mode did not fail")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Level = "loud"

	if _, err := engine.New(cfg); err == nil {
		t.Error("New with invalid config did not fail")
	}
}

func TestEngine_StubModeWiring(t *testing.T) {
	eng := newEngine(t, testConfig(t))

	if eng.Stub() == nil {
		t.Error("Stub() = nil in stub mode")
	}
	if eng.Cache() == nil {
		t.Error("Cache() = nil with cache enabled")
	}
	if eng.Client() == nil {
		t.Error("Client() = nil")
	}
}

func TestEngine_ExecuteFillsIdempotencyKey(t *testing.T) {
	eng := newEngine(t, testConfig(t))
	eng.Stub().Register(http.MethodGet, "/rest/api/2/myself", http.StatusOK, []byte(`{"name":"svc"}`))

	out := eng.Execute(context.Background(), types.Request{Method: http.MethodGet, Path: "/rest/api/2/myself"})
	if !out.Success() {
		t.Fatalf("Execute: %v", out.Err)
	}
	if got := string(out.Response.Body); got != `{"name":"svc"}` {
		t.Errorf("body = %s", got)
	}

	calls := eng.Stub().Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Header.Get("Idempotency-Key") == "" {
		t.Error("ad-hoc request went out without an idempotency key")
	}
}

func TestEngine_ExecuteRetriesTransientFailures(t *testing.T) {
	eng := newEngine(t, testConfig(t))

	attempts := 0
	eng.Stub().RegisterFunc(http.MethodPost, "/rest/api/2/issue", func(r *http.Request) (*http.Response, error) {
		attempts++
		if attempts < 3 {
			return transport.StubResponse(r, http.StatusServiceUnavailable, []byte(`{"error":"maintenance"}`)), nil
		}
		return transport.StubResponse(r, http.StatusCreated, []byte(`{"key":"PROJ-1"}`)), nil
	})

	out := eng.Execute(context.Background(), types.Request{
		Method: http.MethodPost,
		Path:   "/rest/api/2/issue",
		Body:   []byte(`{"summary":"new issue"}`),
	})
	if !out.Success() {
		t.Fatalf("Execute: %v", out.Err)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
}

func TestEngine_DispatchKeepsCallerSliceClean(t *testing.T) {
	eng := newEngine(t, testConfig(t))

	reqs := make([]types.Request, 4)
	for i := range reqs {
		path := fmt.Sprintf("/items/%d", i)
		reqs[i] = types.Request{Method: http.MethodGet, Path: path}
		eng.Stub().Register(http.MethodGet, path, http.StatusOK, []byte(fmt.Sprintf(`{"i":%d}`, i)))
	}

	results := eng.Dispatch(context.Background(), reqs)
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	for i, res := range results {
		if res.Index != i || res.Request.Path != reqs[i].Path {
			t.Errorf("result %d out of order: index %d path %s", i, res.Index, res.Request.Path)
		}
		if !res.Outcome.Success() {
			t.Errorf("result %d: %v", i, res.Outcome.Err)
		}
		if res.Request.IdempotencyKey == "" {
			t.Errorf("result %d dispatched without an idempotency key", i)
		}
	}

	// The engine fills keys on its own copy.
	for i, req := range reqs {
		if req.IdempotencyKey != "" {
			t.Errorf("caller request %d was mutated", i)
		}
	}
}

func TestEngine_BatchRunEndToEnd(t *testing.T) {
	var reg metrics.Registry
	eng := newEngine(t, testConfig(t), engine.WithMetrics(&reg))
	eng.Stub().SetDefault(http.StatusOK, []byte(`{"ok":true}`))

	items := []processor.NewItem{
		{ID: "PROJ-1", Payload: []byte(`{"op":"close"}`)},
		{ID: "PROJ-2", Payload: []byte(`{"op":"close"}`)},
		{ID: "PROJ-3", Payload: []byte(`{"op":"close"}`)},
	}
	runID, err := eng.StartRun(items, processor.StartOptions{ChunkSize: 2})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	build := func(it *types.BatchItem) (types.Request, error) {
		return types.Request{Method: http.MethodPost, Path: "/issues/" + it.ID, Body: it.Payload}, nil
	}
	snap, err := eng.Run(context.Background(), runID, build)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.Status != types.RunCompleted || snap.Succeeded != 3 {
		t.Fatalf("snapshot = %+v, want 3 succeeded", snap)
	}

	status, err := eng.RunStatus(runID)
	if err != nil {
		t.Fatalf("RunStatus: %v", err)
	}
	if status.Status != types.RunCompleted {
		t.Errorf("persisted status = %s, want completed", status.Status)
	}

	got, err := eng.RunItems(runID)
	if err != nil {
		t.Fatalf("RunItems: %v", err)
	}
	if len(got) != 3 || got[0].ID != "PROJ-1" {
		t.Errorf("RunItems = %+v, want the submitted order back", got)
	}
	failed, err := eng.FailedItems(runID)
	if err != nil {
		t.Fatalf("FailedItems: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("FailedItems = %+v, want none", failed)
	}

	metas, err := eng.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(metas) != 1 || metas[0].ID != runID || metas[0].ItemCount != 3 {
		t.Errorf("ListRuns = %+v, want the one run with 3 items", metas)
	}

	if got := reg.Runs.Value("completed"); got != 1 {
		t.Errorf("runs completed counter = %d, want 1", got)
	}
	if got := reg.Attempts.Total(); got != 3 {
		t.Errorf("transport attempts = %d, want 3", got)
	}

	if err := eng.DeleteRun(runID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := eng.RunStatus(runID); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("RunStatus after delete: err = %v, want ErrNotFound", err)
	}
}

func TestEngine_CacheDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Enabled = false

	eng := newEngine(t, cfg)
	if eng.Cache() != nil {
		t.Error("Cache() != nil with cache disabled")
	}
}

func TestEngine_CacheRoundTrip(t *testing.T) {
	eng := newEngine(t, testConfig(t))

	if err := eng.Cache().Put("issue", "PROJ-1", []byte(`{"status":"open"}`), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, ok, err := eng.Cache().Get("issue", "PROJ-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(val) != `{"status":"open"}` {
		t.Errorf("value = %s", val)
	}
}

func TestEngine_HTTPClientOverridesStub(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.BaseURL = "http://override.test"

	own := transport.NewStub()
	own.Register(http.MethodGet, "/ping", http.StatusOK, []byte(`{"pong":true}`))

	eng := newEngine(t, cfg, engine.WithHTTPClient(&http.Client{Transport: own}))
	if eng.Stub() != nil {
		t.Error("Stub() != nil when an explicit HTTP client was injected")
	}

	out := eng.Execute(context.Background(), types.Request{Method: http.MethodGet, Path: "/ping"})
	if !out.Success() {
		t.Fatalf("Execute: %v", out.Err)
	}
	if got := len(own.Calls()); got != 1 {
		t.Errorf("injected transport saw %d calls, want 1", got)
	}
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	eng, err := engine.New(testConfig(t))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
