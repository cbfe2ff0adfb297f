package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ─── Stub transport ───────────────────────────────────────────────────────────

// StubTransport is an in-memory http.RoundTripper for tests and offline dry
// runs. Routes are matched on method and URL path (the query string is
// ignored); unmatched requests get the default response, a 404 unless
// SetDefault was called.
//
//	stub := transport.NewStub()
//	stub.Register(http.MethodGet, "/rest/api/2/myself", 200, []byte(`{"name":"svc"}`))
//
//	c, _ := transport.New("http://stub.local",
//	    transport.WithHTTPClient(&http.Client{Transport: stub}))
//
// Every round trip is recorded; Calls returns them in arrival order.
// StubTransport is safe for concurrent use.
type StubTransport struct {
	mu       sync.Mutex
	routes   map[string]func(*http.Request) (*http.Response, error)
	fallback func(*http.Request) (*http.Response, error)
	calls    []StubCall
	latency  time.Duration
}

// StubCall is one recorded round trip.
type StubCall struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// NewStub creates an empty stub transport.
func NewStub() *StubTransport {
	return &StubTransport{
		routes: make(map[string]func(*http.Request) (*http.Response, error)),
	}
}

// Register serves a fixed status and body for the given method and path.
func (s *StubTransport) Register(method, path string, status int, body []byte) {
	s.RegisterFunc(method, path, func(r *http.Request) (*http.Response, error) {
		return StubResponse(r, status, body), nil
	})
}

// RegisterFunc serves the given handler for the method and path. The handler
// may keep state, which is how sequenced responses (fail twice, then succeed)
// are expressed. Handlers returning a nil response with a non-nil error
// simulate network failures.
func (s *StubTransport) RegisterFunc(method, path string, fn func(*http.Request) (*http.Response, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[method+" "+path] = fn
}

// SetDefault replaces the 404 fallback with a fixed status and body.
func (s *StubTransport) SetDefault(status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = func(r *http.Request) (*http.Response, error) {
		return StubResponse(r, status, body), nil
	}
}

// SetLatency makes every round trip wait d before responding. The wait
// respects the request context.
func (s *StubTransport) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Calls returns a copy of all recorded round trips in arrival order.
func (s *StubTransport) Calls() []StubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StubCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many round trips matched the method and path.
func (s *StubTransport) CallCount(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

// Reset drops all recorded calls, keeping the registered routes.
func (s *StubTransport) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// RoundTrip implements http.RoundTripper.
func (s *StubTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}

	s.mu.Lock()
	s.calls = append(s.calls, StubCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	fn := s.routes[r.Method+" "+r.URL.Path]
	if fn == nil {
		fn = s.fallback
	}
	latency := s.latency
	s.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-r.Context().Done():
			t.Stop()
			return nil, r.Context().Err()
		case <-t.C:
		}
	}

	if fn == nil {
		msg := fmt.Sprintf(`{"error":"stub: no route for %s %s"}`, r.Method, r.URL.Path)
		return StubResponse(r, http.StatusNotFound, []byte(msg)), nil
	}
	return fn(r)
}

// StubResponse builds an http.Response suitable for returning from a
// RegisterFunc handler.
func StubResponse(r *http.Request, status int, body []byte) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Request:    r,
	}
}
