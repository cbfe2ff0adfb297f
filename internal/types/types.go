// Package types contains the core domain types shared across all Ratchet
// internal packages. It deliberately has zero imports of other Ratchet packages
// so that the checkpoint store, the transport, and the processor can all import
// from it without creating import cycles.
package types

import (
	"errors"
	"fmt"
	"time"
)

// ─── Request / Response ───────────────────────────────────────────────────────

// Request is one logical call against the remote API. It is immutable once
// submitted: the transport and the batcher read it but never write to it.
//
// Design rules:
//   - Path is relative to the transport's base URL and may carry a query string.
//   - Body is the raw encoded payload. Callers own the encoding (JSON, form, …).
//   - IdempotencyKey is sent as the Idempotency-Key header when non-empty,
//     making the call safe to retry without duplicating effect. The engine
//     fills it with a fresh UUID when the caller leaves it empty.
type Request struct {
	Method string `json:"method"`
	Path   string `json:"path"`

	// Header holds extra headers for this call. The transport adds its own
	// (User-Agent, Content-Type, Idempotency-Key) without mutating this map.
	Header map[string]string `json:"header,omitempty"`

	Body []byte `json:"body,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Response is the remote's answer to a successful Request.
type Response struct {
	StatusCode int               `json:"status_code"`
	Header     map[string]string `json:"header,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// ─── Outcome ─────────────────────────────────────────────────────────────────

// Outcome is the final result of one logical request after all retries.
// Exactly one of Response / Err is meaningful: Response on success, Err on
// failure (usually a *RemoteError). Attempts counts every attempt issued,
// on success and failure alike. Elapsed covers the whole call including
// backoff waits.
type Outcome struct {
	Response *Response
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Success reports whether the request ultimately succeeded.
func (o Outcome) Success() bool { return o.Err == nil }

// ─── Error taxonomy ──────────────────────────────────────────────────────────

// ErrorKind classifies a remote failure for retry decisions.
type ErrorKind uint8

const (
	// KindUnknown covers responses that match no other kind. Treated as
	// permanent: retrying an unclassifiable failure rarely helps.
	KindUnknown ErrorKind = iota
	// KindRateLimit means the remote signalled throttling (HTTP 429).
	KindRateLimit
	// KindServerError means a server-side 5xx-class failure.
	KindServerError
	// KindNetwork means the call never completed: connection refused, reset,
	// DNS failure.
	KindNetwork
	// KindTimeout means the attempt exceeded its deadline.
	KindTimeout
	// KindValidation means the remote rejected the payload (400, 422).
	KindValidation
	// KindAuth means missing or insufficient credentials (401, 403).
	KindAuth
	// KindNotFound means the target resource does not exist (404).
	KindNotFound
	// KindConflict means the request clashed with remote state (409).
	KindConflict
)

// String returns a human-readable representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindServerError:
		return "server_error"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Transient reports whether failures of this kind are worth retrying.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindRateLimit, KindServerError, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// RemoteError is a classified failure from the remote API.
type RemoteError struct {
	Kind       ErrorKind
	StatusCode int    // 0 when the call never produced a response
	Message    string // extracted from the error envelope or the raw body

	// RetryAfter is the server-provided wait hint, zero if none was sent.
	// The transport treats it as a floor on the next backoff wait.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote: %s: %s", e.Kind, e.Message)
}

// Transient reports whether the error is worth retrying.
func (e *RemoteError) Transient() bool { return e.Kind.Transient() }

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Transient()
}

// IsPermanent reports whether err is a remote failure that retrying cannot fix.
func IsPermanent(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && !re.Transient()
}

// IsNotFound reports whether err is a remote not-found failure.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == KindNotFound
}

// IsRateLimited reports whether err is a remote throttling failure.
func IsRateLimited(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == KindRateLimit
}

// ─── Batch items ─────────────────────────────────────────────────────────────

// ItemStatus is the lifecycle state of one item inside a batch run.
type ItemStatus uint8

const (
	// ItemPending means the item has not been dispatched yet.
	ItemPending ItemStatus = iota
	// ItemInFlight means the item was handed to the dispatcher and its outcome
	// is not yet persisted. An item found in this state when a checkpoint is
	// loaded is treated as Pending again: the crash happened before its
	// outcome was confirmed.
	ItemInFlight
	// ItemSucceeded means the remote call completed successfully.
	ItemSucceeded
	// ItemFailed means the remote call failed permanently or exhausted its
	// retries. Reason carries the failure detail.
	ItemFailed
	// ItemSkipped means the item was never dispatched, either by caller policy
	// or because the run executed in dry-run mode.
	ItemSkipped
)

// String returns a human-readable representation of the status.
func (s ItemStatus) String() string {
	switch s {
	case ItemPending:
		return "pending"
	case ItemInFlight:
		return "in_flight"
	case ItemSucceeded:
		return "succeeded"
	case ItemFailed:
		return "failed"
	case ItemSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final. Terminal statuses are never
// revisited.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemSucceeded, ItemFailed, ItemSkipped:
		return true
	default:
		return false
	}
}

// BatchItem is one unit of work inside a batch run.
//
// Design rules:
//   - Record format is final. Only optional fields may be added. Never rename
//     or remove a field — existing checkpoints must always be readable.
//   - All timestamps are UTC milliseconds since Unix epoch.
type BatchItem struct {
	// ID is the caller-defined item identifier, unique within its run.
	ID string `json:"id"`

	// Payload is the caller's raw input for this item. The processor never
	// interprets it; the caller's build function turns it into a Request.
	Payload []byte `json:"payload,omitempty"`

	Status ItemStatus `json:"status"`

	// Reason carries the failure detail for Failed items and the skip cause
	// for Skipped items. Empty otherwise.
	Reason string `json:"reason,omitempty"`

	// Attempts is the number of transport attempts the item's last dispatch
	// consumed. Zero for items never dispatched.
	Attempts int `json:"attempts"`

	// UpdatedAt is the UTC millisecond of the last persisted status change.
	UpdatedAt int64 `json:"updated_at"`
}

// Clone returns a copy of the item with its own payload slice.
func (it *BatchItem) Clone() *BatchItem {
	c := *it
	if it.Payload != nil {
		c.Payload = append([]byte(nil), it.Payload...)
	}
	return &c
}

// ─── Batch runs ──────────────────────────────────────────────────────────────

// RunStatus is the lifecycle state of a batch run.
type RunStatus uint8

const (
	// RunCreated means the run's checkpoint exists but processing has not begun.
	RunCreated RunStatus = iota
	// RunRunning means a processor is (or was, if the process died) driving
	// the run.
	RunRunning
	// RunCompleted means every item Succeeded or was Skipped.
	RunCompleted
	// RunPartiallyFailed means every item is terminal and at least one Failed.
	RunPartiallyFailed
	// RunInterrupted means processing stopped with items still Pending. Not
	// terminal: a resume moves the run back to Running.
	RunInterrupted
)

// String returns a human-readable representation of the status.
func (s RunStatus) String() string {
	switch s {
	case RunCreated:
		return "created"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunPartiallyFailed:
		return "partially_failed"
	case RunInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the run has finished for good. Interrupted is
// deliberately not terminal — it is the resumable state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartiallyFailed
}

// BatchRun is a checkpointed bulk operation over an ordered item sequence.
//
// All timestamps are UTC milliseconds. IDs are ULID strings: time-sortable
// and unique, so listing runs by key order is listing them by creation time.
type BatchRun struct {
	ID string `json:"id"`

	Status RunStatus `json:"status"`

	// ChunkSize is the number of items processed and checkpointed as one
	// atomic progress unit.
	ChunkSize int `json:"chunk_size"`

	// Concurrency is the dispatcher ceiling for this run's chunks.
	Concurrency int `json:"concurrency"`

	// DryRun marks a preview run: items are validated and classified but
	// never dispatched.
	DryRun bool `json:"dry_run"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	// Items is the ordered item sequence. Nil on records loaded meta-only.
	Items []*BatchItem `json:"items,omitempty"`
}

// Snapshot counts the run's items by status. It does not mutate the run.
func (r *BatchRun) Snapshot() *RunSnapshot {
	s := &RunSnapshot{
		RunID:     r.ID,
		Status:    r.Status,
		Total:     len(r.Items),
		DryRun:    r.DryRun,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	for _, it := range r.Items {
		switch it.Status {
		case ItemPending:
			s.Pending++
		case ItemInFlight:
			s.InFlight++
		case ItemSucceeded:
			s.Succeeded++
		case ItemFailed:
			s.Failed++
		case ItemSkipped:
			s.Skipped++
		}
	}
	return s
}

// RunSnapshot is a point-in-time progress view of one run.
type RunSnapshot struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`

	Total     int `json:"total"`
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	DryRun    bool  `json:"dry_run"`
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Done reports whether every item has reached a terminal status.
func (s *RunSnapshot) Done() bool {
	return s.Pending == 0 && s.InFlight == 0
}
