// Package ident generates the identifiers Ratchet hands out: ULID run IDs
// and UUID idempotency keys.
//
// Run IDs are ULIDs so that sorting checkpoint records by key is sorting them
// by creation time, which keeps "list runs, newest first" a plain reverse
// cursor walk with no secondary index. Idempotency keys are UUIDs in two
// flavours: random ones for ad-hoc requests, and keys derived from the
// (run, item) pair for batch work, where a crash-and-resume replay must
// present the same key the first dispatch did.
package ident

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// monoEntropy is a package-level monotone entropy source shared across all
// NewRunID calls. Using a single shared source ensures that run IDs remain
// lexicographically ordered even when generated within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewRunID generates a fresh time-ordered ULID string for a batch run.
// The mutex ensures monotonicity across concurrent calls.
func NewRunID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", fmt.Errorf("ident: generate run id: %w", err)
	}
	return id.String(), nil
}

// MustNewRunID is like NewRunID but panics on error. Use only in tests.
func MustNewRunID() string {
	id, err := NewRunID()
	if err != nil {
		panic(fmt.Sprintf("ident.MustNewRunID: %v", err))
	}
	return id
}

// ValidRunID reports whether s is a well-formed ULID string.
func ValidRunID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// NewIdempotencyKey generates a random UUID string for request deduplication.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// IdempotencyKeyFor derives a stable UUID (version 5) for one item within one
// run. Re-dispatching the same item after a crash produces the same key, so a
// deduplicating remote sees the replay as the original request.
func IdempotencyKeyFor(runID, itemID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID+"/"+itemID)).String()
}
