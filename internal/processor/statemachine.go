package processor

import (
	"fmt"

	"github.com/ratchet-labs/ratchet/internal/types"
)

// ValidItemTransition reports whether an item may move between the two
// statuses. The graph is small and deliberate:
//
//	pending   -> in_flight   the item is about to be dispatched
//	pending   -> skipped     dry run
//	pending   -> failed      the build function rejected the item
//	in_flight -> succeeded   outcome confirmed
//	in_flight -> failed      outcome confirmed
//	in_flight -> pending     crash recovery: the outcome was never persisted
//
// Terminal statuses have no outgoing edges. Once an item's fate is on disk
// it is never revisited.
func ValidItemTransition(from, to types.ItemStatus) bool {
	switch from {
	case types.ItemPending:
		return to == types.ItemInFlight || to == types.ItemSkipped || to == types.ItemFailed
	case types.ItemInFlight:
		return to == types.ItemSucceeded || to == types.ItemFailed || to == types.ItemPending
	default:
		return false
	}
}

// ValidRunTransition reports whether a run may move between the two statuses.
//
//	created     -> running
//	running     -> completed | partially_failed | interrupted
//	interrupted -> running
//
// Completed and partially failed runs are final.
func ValidRunTransition(from, to types.RunStatus) bool {
	switch from {
	case types.RunCreated:
		return to == types.RunRunning
	case types.RunRunning:
		return to == types.RunCompleted || to == types.RunPartiallyFailed || to == types.RunInterrupted
	case types.RunInterrupted:
		return to == types.RunRunning
	default:
		return false
	}
}

// advance moves an item to a new status, stamping the reason and update time.
// It refuses edges outside the transition graph so a terminal item can never
// be overwritten by a late or duplicated result.
func advance(it *types.BatchItem, to types.ItemStatus, reason string, now int64) error {
	if !ValidItemTransition(it.Status, to) {
		return fmt.Errorf("processor: item %s: invalid transition %s -> %s", it.ID, it.Status, to)
	}
	it.Status = to
	it.Reason = reason
	it.UpdatedAt = now
	return nil
}
