package processor_test

import (
	"testing"

	"github.com/ratchet-labs/ratchet/internal/processor"
	"github.com/ratchet-labs/ratchet/internal/types"
)

func TestValidItemTransition(t *testing.T) {
	all := []types.ItemStatus{
		types.ItemPending,
		types.ItemInFlight,
		types.ItemSucceeded,
		types.ItemFailed,
		types.ItemSkipped,
	}
	allowed := map[[2]types.ItemStatus]bool{
		{types.ItemPending, types.ItemInFlight}:   true,
		{types.ItemPending, types.ItemSkipped}:    true,
		{types.ItemPending, types.ItemFailed}:     true,
		{types.ItemInFlight, types.ItemSucceeded}: true,
		{types.ItemInFlight, types.ItemFailed}:    true,
		{types.ItemInFlight, types.ItemPending}:   true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]types.ItemStatus{from, to}]
			if got := processor.ValidItemTransition(from, to); got != want {
				t.Errorf("ValidItemTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestValidItemTransition_TerminalNeverLeaves(t *testing.T) {
	all := []types.ItemStatus{
		types.ItemPending,
		types.ItemInFlight,
		types.ItemSucceeded,
		types.ItemFailed,
		types.ItemSkipped,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if processor.ValidItemTransition(from, to) {
				t.Errorf("terminal status %s has an exit to %s", from, to)
			}
		}
	}
}

func TestValidRunTransition(t *testing.T) {
	all := []types.RunStatus{
		types.RunCreated,
		types.RunRunning,
		types.RunCompleted,
		types.RunPartiallyFailed,
		types.RunInterrupted,
	}
	allowed := map[[2]types.RunStatus]bool{
		{types.RunCreated, types.RunRunning}:         true,
		{types.RunRunning, types.RunCompleted}:       true,
		{types.RunRunning, types.RunPartiallyFailed}: true,
		{types.RunRunning, types.RunInterrupted}:     true,
		{types.RunInterrupted, types.RunRunning}:     true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]types.RunStatus{from, to}]
			if got := processor.ValidRunTransition(from, to); got != want {
				t.Errorf("ValidRunTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}
