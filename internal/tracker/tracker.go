// Package tracker keeps the registries of protective orders and
// bracket groups and reconciles them against broker state.
package tracker

import (
	"context"
	"time"

	"ordersentry/internal/journal"
)

// PositionResolver looks up the broker position id backing an order.
// Lookups are best effort: a failure leaves the linkage field nil and
// never blocks tracking.
type PositionResolver interface {
	PositionIDFor(ctx context.Context, accountName, contractID string) (*int64, error)
}

// BreakEvenHook is the slice of the break-even engine the trackers
// drive. All calls are non-blocking from the tracker's point of view.
type BreakEvenHook interface {
	Enroll(ctx context.Context, orderID int64) bool
	Release(ctx context.Context, orderID int64, symbol string)
	CleanupSymbol(ctx context.Context, symbol string)
}

// Auditor records lifecycle events. Typically *journal.Journal.
type Auditor interface {
	Record(ctx context.Context, e journal.Event) error
}

// SweepConfig holds the retention windows for terminal orders.
// ORPHANED entries are always removed immediately.
type SweepConfig struct {
	Cancelled time.Duration
	Filled    time.Duration
	Other     time.Duration
}

// DefaultSweepConfig returns the default retention windows.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Cancelled: time.Minute,
		Filled:    2 * time.Minute,
		Other:     30 * time.Second,
	}
}

// Summary is the registry-level status snapshot.
type Summary struct {
	Total     int       `json:"total"`
	Active    int       `json:"active"`
	Cancelled int       `json:"cancelled"`
	Orphaned  int       `json:"orphaned"`
	Filled    int       `json:"filled"`
	LastSweep time.Time `json:"last_sweep"`
}

// GroupSummary is the bracket registry status snapshot.
type GroupSummary struct {
	Total int `json:"total"`
	Open  int `json:"open"`
}
