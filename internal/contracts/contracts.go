// Package contracts resolves and caches contract trading parameters.
package contracts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"ordersentry/internal/types"
)

// TickSizeSource provides tick sizes, typically the broker gateway.
type TickSizeSource interface {
	GetTickSize(ctx context.Context, contractID string) (decimal.Decimal, error)
}

// Resolver caches tick sizes per contract id. Tick sizes are static
// for a contract's lifetime, so entries never expire.
type Resolver struct {
	source TickSizeSource
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]decimal.Decimal
}

// NewResolver creates a tick-size resolver backed by the given source.
func NewResolver(source TickSizeSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		source: source,
		logger: logger.With("component", "contracts"),
		cache:  make(map[string]decimal.Decimal),
	}
}

// TickSize returns the minimum price increment for the contract,
// fetching from the source on first use.
func (r *Resolver) TickSize(ctx context.Context, contractID string) (decimal.Decimal, error) {
	r.mu.RLock()
	tick, ok := r.cache[contractID]
	r.mu.RUnlock()
	if ok {
		return tick, nil
	}

	tick, err := r.source.GetTickSize(ctx, contractID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("resolve tick size %s: %w", contractID, err)
	}
	if !tick.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", types.ErrTickSizeUnavailable, contractID)
	}

	r.mu.Lock()
	r.cache[contractID] = tick
	r.mu.Unlock()

	r.logger.Debug("cached tick size", "contract_id", contractID, "tick_size", tick)
	return tick, nil
}

// AlignPrice returns the price rounded to the contract's nearest tick.
func (r *Resolver) AlignPrice(ctx context.Context, contractID string, price decimal.Decimal) (decimal.Decimal, error) {
	tick, err := r.TickSize(ctx, contractID)
	if err != nil {
		return decimal.Zero, err
	}
	return AlignToTick(price, tick), nil
}

// AlignToTick rounds price to the nearest multiple of tick.
// A non-positive tick returns the price unchanged.
func AlignToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}
