package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"ordersentry/internal/alerting"
	"ordersentry/internal/broker"
	"ordersentry/internal/journal"
	"ordersentry/internal/metrics"
	"ordersentry/internal/store"
	"ordersentry/internal/types"
)

// StopTracker is the registry of protective stop orders. It remembers
// which stop belongs to which position, detects orphans against broker
// state, and cancels them exactly once.
type StopTracker struct {
	gateway  broker.Gateway
	resolver PositionResolver
	store    *store.Snapshot[types.ProtectiveOrder]
	alerter  alerting.Alerter
	auditor  Auditor
	recorder *metrics.Recorder
	logger   *slog.Logger
	sweep    SweepConfig

	mu        sync.RWMutex
	orders    map[int64]*types.ProtectiveOrder
	lastSweep time.Time

	beMu      sync.RWMutex
	breakEven BreakEvenHook
}

// NewStopTracker creates the registry and loads its snapshot.
// resolver, alerter and auditor may be nil.
func NewStopTracker(
	gateway broker.Gateway,
	resolver PositionResolver,
	snap *store.Snapshot[types.ProtectiveOrder],
	sweep SweepConfig,
	alerter alerting.Alerter,
	auditor Auditor,
	logger *slog.Logger,
) (*StopTracker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	t := &StopTracker{
		gateway:   gateway,
		resolver:  resolver,
		store:     snap,
		alerter:   alerter,
		auditor:   auditor,
		recorder:  metrics.NewRecorder(),
		logger:    logger.With("component", "stop_tracker"),
		sweep:     sweep,
		orders:    make(map[int64]*types.ProtectiveOrder),
		lastSweep: time.Now(),
	}

	loaded, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("load stop orders: %w", err)
	}
	for i := range loaded {
		order := loaded[i]
		t.orders[order.OrderID] = &order
	}
	if len(loaded) > 0 {
		t.logger.Info("loaded tracked stop orders", "count", len(loaded))
	}

	return t, nil
}

// SetBreakEvenHook wires the break-even engine. Called once during
// composition; the hook and the tracker reference each other.
func (t *StopTracker) SetBreakEvenHook(hook BreakEvenHook) {
	t.beMu.Lock()
	t.breakEven = hook
	t.beMu.Unlock()
}

func (t *StopTracker) hook() BreakEvenHook {
	t.beMu.RLock()
	defer t.beMu.RUnlock()
	return t.breakEven
}

// Add starts tracking a protective order. The position id lookup is
// best effort and break-even enrollment happens asynchronously, so a
// broken resolver or monitor never fails the add.
func (t *StopTracker) Add(ctx context.Context, order types.ProtectiveOrder) (bool, error) {
	if !order.Kind.Valid() {
		return false, fmt.Errorf("%w: %q", types.ErrInvalidOrderKind, order.Kind)
	}

	if t.resolver != nil {
		positionID, err := t.resolver.PositionIDFor(ctx, order.AccountName, order.ContractID)
		if err != nil {
			t.logger.Debug("position id lookup failed",
				"order_id", order.OrderID,
				"err", err,
			)
		} else {
			order.PositionID = positionID
		}
	}

	order.Status = types.StatusActive
	order.CreatedAt = time.Now()
	order.OriginalPositionSize = order.PositionSize

	t.mu.Lock()
	if prev, exists := t.orders[order.OrderID]; exists && prev.Status == types.StatusActive {
		t.logger.Warn("replacing tracked order", "order_id", order.OrderID)
	}
	t.orders[order.OrderID] = &order
	t.persistLocked()
	t.mu.Unlock()

	t.logger.Info("tracking protective order",
		"order_id", order.OrderID,
		"symbol", order.Symbol,
		"account", order.AccountName,
		"kind", string(order.Kind),
	)
	t.audit(ctx, journal.Event{
		EventType:   journal.EventOrderTracked,
		OrderID:     order.OrderID,
		AccountName: order.AccountName,
		Symbol:      order.Symbol,
		Detail:      fmt.Sprintf("kind=%s stop=%s", order.Kind, order.StopPrice),
	})

	if order.EnableBreakEven {
		if hook := t.hook(); hook != nil {
			orderID := order.OrderID
			go func() {
				if !hook.Enroll(context.WithoutCancel(ctx), orderID) {
					t.logger.Warn("break-even enrollment rejected", "order_id", orderID)
				}
			}()
		}
	}

	return true, nil
}

// UpdateStatus moves an order to a new lifecycle status. Returns false
// for unknown orders and disallowed transitions.
func (t *StopTracker) UpdateStatus(ctx context.Context, orderID int64, status types.OrderStatus, notes string) bool {
	t.mu.Lock()
	order, ok := t.orders[orderID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("order not tracked", "order_id", orderID)
		return false
	}
	old := order.Status
	if !old.CanTransition(status) {
		t.mu.Unlock()
		t.logger.Warn("status transition rejected",
			"order_id", orderID,
			"from", string(old),
			"to", string(status),
		)
		return false
	}

	order.Status = status
	order.UpdatedAt = time.Now()
	if notes != "" {
		order.Notes = notes
	}
	leftActive := old == types.StatusActive && order.EnableBreakEven
	symbol := order.Symbol
	if status == types.StatusFilled || status == types.StatusCancelled {
		t.persistLocked()
	}
	t.mu.Unlock()

	t.logger.Info("order status updated",
		"order_id", orderID,
		"from", string(old),
		"to", string(status),
	)
	t.audit(ctx, journal.Event{
		EventType: journal.EventStatusChanged,
		OrderID:   orderID,
		Symbol:    symbol,
		Detail:    fmt.Sprintf("%s -> %s", old, status),
	})

	if leftActive {
		if hook := t.hook(); hook != nil {
			go hook.Release(context.WithoutCancel(ctx), orderID, symbol)
		}
	}
	return true
}

// UpdateStopPrice moves the tracked stop price, appending to the audit
// trail. Used by the break-even engine after a successful modify.
func (t *StopTracker) UpdateStopPrice(ctx context.Context, orderID int64, price decimal.Decimal, notes string) bool {
	t.mu.Lock()
	order, ok := t.orders[orderID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("order not tracked", "order_id", orderID)
		return false
	}
	old := order.StopPrice
	order.StopPrice = price
	order.UpdatedAt = time.Now()
	if notes == "" {
		notes = fmt.Sprintf("Stop price updated from %s to %s", old, price)
	}
	order.AppendNote(notes)
	symbol := order.Symbol
	t.persistLocked()
	t.mu.Unlock()

	t.logger.Info("stop price updated",
		"order_id", orderID,
		"old", old,
		"new", price,
	)
	t.audit(ctx, journal.Event{
		EventType: journal.EventStopModified,
		OrderID:   orderID,
		Symbol:    symbol,
		Detail:    fmt.Sprintf("%s -> %s", old, price),
	})
	return true
}

// MarkBreakEvenActivated records a successful break-even move: the
// original stop is preserved once, the stop price advances, and the
// activation flag flips exactly once.
func (t *StopTracker) MarkBreakEvenActivated(ctx context.Context, orderID int64, newStop decimal.Decimal) bool {
	t.mu.Lock()
	order, ok := t.orders[orderID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if order.BreakEvenActivated {
		t.mu.Unlock()
		return false
	}
	old := order.StopPrice
	if order.OriginalStopPrice == nil {
		original := old
		order.OriginalStopPrice = &original
	}
	now := time.Now()
	order.StopPrice = newStop
	order.BreakEvenActivated = true
	order.BreakEvenActivatedAt = &now
	order.UpdatedAt = now
	order.AppendNote(fmt.Sprintf("Break-even activated: stop moved from %s to %s", old, newStop))
	symbol := order.Symbol
	account := order.AccountName
	t.persistLocked()
	t.mu.Unlock()

	t.audit(ctx, journal.Event{
		EventType:   journal.EventBreakEvenActivated,
		OrderID:     orderID,
		AccountName: account,
		Symbol:      symbol,
		Detail:      fmt.Sprintf("%s -> %s", old, newStop),
	})
	return true
}

// ModifyTrailAmount updates a trailing stop's trail amount.
func (t *StopTracker) ModifyTrailAmount(_ context.Context, orderID int64, amount decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[orderID]
	if !ok {
		t.logger.Warn("order not tracked", "order_id", orderID)
		return false
	}
	if order.Kind != types.KindTrailingStop {
		t.logger.Error("not a trailing stop", "order_id", orderID, "kind", string(order.Kind))
		return false
	}

	old := order.TrailAmount
	order.TrailAmount = amount
	order.UpdatedAt = time.Now()
	order.AppendNote(fmt.Sprintf("Trail amount updated from %s to %s", old, amount))
	t.persistLocked()

	t.logger.Info("trail amount updated", "order_id", orderID, "old", old, "new", amount)
	return true
}

// ReconcileOrder checks one tracked order against broker state and
// cleans it up if its position is gone. Returns true iff the order was
// fully handled this call.
func (t *StopTracker) ReconcileOrder(ctx context.Context, orderID int64) bool {
	t.mu.RLock()
	entry, ok := t.orders[orderID]
	if !ok || entry.Status != types.StatusActive {
		t.mu.RUnlock()
		return false
	}
	order := *entry
	t.mu.RUnlock()

	positions, err := t.gateway.SearchOpenPositions(ctx, order.AccountID)
	if err != nil {
		t.logger.Error("position lookup failed", "order_id", orderID, "err", err)
		t.recorder.RecordError("position_lookup")
		return false
	}

	size := 0
	exists := false
	for _, p := range positions {
		if p.ContractID == order.ContractID {
			exists = true
			size += p.Size
		}
	}

	if exists {
		if size != order.PositionSize {
			t.mu.Lock()
			if live, ok := t.orders[orderID]; ok {
				live.PositionSize = size
				live.UpdatedAt = time.Now()
				live.AppendNote(fmt.Sprintf("Position size updated from %d to %d", live.OriginalPositionSize, size))
			}
			t.mu.Unlock()
			t.logger.Debug("position size changed", "order_id", orderID, "size", size)
		}
		return false
	}

	// No open position backs this order.
	t.recorder.RecordOrphan(order.Symbol)
	t.logger.Info("position closed, checking protective order",
		"order_id", orderID,
		"symbol", order.Symbol,
		"kind", string(order.Kind),
	)

	open, err := t.gateway.SearchOpenOrders(ctx, order.AccountID)
	if err != nil {
		t.logger.Error("open order lookup failed", "order_id", orderID, "err", err)
		t.recorder.RecordError("order_lookup")
		return false
	}
	stillOpen := false
	for _, o := range open {
		if o.ID == orderID {
			stillOpen = true
			break
		}
	}

	if !stillOpen {
		t.markTerminal(ctx, orderID, types.StatusCancelled,
			"Auto-detected: order not in open orders, position was closed")
		t.recorder.RecordCancel("already_gone")
		return true
	}

	err = t.gateway.CancelOrder(ctx, order.AccountID, orderID)
	switch {
	case err == nil:
		t.markTerminal(ctx, orderID, types.StatusCancelled, "Auto-cancelled: position closed")
		t.recorder.RecordCancel("cancelled")
		t.audit(ctx, journal.Event{
			EventType:   journal.EventOrphanCancelled,
			OrderID:     orderID,
			AccountName: order.AccountName,
			Symbol:      order.Symbol,
		})
		alerting.Go(t.alerter, t.logger, alerting.EventOrderCancelled,
			fmt.Sprintf("Cancelled orphaned %s order %d for %s", order.Kind, orderID, order.Symbol),
			"account", order.AccountName,
		)
		t.logger.Info("cancelled orphaned order", "order_id", orderID, "symbol", order.Symbol)
		return true

	case broker.IsTerminalOrderError(err):
		t.markTerminal(ctx, orderID, types.StatusCancelled,
			fmt.Sprintf("Already cancelled or doesn't exist: %v", err))
		t.recorder.RecordCancel("already_gone")
		t.logger.Info("order already gone at broker", "order_id", orderID, "err", err)
		return true

	default:
		// Cancel failed for a non-terminal reason. The order is marked
		// ORPHANED and swept without retry; an operator has to act.
		t.markTerminal(ctx, orderID, types.StatusOrphaned,
			fmt.Sprintf("Failed to cancel: %v", err))
		t.recorder.RecordCancel("failed")
		t.audit(ctx, journal.Event{
			EventType:   journal.EventCancelFailed,
			OrderID:     orderID,
			AccountName: order.AccountName,
			Symbol:      order.Symbol,
			Detail:      err.Error(),
		})
		alerting.Go(t.alerter, t.logger, alerting.EventCancelFailed,
			fmt.Sprintf("Failed to cancel %s order %d for %s", order.Kind, orderID, order.Symbol),
			"account", order.AccountName,
			"err", err.Error(),
		)
		t.logger.Error("cancel failed", "order_id", orderID, "err", err)
		return false
	}
}

// markTerminal moves an ACTIVE order to a terminal status, persists,
// and releases break-even monitoring.
func (t *StopTracker) markTerminal(ctx context.Context, orderID int64, status types.OrderStatus, notes string) {
	t.mu.Lock()
	order, ok := t.orders[orderID]
	if !ok || !order.Status.CanTransition(status) {
		t.mu.Unlock()
		return
	}
	order.Status = status
	order.UpdatedAt = time.Now()
	order.Notes = notes
	releaseBE := order.EnableBreakEven
	symbol := order.Symbol
	t.persistLocked()
	t.mu.Unlock()

	if releaseBE {
		if hook := t.hook(); hook != nil {
			go hook.Release(context.WithoutCancel(ctx), orderID, symbol)
		}
	}
}

// ReconcileAll reconciles every ACTIVE order concurrently, then sweeps
// terminal entries. Returns the number handled.
func (t *StopTracker) ReconcileAll(ctx context.Context) int {
	t.mu.RLock()
	active := make([]int64, 0, len(t.orders))
	for id, order := range t.orders {
		if order.Status == types.StatusActive {
			active = append(active, id)
		}
	}
	t.mu.RUnlock()

	var cleaned atomic.Int64
	if len(active) > 0 {
		t.logger.Debug("reconciling active stop orders", "count", len(active))
		var wg sync.WaitGroup
		for _, id := range active {
			wg.Add(1)
			go func(orderID int64) {
				defer wg.Done()
				if t.ReconcileOrder(ctx, orderID) {
					cleaned.Add(1)
				}
			}(id)
		}
		wg.Wait()
	}

	if n := cleaned.Load(); n > 0 {
		t.logger.Info("cleaned up stop orders", "count", n)
	}

	t.SweepTerminal()
	t.publishGauges()
	return int(cleaned.Load())
}

// SweepTerminal removes processed orders: ORPHANED immediately,
// CANCELLED and FILLED after their retention windows, anything else
// non-ACTIVE after the short window. Returns the number removed.
func (t *StopTracker) SweepTerminal() int {
	now := time.Now()

	t.mu.Lock()
	var removed []types.ProtectiveOrder
	for id, order := range t.orders {
		if order.Status == types.StatusActive {
			continue
		}
		ref := order.UpdatedAt
		if ref.IsZero() {
			ref = order.CreatedAt
		}
		age := now.Sub(ref)

		drop := false
		switch order.Status {
		case types.StatusOrphaned:
			drop = true
		case types.StatusCancelled:
			drop = age > t.sweep.Cancelled
		case types.StatusFilled:
			drop = age > t.sweep.Filled
		default:
			drop = age > t.sweep.Other
		}
		if drop {
			removed = append(removed, *order)
			delete(t.orders, id)
		}
	}
	if len(removed) > 0 {
		t.persistLocked()
	}
	t.lastSweep = now
	t.mu.Unlock()

	for _, order := range removed {
		if order.Status == types.StatusOrphaned {
			t.logger.Info("swept orphaned order", "order_id", order.OrderID)
		}
		if order.EnableBreakEven {
			if hook := t.hook(); hook != nil {
				go hook.Release(context.Background(), order.OrderID, order.Symbol)
			}
		}
		t.audit(context.Background(), journal.Event{
			EventType: journal.EventOrderSwept,
			OrderID:   order.OrderID,
			Symbol:    order.Symbol,
			Detail:    string(order.Status),
		})
	}
	if len(removed) > 0 {
		t.logger.Info("swept processed stop orders", "count", len(removed))
	}
	return len(removed)
}

// SweepOld removes non-ACTIVE orders older than maxAge regardless of
// status. A safety net against entries with unparseable lifecycles.
func (t *StopTracker) SweepOld(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed int
	for id, order := range t.orders {
		if order.Status != types.StatusActive && order.CreatedAt.Before(cutoff) {
			delete(t.orders, id)
			removed++
		}
	}
	if removed > 0 {
		t.persistLocked()
		t.logger.Info("removed old stop orders", "count", removed)
	}
	return removed
}

// CleanupForPosition is the synchronous fast path when a position is
// known to have closed: it tears down streams for the symbol, releases
// break-even monitoring, and reconciles every matching order at once.
func (t *StopTracker) CleanupForPosition(ctx context.Context, accountName, symbol string) {
	t.mu.RLock()
	var matching []types.ProtectiveOrder
	for _, order := range t.orders {
		if order.Status == types.StatusActive &&
			order.AccountName == accountName &&
			order.Symbol == symbol {
			matching = append(matching, *order)
		}
	}
	t.mu.RUnlock()

	if len(matching) == 0 {
		return
	}

	t.logger.Info("position closed, cleaning up protective orders",
		"account", accountName,
		"symbol", symbol,
		"count", len(matching),
	)

	if hook := t.hook(); hook != nil {
		hook.CleanupSymbol(ctx, symbol)
		for _, order := range matching {
			if order.EnableBreakEven {
				hook.Release(ctx, order.OrderID, symbol)
			}
		}
	}

	var wg sync.WaitGroup
	for _, order := range matching {
		wg.Add(1)
		go func(orderID int64) {
			defer wg.Done()
			t.ReconcileOrder(ctx, orderID)
		}(order.OrderID)
	}
	wg.Wait()

	t.mu.Lock()
	t.persistLocked()
	t.mu.Unlock()
}

// OrderStatus returns a copy of one tracked order.
func (t *StopTracker) OrderStatus(orderID int64) (types.ProtectiveOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	order, ok := t.orders[orderID]
	if !ok {
		return types.ProtectiveOrder{}, false
	}
	return *order, true
}

// OrdersBySymbol returns all orders for a symbol, optionally filtered
// by account name.
func (t *StopTracker) OrdersBySymbol(symbol, accountName string) []types.ProtectiveOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []types.ProtectiveOrder
	for _, order := range t.orders {
		if order.Symbol == symbol && (accountName == "" || order.AccountName == accountName) {
			result = append(result, *order)
		}
	}
	return result
}

// ActiveOrders returns copies of all ACTIVE orders.
func (t *StopTracker) ActiveOrders() []types.ProtectiveOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []types.ProtectiveOrder
	for _, order := range t.orders {
		if order.Status == types.StatusActive {
			result = append(result, *order)
		}
	}
	return result
}

// Status returns registry summary counts.
func (t *StopTracker) Status() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Summary{Total: len(t.orders), LastSweep: t.lastSweep}
	for _, order := range t.orders {
		switch order.Status {
		case types.StatusActive:
			s.Active++
		case types.StatusCancelled:
			s.Cancelled++
		case types.StatusOrphaned:
			s.Orphaned++
		case types.StatusFilled:
			s.Filled++
		}
	}
	return s
}

func (t *StopTracker) publishGauges() {
	s := t.Status()
	t.recorder.RecordOrdersTracked(string(types.StatusActive), s.Active)
	t.recorder.RecordOrdersTracked(string(types.StatusCancelled), s.Cancelled)
	t.recorder.RecordOrdersTracked(string(types.StatusOrphaned), s.Orphaned)
	t.recorder.RecordOrdersTracked(string(types.StatusFilled), s.Filled)
}

// persistLocked writes the snapshot. Callers hold t.mu.
func (t *StopTracker) persistLocked() {
	list := make([]types.ProtectiveOrder, 0, len(t.orders))
	active := 0
	for _, order := range t.orders {
		list = append(list, *order)
		if order.Status == types.StatusActive {
			active++
		}
	}
	if err := t.store.Save(list, active); err != nil {
		t.logger.Error("persist stop orders failed", "err", err)
		t.recorder.RecordError("persist")
	}
}

func (t *StopTracker) audit(ctx context.Context, e journal.Event) {
	if t.auditor == nil {
		return
	}
	if err := t.auditor.Record(ctx, e); err != nil {
		t.logger.Warn("audit record failed", "event", e.EventType, "err", err)
	}
}
