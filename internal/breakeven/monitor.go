// Package breakeven moves protective stops to break even once a
// position has reached its profit threshold.
package breakeven

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ordersentry/internal/alerting"
	"ordersentry/internal/broker"
	"ordersentry/internal/contracts"
	"ordersentry/internal/feed"
	"ordersentry/internal/metrics"
	"ordersentry/internal/types"
)

// StopRegistry is the slice of the stop tracker the monitor reads and
// writes. Implemented by tracker.StopTracker.
type StopRegistry interface {
	OrderStatus(orderID int64) (types.ProtectiveOrder, bool)
	ActiveOrders() []types.ProtectiveOrder
	MarkBreakEvenActivated(ctx context.Context, orderID int64, newStop decimal.Decimal) bool
}

// Config holds the monitor's tuning knobs.
type Config struct {
	// PollInterval is how often monitored orders are evaluated. Must
	// stay shorter than the reconciliation interval so a triggered stop
	// moves before the order can be swept.
	PollInterval time.Duration

	// MaxModifyAttempts bounds the modify retry loop per trigger.
	MaxModifyAttempts int

	// RetryDelay is the fixed delay between modify attempts.
	RetryDelay time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:      2 * time.Second,
		MaxModifyAttempts: 5,
		RetryDelay:        2 * time.Second,
	}
}

// Status is the monitor's introspection snapshot.
type Status struct {
	Monitored     int `json:"monitored"`
	Blacklisted   int `json:"blacklisted"`
	Subscriptions int `json:"subscriptions"`
	Eligible      int `json:"eligible"`
	Activated     int `json:"activated"`
}

// Monitor watches live prices for enrolled orders and moves each stop
// to its tick-aligned entry price once profit reaches the activation
// offset. Orders whose modification fails terminally or exhausts its
// retries are blacklisted permanently; only an operator clears them.
type Monitor struct {
	registry  StopRegistry
	gateway   broker.Gateway
	contracts *contracts.Resolver
	feed      feed.PriceFeed
	alerter   alerting.Alerter
	recorder  *metrics.Recorder
	logger    *slog.Logger
	cfg       Config

	mu        sync.Mutex
	monitored map[int64]string
	blacklist map[int64]struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMonitor creates a break-even monitor. alerter may be nil.
func NewMonitor(
	registry StopRegistry,
	gateway broker.Gateway,
	resolver *contracts.Resolver,
	priceFeed feed.PriceFeed,
	alerter alerting.Alerter,
	cfg Config,
	logger *slog.Logger,
) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxModifyAttempts <= 0 {
		cfg.MaxModifyAttempts = DefaultConfig().MaxModifyAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	return &Monitor{
		registry:  registry,
		gateway:   gateway,
		contracts: resolver,
		feed:      priceFeed,
		alerter:   alerter,
		recorder:  metrics.NewRecorder(),
		logger:    logger.With("component", "breakeven"),
		cfg:       cfg,
		monitored: make(map[int64]string),
		blacklist: make(map[int64]struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the poll loop. Returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		m.logger.Info("break-even monitor started", "interval", m.cfg.PollInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and releases every subscription.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()

	m.mu.Lock()
	remaining := make(map[int64]string, len(m.monitored))
	for id, symbol := range m.monitored {
		remaining[id] = symbol
	}
	m.monitored = make(map[int64]string)
	m.mu.Unlock()

	ctx := context.Background()
	for id, symbol := range remaining {
		if err := m.feed.Release(ctx, symbol, id); err != nil {
			m.logger.Warn("release subscription failed", "order_id", id, "err", err)
		}
	}
	m.logger.Info("break-even monitor stopped")
}

// Add enrolls an order for monitoring. Returns false when the order is
// not eligible, already monitored, or blacklisted.
func (m *Monitor) Add(ctx context.Context, order types.ProtectiveOrder) bool {
	if !order.BreakEvenEligible() {
		m.logger.Debug("order not eligible for break-even", "order_id", order.OrderID)
		return false
	}
	symbol := m.feed.Normalize(order.Symbol)

	m.mu.Lock()
	if _, black := m.blacklist[order.OrderID]; black {
		m.mu.Unlock()
		m.logger.Warn("order is blacklisted", "order_id", order.OrderID)
		return false
	}
	if _, exists := m.monitored[order.OrderID]; exists {
		m.mu.Unlock()
		return true
	}
	m.monitored[order.OrderID] = symbol
	count := len(m.monitored)
	m.mu.Unlock()

	if err := m.feed.Subscribe(ctx, symbol, order.ContractID, order.OrderID); err != nil {
		m.mu.Lock()
		delete(m.monitored, order.OrderID)
		m.mu.Unlock()
		m.logger.Error("price subscription failed",
			"order_id", order.OrderID,
			"symbol", symbol,
			"err", err,
		)
		return false
	}

	m.recorder.RecordBreakEvenMonitored(count)
	m.logger.Info("monitoring order for break-even",
		"order_id", order.OrderID,
		"symbol", symbol,
		"entry", order.EntryPrice,
		"offset", order.ActivationOffset,
	)
	return true
}

// Enroll looks the order up in the registry and adds it. Implements
// the tracker's break-even hook.
func (m *Monitor) Enroll(ctx context.Context, orderID int64) bool {
	order, ok := m.registry.OrderStatus(orderID)
	if !ok {
		m.logger.Warn("cannot enroll unknown order", "order_id", orderID)
		return false
	}
	return m.Add(ctx, order)
}

// Release stops monitoring an order and drops its price subscription.
// Safe to call for orders that were never monitored.
func (m *Monitor) Release(ctx context.Context, orderID int64, symbol string) {
	m.mu.Lock()
	key, monitored := m.monitored[orderID]
	if monitored {
		delete(m.monitored, orderID)
	}
	count := len(m.monitored)
	m.mu.Unlock()

	if !monitored {
		key = m.feed.Normalize(symbol)
	}
	if err := m.feed.Release(ctx, key, orderID); err != nil {
		m.logger.Warn("release subscription failed", "order_id", orderID, "err", err)
	}
	if monitored {
		m.recorder.RecordBreakEvenMonitored(count)
		m.logger.Info("released break-even monitoring", "order_id", orderID, "symbol", key)
	}
}

// CleanupSymbol releases every monitored order for the symbol at once.
// Used when a position is known to have closed.
func (m *Monitor) CleanupSymbol(ctx context.Context, symbol string) {
	key := m.feed.Normalize(symbol)

	m.mu.Lock()
	var matching []int64
	for id, s := range m.monitored {
		if s == key {
			matching = append(matching, id)
		}
	}
	m.mu.Unlock()

	for _, id := range matching {
		m.Release(ctx, id, key)
	}
}

// ClearBlacklist empties the blacklist and returns the number of
// entries removed. Admin operation.
func (m *Monitor) ClearBlacklist() int {
	m.mu.Lock()
	n := len(m.blacklist)
	m.blacklist = make(map[int64]struct{})
	m.mu.Unlock()

	m.recorder.RecordBlacklistSize(0)
	if n > 0 {
		m.logger.Info("blacklist cleared", "count", n)
	}
	return n
}

// Blacklisted reports whether the order is blocked from modification.
func (m *Monitor) Blacklisted(orderID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blacklist[orderID]
	return ok
}

// Status returns the monitor's counters.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	monitored := len(m.monitored)
	blacklisted := len(m.blacklist)
	subs := make(map[string]struct{}, len(m.monitored))
	for _, symbol := range m.monitored {
		subs[symbol] = struct{}{}
	}
	m.mu.Unlock()

	s := Status{
		Monitored:     monitored,
		Blacklisted:   blacklisted,
		Subscriptions: len(subs),
	}
	for _, order := range m.registry.ActiveOrders() {
		if order.BreakEvenEligible() {
			s.Eligible++
		}
		if order.BreakEvenActivated {
			s.Activated++
		}
	}
	return s
}

// tick runs one evaluation pass: adopt newly eligible orders, then
// check every monitored order against the latest price. A panicking
// pass is logged and the next tick proceeds.
func (m *Monitor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("break-even tick panicked", "panic", r)
			m.recorder.RecordError("breakeven_panic")
		}
	}()

	m.adopt(ctx)

	m.mu.Lock()
	ids := make([]int64, 0, len(m.monitored))
	for id := range m.monitored {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.evaluate(ctx, id)
	}
}

// adopt scans the registry for eligible ACTIVE orders that are not yet
// monitored. Orders added while the monitor was down, and orders whose
// stream was lost, get picked up here.
func (m *Monitor) adopt(ctx context.Context) {
	for _, order := range m.registry.ActiveOrders() {
		if order.Status != types.StatusActive || !order.BreakEvenEligible() {
			continue
		}
		m.mu.Lock()
		_, monitored := m.monitored[order.OrderID]
		_, black := m.blacklist[order.OrderID]
		m.mu.Unlock()
		if monitored || black {
			continue
		}
		if m.Add(ctx, order) {
			m.logger.Info("adopted order for break-even", "order_id", order.OrderID)
		}
	}
}

// evaluate checks one monitored order against the latest quote and
// triggers the modification once profit reaches the offset.
func (m *Monitor) evaluate(ctx context.Context, orderID int64) {
	order, ok := m.registry.OrderStatus(orderID)
	if !ok || order.Status != types.StatusActive || !order.BreakEvenEligible() {
		m.Release(ctx, orderID, order.Symbol)
		return
	}

	symbol := m.feed.Normalize(order.Symbol)
	price, ok, err := m.feed.LatestPrice(ctx, symbol)
	if err != nil {
		m.logger.Warn("price lookup failed", "order_id", orderID, "symbol", symbol, "err", err)
		return
	}
	if !ok {
		// No quote yet, check again next tick.
		return
	}

	entry := *order.EntryPrice
	var profit decimal.Decimal
	if order.IsLong() {
		profit = price.Sub(entry)
	} else {
		profit = entry.Sub(price)
	}
	if profit.LessThan(*order.ActivationOffset) {
		return
	}

	m.logger.Info("break-even threshold reached",
		"order_id", orderID,
		"symbol", symbol,
		"price", price,
		"entry", entry,
		"profit", profit,
	)
	m.trigger(ctx, order)
}

// trigger moves the stop to the tick-aligned entry price with bounded
// retries. Terminal broker errors short-circuit; terminal failure or
// retry exhaustion blacklists the order permanently.
func (m *Monitor) trigger(ctx context.Context, order types.ProtectiveOrder) {
	newStop, err := m.contracts.AlignPrice(ctx, order.ContractID, *order.EntryPrice)
	if err != nil {
		// Tick size lookups are transient failures, retry next tick.
		m.logger.Warn("tick size unavailable", "order_id", order.OrderID, "err", err)
		m.recorder.RecordError("tick_size")
		return
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxModifyAttempts; attempt++ {
		err := m.gateway.ModifyOrder(ctx, order.AccountID, order.OrderID, newStop)
		if err == nil {
			m.activated(ctx, order, newStop)
			return
		}
		lastErr = err

		if broker.IsTerminalOrderError(err) {
			m.logger.Warn("order gone at broker, blacklisting",
				"order_id", order.OrderID,
				"err", err,
			)
			m.recorder.RecordBreakEvenOutcome("terminal")
			m.blacklistOrder(ctx, order, fmt.Sprintf("terminal broker error: %v", err))
			return
		}

		m.logger.Warn("break-even modify failed",
			"order_id", order.OrderID,
			"attempt", attempt,
			"max_attempts", m.cfg.MaxModifyAttempts,
			"err", err,
		)
		if attempt < m.cfg.MaxModifyAttempts {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-time.After(m.cfg.RetryDelay):
			}
		}
	}

	m.recorder.RecordBreakEvenOutcome("exhausted")
	alerting.Go(m.alerter, m.logger, alerting.EventBreakEvenFailed,
		fmt.Sprintf("Break-even modify failed for order %d (%s) after %d attempts",
			order.OrderID, order.Symbol, m.cfg.MaxModifyAttempts),
		"account", order.AccountName,
		"err", fmt.Sprint(lastErr),
	)
	m.blacklistOrder(ctx, order, fmt.Sprintf("retries exhausted: %v", lastErr))
}

// activated records a successful break-even move and releases the order.
func (m *Monitor) activated(ctx context.Context, order types.ProtectiveOrder, newStop decimal.Decimal) {
	if !m.registry.MarkBreakEvenActivated(ctx, order.OrderID, newStop) {
		m.logger.Warn("activation already recorded", "order_id", order.OrderID)
	}
	m.recorder.RecordBreakEvenOutcome("activated")
	m.logger.Info("stop moved to break even",
		"order_id", order.OrderID,
		"symbol", order.Symbol,
		"old_stop", order.StopPrice,
		"new_stop", newStop,
	)
	alerting.Go(m.alerter, m.logger, alerting.EventBreakEvenTriggered,
		fmt.Sprintf("Moved stop for order %d (%s) to break even at %s",
			order.OrderID, order.Symbol, newStop),
		"account", order.AccountName,
		"old_stop", order.StopPrice.String(),
	)
	m.Release(ctx, order.OrderID, order.Symbol)
}

// blacklistOrder permanently blocks the order and releases it.
func (m *Monitor) blacklistOrder(ctx context.Context, order types.ProtectiveOrder, reason string) {
	m.mu.Lock()
	m.blacklist[order.OrderID] = struct{}{}
	size := len(m.blacklist)
	m.mu.Unlock()

	m.recorder.RecordBlacklistSize(size)
	alerting.Go(m.alerter, m.logger, alerting.EventOrderBlacklisted,
		fmt.Sprintf("Order %d (%s) blacklisted from break-even modification",
			order.OrderID, order.Symbol),
		"account", order.AccountName,
		"reason", reason,
	)
	m.Release(ctx, order.OrderID, order.Symbol)
}
