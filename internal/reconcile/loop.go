// Package reconcile runs the periodic sweeps that keep the registries
// in step with broker state.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ordersentry/internal/metrics"
)

// StopReconciler is the protective-order side of the loop.
type StopReconciler interface {
	ReconcileAll(ctx context.Context) int
}

// GroupReconciler is the bracket-group side of the loop.
type GroupReconciler interface {
	ReconcileAll(ctx context.Context) int
}

// Config holds the loop intervals. Protective orders are checked more
// often than bracket groups.
type Config struct {
	OrderInterval   time.Duration
	BracketInterval time.Duration
}

// DefaultConfig returns the default loop intervals.
func DefaultConfig() Config {
	return Config{
		OrderInterval:   10 * time.Second,
		BracketInterval: 15 * time.Second,
	}
}

// Loop drives the two reconcilers on independent tickers. Ticks of the
// same reconciler never overlap; a slow tick delays the next one.
type Loop struct {
	stops    StopReconciler
	brackets GroupReconciler
	recorder *metrics.Recorder
	logger   *slog.Logger
	cfg      Config

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewLoop creates the reconciliation loop.
func NewLoop(stops StopReconciler, brackets GroupReconciler, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OrderInterval <= 0 {
		cfg.OrderInterval = DefaultConfig().OrderInterval
	}
	if cfg.BracketInterval <= 0 {
		cfg.BracketInterval = DefaultConfig().BracketInterval
	}

	return &Loop{
		stops:    stops,
		brackets: brackets,
		recorder: metrics.NewRecorder(),
		logger:   logger.With("component", "reconcile"),
		cfg:      cfg,
		done:     make(chan struct{}),
	}
}

// Start launches both tickers. Returns immediately.
func (l *Loop) Start(ctx context.Context) {
	l.logger.Info("reconciliation loop started",
		"order_interval", l.cfg.OrderInterval,
		"bracket_interval", l.cfg.BracketInterval,
	)

	l.wg.Add(2)
	go l.run(ctx, "orders", l.cfg.OrderInterval, l.stops.ReconcileAll)
	go l.run(ctx, "brackets", l.cfg.BracketInterval, l.brackets.ReconcileAll)
}

// Stop halts both tickers and waits for in-flight ticks to finish.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	l.logger.Info("reconciliation loop stopped")
}

func (l *Loop) run(ctx context.Context, registry string, interval time.Duration, reconcile func(context.Context) int) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-ticker.C:
			l.tick(ctx, registry, reconcile)
		}
	}
}

// tick runs one reconciliation pass. A panicking reconciler is logged
// and the loop keeps going; a stuck loop is worse than a bad tick.
func (l *Loop) tick(ctx context.Context, registry string, reconcile func(context.Context) int) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("reconcile tick panicked", "registry", registry, "panic", r)
			l.recorder.RecordError("reconcile_panic")
		}
	}()

	timer := metrics.NewTimer()
	handled := reconcile(ctx)
	timer.ObserveReconcile(registry)
	l.recorder.RecordHeartbeat()
	if handled > 0 {
		l.logger.Info("reconcile tick handled entries", "registry", registry, "count", handled)
	}
}
