package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ordersentry/internal/metrics"
	"ordersentry/internal/types"
)

// Streamer runs one quote stream per symbol and reports prices back
// through the callback handed to it at construction.
type Streamer interface {
	Start(ctx context.Context, symbol, contractID string) error
	Stop(symbol string) error
}

// Manager implements PriceFeed with reference-counted subscriptions
// over a Streamer. Prices arriving from streams are held in memory and
// served to readers without blocking.
type Manager struct {
	streamer Streamer
	logger   *slog.Logger
	recorder *metrics.Recorder

	// maxQuoteAge bounds staleness; zero disables the check.
	maxQuoteAge time.Duration

	mu          sync.RWMutex
	subscribers map[string]map[int64]struct{}
	contracts   map[string]string
	quotes      map[string]Quote
}

// NewManager creates a subscription manager. maxQuoteAge of zero means
// quotes never expire.
func NewManager(streamer Streamer, maxQuoteAge time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		streamer:    streamer,
		logger:      logger.With("component", "feed"),
		recorder:    metrics.NewRecorder(),
		maxQuoteAge: maxQuoteAge,
		subscribers: make(map[string]map[int64]struct{}),
		contracts:   make(map[string]string),
		quotes:      make(map[string]Quote),
	}
}

// Normalize maps a display symbol to its canonical stream key.
func (m *Manager) Normalize(symbol string) string {
	return Normalize(symbol)
}

// Subscribe registers a subscriber, starting the stream on first use.
func (m *Manager) Subscribe(ctx context.Context, symbol, contractID string, subscriberID int64) error {
	key := Normalize(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	subs, active := m.subscribers[key]
	if active {
		subs[subscriberID] = struct{}{}
		m.logger.Debug("joined existing stream",
			"symbol", key,
			"subscriber", subscriberID,
			"subscribers", len(subs),
		)
		return nil
	}

	if err := m.streamer.Start(ctx, key, contractID); err != nil {
		return fmt.Errorf("start stream %s: %w", key, err)
	}

	m.subscribers[key] = map[int64]struct{}{subscriberID: {}}
	m.contracts[key] = contractID
	m.recorder.RecordStreamsActive(len(m.subscribers))
	m.logger.Info("stream started", "symbol", key, "subscriber", subscriberID)
	return nil
}

// Release removes a subscriber, stopping the stream when the last one
// leaves. Unknown subscriptions are ignored.
func (m *Manager) Release(_ context.Context, symbol string, subscriberID int64) error {
	key := Normalize(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	subs, active := m.subscribers[key]
	if !active {
		return nil
	}
	if _, ok := subs[subscriberID]; !ok {
		return nil
	}
	delete(subs, subscriberID)
	if len(subs) > 0 {
		return nil
	}

	delete(m.subscribers, key)
	delete(m.contracts, key)
	delete(m.quotes, key)
	m.recorder.RecordStreamsActive(len(m.subscribers))

	if err := m.streamer.Stop(key); err != nil {
		m.logger.Warn("stop stream failed", "symbol", key, "err", err)
	}
	m.logger.Info("stream stopped", "symbol", key, "last_subscriber", subscriberID)
	return nil
}

// ReleaseSymbol drops every subscriber for the symbol and stops its
// stream.
func (m *Manager) ReleaseSymbol(_ context.Context, symbol string) int {
	key := Normalize(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	subs, active := m.subscribers[key]
	if !active {
		return 0
	}
	n := len(subs)
	delete(m.subscribers, key)
	delete(m.contracts, key)
	delete(m.quotes, key)
	m.recorder.RecordStreamsActive(len(m.subscribers))

	if err := m.streamer.Stop(key); err != nil {
		m.logger.Warn("stop stream failed", "symbol", key, "err", err)
	}
	m.logger.Info("stream force-stopped", "symbol", key, "subscribers_dropped", n)
	return n
}

// LatestPrice returns the most recent quote for the symbol.
func (m *Manager) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, bool, error) {
	key := Normalize(symbol)

	m.mu.RLock()
	quote, ok := m.quotes[key]
	_, active := m.subscribers[key]
	m.mu.RUnlock()

	if !active {
		return decimal.Zero, false, fmt.Errorf("%w: %s", types.ErrStreamNotActive, key)
	}
	if !ok {
		return decimal.Zero, false, nil
	}
	if m.maxQuoteAge > 0 && time.Since(quote.At) > m.maxQuoteAge {
		return decimal.Zero, false, nil
	}
	return quote.Price, true, nil
}

// HandleQuote records a price observation. It is the streamer's entry
// point back into the manager.
func (m *Manager) HandleQuote(q Quote) {
	key := Normalize(q.Symbol)
	if q.At.IsZero() {
		q.At = time.Now()
	}

	m.mu.Lock()
	_, active := m.subscribers[key]
	if active {
		m.quotes[key] = Quote{Symbol: key, Price: q.Price, At: q.At}
	}
	m.mu.Unlock()

	if active {
		m.recorder.RecordQuote(key)
	}
}

// SubscriberCount returns the number of subscribers on a symbol.
func (m *Manager) SubscriberCount(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[Normalize(symbol)])
}

// ActiveStreams returns the number of running streams.
func (m *Manager) ActiveStreams() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Close stops every stream.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.subscribers {
		if err := m.streamer.Stop(key); err != nil {
			m.logger.Warn("stop stream failed", "symbol", key, "err", err)
		}
	}
	m.subscribers = make(map[string]map[int64]struct{})
	m.contracts = make(map[string]string)
	m.quotes = make(map[string]Quote)
	m.recorder.RecordStreamsActive(0)
}
