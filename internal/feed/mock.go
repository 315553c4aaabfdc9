package feed

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MockFeed is an in-memory PriceFeed for testing.
type MockFeed struct {
	mu          sync.Mutex
	prices      map[string]decimal.Decimal
	subscribers map[string]map[int64]struct{}
	subscribeErr error
}

// NewMockFeed creates a mock price feed.
func NewMockFeed() *MockFeed {
	return &MockFeed{
		prices:      make(map[string]decimal.Decimal),
		subscribers: make(map[string]map[int64]struct{}),
	}
}

// SetPrice sets the price served for a symbol.
func (m *MockFeed) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[Normalize(symbol)] = price
}

// FailSubscribe makes future Subscribe calls return err.
func (m *MockFeed) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

func (m *MockFeed) Subscribe(_ context.Context, symbol, _ string, subscriberID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	key := Normalize(symbol)
	if m.subscribers[key] == nil {
		m.subscribers[key] = make(map[int64]struct{})
	}
	m.subscribers[key][subscriberID] = struct{}{}
	return nil
}

func (m *MockFeed) Release(_ context.Context, symbol string, subscriberID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Normalize(symbol)
	if subs := m.subscribers[key]; subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(m.subscribers, key)
		}
	}
	return nil
}

func (m *MockFeed) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[Normalize(symbol)]
	return price, ok, nil
}

func (m *MockFeed) Normalize(symbol string) string {
	return Normalize(symbol)
}

// SubscriberCount returns the subscriber count for a symbol.
func (m *MockFeed) SubscriberCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[Normalize(symbol)])
}
