package broker

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MockGateway is an in-memory Gateway for testing.
type MockGateway struct {
	mu sync.Mutex

	positions map[int64][]Position
	orders    map[int64][]OpenOrder
	tickSizes map[string]decimal.Decimal

	cancelErr    error
	modifyErr    error
	positionsErr error
	ordersErr    error

	cancelled []int64
	modified  []ModifyCall
}

// ModifyCall records one ModifyOrder invocation.
type ModifyCall struct {
	AccountID int64
	OrderID   int64
	StopPrice decimal.Decimal
}

// NewMockGateway creates a mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		positions: make(map[int64][]Position),
		orders:    make(map[int64][]OpenOrder),
		tickSizes: make(map[string]decimal.Decimal),
	}
}

// SetPositions sets the open positions returned for an account.
func (m *MockGateway) SetPositions(accountID int64, positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[accountID] = positions
}

// SetOpenOrders sets the working orders returned for an account.
func (m *MockGateway) SetOpenOrders(accountID int64, orders []OpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[accountID] = orders
}

// SetTickSize sets the tick size returned for a contract.
func (m *MockGateway) SetTickSize(contractID string, tick decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickSizes[contractID] = tick
}

// FailCancel makes CancelOrder return err.
func (m *MockGateway) FailCancel(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

// FailModify makes ModifyOrder return err.
func (m *MockGateway) FailModify(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modifyErr = err
}

// FailPositions makes SearchOpenPositions return err.
func (m *MockGateway) FailPositions(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsErr = err
}

// FailOrders makes SearchOpenOrders return err.
func (m *MockGateway) FailOrders(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersErr = err
}

func (m *MockGateway) SearchOpenPositions(_ context.Context, accountID int64) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	return append([]Position(nil), m.positions[accountID]...), nil
}

func (m *MockGateway) SearchOpenOrders(_ context.Context, accountID int64) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ordersErr != nil {
		return nil, m.ordersErr
	}
	return append([]OpenOrder(nil), m.orders[accountID]...), nil
}

func (m *MockGateway) CancelOrder(_ context.Context, accountID, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, orderID)
	remaining := m.orders[accountID][:0]
	for _, o := range m.orders[accountID] {
		if o.ID != orderID {
			remaining = append(remaining, o)
		}
	}
	m.orders[accountID] = remaining
	return nil
}

func (m *MockGateway) ModifyOrder(_ context.Context, accountID, orderID int64, stopPrice decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modifyErr != nil {
		return m.modifyErr
	}
	m.modified = append(m.modified, ModifyCall{AccountID: accountID, OrderID: orderID, StopPrice: stopPrice})
	return nil
}

func (m *MockGateway) GetTickSize(_ context.Context, contractID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tick, ok := m.tickSizes[contractID]; ok {
		return tick, nil
	}
	return decimal.RequireFromString("0.25"), nil
}

// Cancelled returns the order ids cancelled so far.
func (m *MockGateway) Cancelled() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.cancelled...)
}

// Modified returns the modify calls so far.
func (m *MockGateway) Modified() []ModifyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ModifyCall(nil), m.modified...)
}
