// Package broker defines the gateway contract for the futures broker API.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Common gateway errors.
var (
	ErrNotConnected   = errors.New("gateway not connected")
	ErrOrderRejected  = errors.New("order rejected by broker")
	ErrRateLimited    = errors.New("rate limited by broker")
	ErrSessionExpired = errors.New("broker session expired")
)

// Gateway is the broker surface the lifecycle engine depends on.
// Implementations must be safe for concurrent use.
type Gateway interface {
	// SearchOpenPositions returns all open positions for the account.
	SearchOpenPositions(ctx context.Context, accountID int64) ([]Position, error)

	// SearchOpenOrders returns all working orders for the account.
	SearchOpenOrders(ctx context.Context, accountID int64) ([]OpenOrder, error)

	// CancelOrder cancels a working order. Callers should treat a
	// terminal error (see IsTerminalOrderError) as success.
	CancelOrder(ctx context.Context, accountID, orderID int64) error

	// ModifyOrder changes the stop price of a working stop order.
	ModifyOrder(ctx context.Context, accountID, orderID int64, stopPrice decimal.Decimal) error

	// GetTickSize returns the minimum price increment for a contract.
	GetTickSize(ctx context.Context, contractID string) (decimal.Decimal, error)
}

// Position is an open position as reported by the broker.
type Position struct {
	ID           int64           `json:"id"`
	AccountID    int64           `json:"accountId"`
	ContractID   string          `json:"contractId"`
	Type         PositionType    `json:"type"`
	Size         int             `json:"size"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
	CreatedAt    time.Time       `json:"creationTimestamp"`
}

// PositionType encodes position direction on the wire.
type PositionType int

const (
	PositionLong  PositionType = 1
	PositionShort PositionType = 2
)

func (t PositionType) String() string {
	switch t {
	case PositionLong:
		return "long"
	case PositionShort:
		return "short"
	default:
		return "unknown"
	}
}

// OpenOrder is a working order as reported by the broker.
type OpenOrder struct {
	ID         int64            `json:"id"`
	AccountID  int64            `json:"accountId"`
	ContractID string           `json:"contractId"`
	Type       int              `json:"type"`
	Side       int              `json:"side"`
	Size       int              `json:"size"`
	StopPrice  *decimal.Decimal `json:"stopPrice,omitempty"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	Status     int              `json:"status"`
	CreatedAt  time.Time        `json:"creationTimestamp"`
}

// terminalOrderPatterns are broker error fragments that mean the order
// is already gone. A cancel or modify that fails with one of these has
// nothing left to act on, so retrying is pointless.
var terminalOrderPatterns = []string{
	"order not found",
	"not found",
	"does not exist",
	"order does not exist",
	"invalid order",
	"order invalid",
	"already cancelled",
	"already canceled",
	"already filled",
	"order cancelled",
	"order canceled",
	"order filled",
	"order expired",
	"order closed",
}

// IsTerminalOrderError reports whether the error means the target order
// no longer exists at the broker. Matching is case-insensitive substring
// search over the error text.
func IsTerminalOrderError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range terminalOrderPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
