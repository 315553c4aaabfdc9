// Package types defines the shared entities of the order lifecycle engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderKind identifies the kind of protective order being tracked.
type OrderKind string

const (
	KindStopLoss     OrderKind = "STOP_LOSS"
	KindTrailingStop OrderKind = "TRAILING_STOP"
)

// Valid reports whether the kind is one the tracker accepts.
func (k OrderKind) Valid() bool {
	return k == KindStopLoss || k == KindTrailingStop
}

// OrderStatus represents the lifecycle state of a protective order.
type OrderStatus string

const (
	StatusActive    OrderStatus = "ACTIVE"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusOrphaned  OrderStatus = "ORPHANED"
)

// IsTerminal returns true if the order is in a final state.
// Terminal states never transition back to ACTIVE.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusFilled, StatusOrphaned:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving to the target status is allowed.
// Transitions are monotone forward only: ACTIVE may leave, terminal may not.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	if s == to {
		return false
	}
	return s == StatusActive
}

// ProtectiveOrder is one tracked stop-loss or trailing-stop order.
// Break-even and stream fields are optional and only populated when the
// order was placed with break-even monitoring requested.
type ProtectiveOrder struct {
	OrderID     int64     `json:"order_id"`
	AccountID   int64     `json:"account_id"`
	AccountName string    `json:"account_name"`
	ContractID  string    `json:"contract_id"`
	Symbol      string    `json:"symbol"`
	Kind        OrderKind `json:"order_type"`

	// Exactly one of StopPrice / TrailAmount is meaningful, per Kind.
	StopPrice   decimal.Decimal `json:"stop_price"`
	TrailAmount decimal.Decimal `json:"trail_amount"`

	PositionID           *int64 `json:"position_id,omitempty"`
	PositionSize         int    `json:"position_size"`
	OriginalPositionSize int    `json:"original_position_size"`

	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
	Notes     string      `json:"notes,omitempty"`

	// Break-even sub-state.
	EntryPrice           *decimal.Decimal `json:"entry_price,omitempty"`
	EnableBreakEven      bool             `json:"enable_break_even_stop,omitempty"`
	ActivationOffset     *decimal.Decimal `json:"break_even_activation_offset,omitempty"`
	BreakEvenActivated   bool             `json:"break_even_activated,omitempty"`
	BreakEvenActivatedAt *time.Time       `json:"break_even_activation_time,omitempty"`
	OriginalStopPrice    *decimal.Decimal `json:"original_stop_price,omitempty"`

	// Stream sub-state.
	StreamActive    bool       `json:"stream_active,omitempty"`
	StreamStartedAt *time.Time `json:"stream_started_at,omitempty"`
	StreamSymbol    string     `json:"stream_symbol,omitempty"`
}

// BreakEvenEligible reports whether the order qualifies for break-even
// monitoring: enabled, not yet activated, and carrying the required fields.
func (o *ProtectiveOrder) BreakEvenEligible() bool {
	return o.EnableBreakEven &&
		!o.BreakEvenActivated &&
		o.EntryPrice != nil &&
		o.ActivationOffset != nil &&
		o.Symbol != "" &&
		o.ContractID != ""
}

// IsLong infers position direction from the stop placement: a long
// position's protective stop sits below its entry price.
func (o *ProtectiveOrder) IsLong() bool {
	if o.EntryPrice == nil {
		return true
	}
	return o.StopPrice.LessThan(*o.EntryPrice)
}

// AppendNote appends to the free-text audit trail without replacing it.
func (o *ProtectiveOrder) AppendNote(note string) {
	if o.Notes == "" {
		o.Notes = note
		return
	}
	o.Notes = o.Notes + " | " + note
}

// LegType identifies a bracket leg's role.
type LegType string

const (
	LegStopLoss     LegType = "STOP_LOSS"
	LegTakeProfit   LegType = "TAKE_PROFIT"
	LegTrailingStop LegType = "TRAILING_STOP"
)

// LegStatus mirrors the broker's open/closed flag for a bracket leg.
type LegStatus int

const (
	LegOpen   LegStatus = 1
	LegClosed LegStatus = 2
)

// BracketLeg is one protective child order inside a bracket group.
type BracketLeg struct {
	ID     int64     `json:"id"`
	Type   LegType   `json:"type"`
	Status LegStatus `json:"status"`
}

// GroupStatus represents the lifecycle state of a bracket group.
type GroupStatus string

const (
	GroupOpen    GroupStatus = "OPEN"
	GroupClosed  GroupStatus = "CLOSED"
	GroupCleaned GroupStatus = "CLEANED"
)

// BracketGroup ties a market entry order to its protective siblings so
// they can be torn down together once the position is gone.
type BracketGroup struct {
	GroupID     string       `json:"group_id"`
	AccountID   int64        `json:"account_id"`
	AccountName string       `json:"account_name"`
	ContractID  string       `json:"contract_id"`
	Symbol      string       `json:"symbol"`
	Orders      []BracketLeg `json:"orders"`

	PositionID   *int64 `json:"position_id,omitempty"`
	PositionSize int    `json:"position_size"`

	Status    GroupStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`

	// Break-even mirror fields. Bracket tracking and per-order tracking
	// are independent registries over the same business fact.
	EntryPrice           *decimal.Decimal `json:"entry_price,omitempty"`
	EnableBreakEven      bool             `json:"enable_break_even_stop,omitempty"`
	ActivationOffset     *decimal.Decimal `json:"break_even_activation_offset,omitempty"`
	BreakEvenActivated   bool             `json:"break_even_activated,omitempty"`
	BreakEvenActivatedAt *time.Time       `json:"break_even_activation_time,omitempty"`
	OriginalStopPrice    *decimal.Decimal `json:"original_stop_price,omitempty"`

	// Stream sub-state.
	StreamActive    bool       `json:"stream_active,omitempty"`
	StreamStartedAt *time.Time `json:"stream_started_at,omitempty"`
	StreamSymbol    string     `json:"stream_symbol,omitempty"`
}

// HasLeg reports whether the group references the given order id.
func (g *BracketGroup) HasLeg(orderID int64) bool {
	for _, leg := range g.Orders {
		if leg.ID == orderID {
			return true
		}
	}
	return false
}

// RemoveLeg drops the leg with the given order id, if present.
// Returns true if a leg was removed.
func (g *BracketGroup) RemoveLeg(orderID int64) bool {
	for i, leg := range g.Orders {
		if leg.ID == orderID {
			g.Orders = append(g.Orders[:i], g.Orders[i+1:]...)
			return true
		}
	}
	return false
}
