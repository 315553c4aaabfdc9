package types

import "errors"

// Sentinel errors for the order lifecycle engine.
var (
	// Tracker errors
	ErrInvalidOrderKind = errors.New("invalid protective order kind")
	ErrOrderNotFound    = errors.New("order not tracked")
	ErrGroupNotFound    = errors.New("bracket group not tracked")
	ErrNotTrailingStop  = errors.New("order is not a trailing stop")
	ErrStatusTransition = errors.New("order status transition not allowed")

	// Break-even errors
	ErrBreakEvenNotEnabled  = errors.New("break-even not enabled for order")
	ErrMissingEntryPrice    = errors.New("entry price required for break-even")
	ErrOrderBlacklisted     = errors.New("order is blacklisted from break-even modification")
	ErrTickSizeUnavailable  = errors.New("tick size unavailable for contract")

	// Feed errors
	ErrPriceUnavailable = errors.New("no price available for symbol")
	ErrStreamNotActive  = errors.New("no active stream for symbol")

	// Broker errors
	ErrNotAuthenticated = errors.New("broker session not authenticated")
	ErrRequestTimeout   = errors.New("broker request timed out")

	// Config errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
