// Package feed provides live price subscriptions for break-even monitoring.
package feed

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFeed is the subscription surface the break-even engine uses.
// Subscriptions are reference counted per symbol: the underlying quote
// stream runs while at least one subscriber remains.
type PriceFeed interface {
	// Subscribe registers a subscriber for the symbol, starting the
	// stream on the first subscription.
	Subscribe(ctx context.Context, symbol, contractID string, subscriberID int64) error

	// Release removes a subscriber, stopping the stream when the last
	// one leaves. Releasing an unknown subscription is a no-op.
	Release(ctx context.Context, symbol string, subscriberID int64) error

	// LatestPrice returns the most recent quote for the symbol. The
	// bool is false when no quote has arrived yet.
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)

	// Normalize maps a display symbol to its canonical stream key.
	Normalize(symbol string) string
}

// Quote is one price observation from a stream.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

var (
	continuousSuffix = regexp.MustCompile(`\.\d+!?`)
	trailingDigits   = regexp.MustCompile(`\d+!?$`)
)

// Normalize strips charting decorations from a symbol and uppercases
// it: "NQ!" and "nq1!" become "NQ", "MNQ.1" becomes "MNQ". The result
// is a fixed point, normalizing twice changes nothing.
func Normalize(symbol string) string {
	s := strings.Trim(symbol, "!")
	s = continuousSuffix.ReplaceAllString(s, "")
	s = trailingDigits.ReplaceAllString(s, "")
	return strings.ToUpper(s)
}
