package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"ordersentry/internal/metrics"
	"ordersentry/internal/types"
)

type fakeStreamer struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	startErr error
}

func (f *fakeStreamer) Start(_ context.Context, symbol, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, symbol)
	return nil
}

func (f *fakeStreamer) Stop(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, symbol)
	return nil
}

func (f *fakeStreamer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeStreamer) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func TestManager_RefCountedSubscriptions(t *testing.T) {
	ctx := context.Background()
	streamer := &fakeStreamer{}
	m := NewManager(streamer, 0, nil)

	// Two subscribers on the same underlying symbol, one stream.
	if err := m.Subscribe(ctx, "NQ!", "CON.F.US.ENQ.H25", 101); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := m.Subscribe(ctx, "nq1!", "CON.F.US.ENQ.H25", 102); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if streamer.startCount() != 1 {
		t.Errorf("stream started %d times, want 1", streamer.startCount())
	}
	if m.SubscriberCount("NQ") != 2 {
		t.Errorf("subscribers = %d, want 2", m.SubscriberCount("NQ"))
	}

	// First release keeps the stream alive.
	if err := m.Release(ctx, "NQ", 101); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if streamer.stopCount() != 0 {
		t.Error("stream stopped while a subscriber remains")
	}

	// Last release tears it down.
	if err := m.Release(ctx, "NQ", 102); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if streamer.stopCount() != 1 {
		t.Errorf("stream stopped %d times, want 1", streamer.stopCount())
	}
	if m.ActiveStreams() != 0 {
		t.Errorf("active streams = %d, want 0", m.ActiveStreams())
	}
}

func TestManager_ReleaseUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	streamer := &fakeStreamer{}
	m := NewManager(streamer, 0, nil)

	if err := m.Release(ctx, "NQ", 999); err != nil {
		t.Fatalf("Release() of unknown symbol error = %v", err)
	}

	if err := m.Subscribe(ctx, "NQ", "CON.F.US.ENQ.H25", 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(ctx, "NQ", 999); err != nil {
		t.Fatalf("Release() of unknown subscriber error = %v", err)
	}
	if streamer.stopCount() != 0 {
		t.Error("stream should survive release of unknown subscriber")
	}
}

func TestManager_SubscribeFailurePropagates(t *testing.T) {
	streamer := &fakeStreamer{startErr: errors.New("dial refused")}
	m := NewManager(streamer, 0, nil)

	err := m.Subscribe(context.Background(), "NQ", "CON.F.US.ENQ.H25", 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if m.ActiveStreams() != 0 {
		t.Error("failed subscribe should not register a stream")
	}
}

func TestManager_LatestPrice(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&fakeStreamer{}, 0, nil)

	// No subscription: stream not active.
	_, _, err := m.LatestPrice(ctx, "NQ")
	if !errors.Is(err, types.ErrStreamNotActive) {
		t.Errorf("error = %v, want ErrStreamNotActive", err)
	}

	if err := m.Subscribe(ctx, "NQ", "CON.F.US.ENQ.H25", 1); err != nil {
		t.Fatal(err)
	}

	// Subscribed but no quote yet.
	_, ok, err := m.LatestPrice(ctx, "NQ")
	if err != nil || ok {
		t.Errorf("before first quote: ok = %v, err = %v", ok, err)
	}

	m.HandleQuote(Quote{Symbol: "NQ", Price: decimal.RequireFromString("19123.50")})
	price, ok, err := m.LatestPrice(ctx, "NQ!")
	if err != nil || !ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	if !price.Equal(decimal.RequireFromString("19123.50")) {
		t.Errorf("price = %s", price)
	}
}

func TestManager_StaleQuoteNotServed(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&fakeStreamer{}, 50*time.Millisecond, nil)

	if err := m.Subscribe(ctx, "NQ", "CON.F.US.ENQ.H25", 1); err != nil {
		t.Fatal(err)
	}
	m.HandleQuote(Quote{
		Symbol: "NQ",
		Price:  decimal.RequireFromString("19000"),
		At:     time.Now().Add(-time.Second),
	})

	_, ok, err := m.LatestPrice(ctx, "NQ")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("stale quote should not be served")
	}
}

func TestManager_QuoteForUnsubscribedSymbolDropped(t *testing.T) {
	m := NewManager(&fakeStreamer{}, 0, nil)
	m.HandleQuote(Quote{Symbol: "NQ", Price: decimal.RequireFromString("19000")})

	m.mu.RLock()
	_, held := m.quotes["NQ"]
	m.mu.RUnlock()
	if held {
		t.Error("quote for unsubscribed symbol should be dropped")
	}
}

func TestManager_RecordsFeedMetrics(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&fakeStreamer{}, 0, nil)

	if err := m.Subscribe(ctx, "NQ", "CON.F.US.ENQ.H25", 1); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.StreamsActive); got != 1 {
		t.Errorf("active streams gauge = %v, want 1", got)
	}

	before := testutil.ToFloat64(metrics.QuotesReceived.WithLabelValues("NQ"))
	m.HandleQuote(Quote{Symbol: "NQ", Price: decimal.RequireFromString("19000")})
	if got := testutil.ToFloat64(metrics.QuotesReceived.WithLabelValues("NQ")); got != before+1 {
		t.Errorf("quote count = %v, want %v", got, before+1)
	}

	if err := m.Release(ctx, "NQ", 1); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.StreamsActive); got != 0 {
		t.Errorf("active streams gauge = %v, want 0", got)
	}
}

func TestManager_ReleaseSymbol(t *testing.T) {
	ctx := context.Background()
	streamer := &fakeStreamer{}
	m := NewManager(streamer, 0, nil)

	for id := int64(1); id <= 3; id++ {
		if err := m.Subscribe(ctx, "NQ", "CON.F.US.ENQ.H25", id); err != nil {
			t.Fatal(err)
		}
	}

	if dropped := m.ReleaseSymbol(ctx, "NQ"); dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
	if streamer.stopCount() != 1 {
		t.Errorf("stream stopped %d times, want 1", streamer.stopCount())
	}
}
