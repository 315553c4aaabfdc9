package contracts

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

type fakeSource struct {
	tick  decimal.Decimal
	err   error
	calls atomic.Int64
}

func (f *fakeSource) GetTickSize(_ context.Context, _ string) (decimal.Decimal, error) {
	f.calls.Add(1)
	return f.tick, f.err
}

func TestAlignToTick(t *testing.T) {
	tests := []struct {
		name  string
		price string
		tick  string
		want  string
	}{
		{"already aligned", "19000.25", "0.25", "19000.25"},
		{"rounds down", "19000.30", "0.25", "19000.25"},
		{"rounds up", "19000.40", "0.25", "19000.5"},
		{"midpoint rounds away", "19000.125", "0.25", "19000.25"},
		{"whole point tick", "5031.7", "1", "5032"},
		{"tiny tick", "1.23456", "0.0001", "1.2346"},
		{"zero tick passthrough", "19000.3", "0", "19000.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price := decimal.RequireFromString(tt.price)
			tick := decimal.RequireFromString(tt.tick)
			want := decimal.RequireFromString(tt.want)
			if got := AlignToTick(price, tick); !got.Equal(want) {
				t.Errorf("AlignToTick(%s, %s) = %s, want %s", tt.price, tt.tick, got, want)
			}
		})
	}
}

func TestResolver_CachesTickSize(t *testing.T) {
	src := &fakeSource{tick: decimal.RequireFromString("0.25")}
	r := NewResolver(src, nil)

	for i := 0; i < 3; i++ {
		tick, err := r.TickSize(context.Background(), "CON.F.US.ENQ.H25")
		if err != nil {
			t.Fatalf("TickSize() error = %v", err)
		}
		if !tick.Equal(decimal.RequireFromString("0.25")) {
			t.Errorf("tick = %s", tick)
		}
	}
	if src.calls.Load() != 1 {
		t.Errorf("source called %d times, want 1", src.calls.Load())
	}
}

func TestResolver_SourceErrorNotCached(t *testing.T) {
	src := &fakeSource{err: errors.New("unavailable")}
	r := NewResolver(src, nil)

	if _, err := r.TickSize(context.Background(), "CON.F.US.ENQ.H25"); err == nil {
		t.Fatal("expected error")
	}

	src.err = nil
	src.tick = decimal.RequireFromString("0.5")
	tick, err := r.TickSize(context.Background(), "CON.F.US.ENQ.H25")
	if err != nil {
		t.Fatalf("TickSize() after recovery error = %v", err)
	}
	if !tick.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("tick = %s", tick)
	}
	if src.calls.Load() != 2 {
		t.Errorf("source called %d times, want 2", src.calls.Load())
	}
}

func TestResolver_RejectsNonPositiveTick(t *testing.T) {
	src := &fakeSource{tick: decimal.Zero}
	r := NewResolver(src, nil)

	if _, err := r.TickSize(context.Background(), "CON.F.US.ENQ.H25"); err == nil {
		t.Fatal("expected error for zero tick size")
	}
}

func TestResolver_AlignPrice(t *testing.T) {
	src := &fakeSource{tick: decimal.RequireFromString("0.25")}
	r := NewResolver(src, nil)

	got, err := r.AlignPrice(context.Background(), "CON.F.US.ENQ.H25", decimal.RequireFromString("19000.30"))
	if err != nil {
		t.Fatalf("AlignPrice() error = %v", err)
	}
	if !got.Equal(decimal.RequireFromString("19000.25")) {
		t.Errorf("aligned = %s, want 19000.25", got)
	}
}
