package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ordersentry/internal/broker"
	"ordersentry/internal/config"
	"ordersentry/internal/journal"
	"ordersentry/internal/tracker"
	"ordersentry/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Broker: config.BrokerConfig{
			Username: "trader",
			APIKey:   "key",
		},
		Persistence: config.PersistenceConfig{
			OrdersPath:   filepath.Join(dir, "stops.json"),
			BracketsPath: filepath.Join(dir, "brackets.json"),
			JournalPath:  filepath.Join(dir, "journal.db"),
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func TestNew_BuildsService(t *testing.T) {
	svc, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer svc.journal.Close()

	got := svc.Status()
	if got.Orders.Total != 0 || got.Groups.Total != 0 {
		t.Errorf("fresh service status = %+v", got)
	}
	if got.ActiveStreams != 0 {
		t.Errorf("active streams = %d, want 0", got.ActiveStreams)
	}
}

func TestNew_LoadsLegacyCanonicalSnapshots(t *testing.T) {
	cfg := testConfig(t)

	// Snapshot files written by the system this replaces: a canonical
	// object keyed "stop_loss_orders" / "bracket_orders".
	orders := `{
		"stop_loss_orders": [{
			"order_id": 501,
			"account_id": 1001,
			"account_name": "sim-1",
			"contract_id": "CON.F.US.ENQ.H25",
			"symbol": "NQ",
			"order_type": "STOP_LOSS",
			"stop_price": "18950.25",
			"status": "ACTIVE",
			"created_at": "2025-01-01T00:00:00Z"
		}],
		"last_updated": "2025-01-02T00:00:00Z",
		"active_count": 1
	}`
	if err := os.WriteFile(cfg.Persistence.OrdersPath, []byte(orders), 0o644); err != nil {
		t.Fatal(err)
	}
	groups := `{
		"bracket_orders": [{
			"group_id": "BRACKET-1001-NQ-20250101T000000-aaaa1111",
			"account_id": 1001,
			"account_name": "sim-1",
			"contract_id": "CON.F.US.ENQ.H25",
			"symbol": "NQ",
			"orders": [{"id": 601, "type": "STOP_LOSS", "status": 1}],
			"status": "OPEN",
			"created_at": "2025-01-01T00:00:00Z"
		}]
	}`
	if err := os.WriteFile(cfg.Persistence.BracketsPath, []byte(groups), 0o644); err != nil {
		t.Fatal(err)
	}

	svc, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer svc.journal.Close()

	got := svc.Status()
	if got.Orders.Total != 1 || got.Orders.Active != 1 {
		t.Errorf("orders = %+v, want 1 active carried across restart", got.Orders)
	}
	if got.Groups.Total != 1 || got.Groups.Open != 1 {
		t.Errorf("groups = %+v, want 1 open carried across restart", got.Groups)
	}
	if _, ok := svc.Orders().OrderStatus(501); !ok {
		t.Error("order 501 lost from legacy snapshot")
	}
}

func TestService_TrackOrder(t *testing.T) {
	svc, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer svc.journal.Close()

	order := types.ProtectiveOrder{
		OrderID:     500,
		AccountID:   1001,
		AccountName: "sim-1",
		ContractID:  "CON.F.US.ENQ.H25",
		Symbol:      "NQ",
		Kind:        types.KindStopLoss,
		StopPrice:   decimal.RequireFromString("18950"),
	}
	if err := svc.TrackOrder(context.Background(), order); err != nil {
		t.Fatalf("TrackOrder() error = %v", err)
	}

	if got := svc.Status(); got.Orders.Active != 1 {
		t.Errorf("active orders = %d, want 1", got.Orders.Active)
	}
	if _, ok := svc.Orders().OrderStatus(500); !ok {
		t.Error("order not reachable through the tracker accessor")
	}
}

func TestService_TrackBracket(t *testing.T) {
	svc, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer svc.journal.Close()

	id, err := svc.TrackBracket(context.Background(), tracker.GroupParams{
		AccountID:       1001,
		AccountName:     "sim-1",
		ContractID:      "CON.F.US.ENQ.H25",
		Symbol:          "NQ",
		StopLossOrderID: 600,
	})
	if err != nil {
		t.Fatalf("TrackBracket() error = %v", err)
	}
	if _, ok := svc.Brackets().GroupStatus(id); !ok {
		t.Error("group not reachable through the tracker accessor")
	}
}

func TestService_ClearBlacklistEmpty(t *testing.T) {
	svc, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer svc.journal.Close()

	if n := svc.ClearBlacklist(); n != 0 {
		t.Errorf("ClearBlacklist() = %d, want 0", n)
	}
}

func TestService_SweepOldPrunesJournal(t *testing.T) {
	svc, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer svc.journal.Close()
	ctx := context.Background()

	stale := journal.Event{
		EventType: journal.EventOrderTracked,
		OrderID:   1,
		At:        time.Now().Add(-60 * 24 * time.Hour),
	}
	if err := svc.journal.Record(ctx, stale); err != nil {
		t.Fatal(err)
	}

	svc.SweepOld(ctx)

	events, err := svc.journal.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events = %d, want 0 after retention prune", len(events))
	}
}

func TestAccountResolver(t *testing.T) {
	gw := broker.NewMockGateway()
	gw.SetPositions(1001, []broker.Position{{
		ID:         77,
		AccountID:  1001,
		ContractID: "CON.F.US.ENQ.H25",
		Size:       2,
	}})
	r := newAccountResolver(gw)
	ctx := context.Background()

	if _, err := r.PositionIDFor(ctx, "sim-1", "CON.F.US.ENQ.H25"); err == nil {
		t.Error("unknown account should error")
	}

	r.record("sim-1", 1001)
	id, err := r.PositionIDFor(ctx, "sim-1", "CON.F.US.ENQ.H25")
	if err != nil {
		t.Fatalf("PositionIDFor() error = %v", err)
	}
	if id == nil || *id != 77 {
		t.Errorf("position id = %v, want 77", id)
	}

	// No position for the contract is a miss, not an error.
	id, err = r.PositionIDFor(ctx, "sim-1", "CON.F.US.MES.H25")
	if err != nil {
		t.Fatalf("PositionIDFor() error = %v", err)
	}
	if id != nil {
		t.Errorf("position id = %v, want nil", id)
	}

	gw.FailPositions(errors.New("timeout"))
	if _, err := r.PositionIDFor(ctx, "sim-1", "CON.F.US.ENQ.H25"); err == nil {
		t.Error("gateway failure should propagate")
	}
}

func TestNoopStreamer(t *testing.T) {
	var s noopStreamer
	if err := s.Start(context.Background(), "NQ", "CON.F.US.ENQ.H25"); err == nil {
		t.Error("noop streamer should reject starts")
	}
	if err := s.Stop("NQ"); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestBuildAlerter(t *testing.T) {
	logger := testLogger()

	disabled := &config.Config{}
	if got := buildAlerter(disabled, logger); got != nil {
		t.Errorf("disabled alerting should yield nil, got %v", got.Name())
	}

	console := &config.Config{Alerting: config.AlertingConfig{
		Enabled:  true,
		Channels: []config.ChannelConfig{{Type: "console"}},
	}}
	if got := buildAlerter(console, logger); got == nil || got.Name() != "console" {
		t.Errorf("single console channel: got %v", got)
	}

	multi := &config.Config{Alerting: config.AlertingConfig{
		Enabled: true,
		Channels: []config.ChannelConfig{
			{Type: "console"},
			{Type: "slack", WebhookURL: "https://hooks.slack.com/services/T/B/x"},
		},
	}}
	if got := buildAlerter(multi, logger); got == nil || got.Name() != "multi" {
		t.Errorf("two channels: got %v", got)
	}
}
