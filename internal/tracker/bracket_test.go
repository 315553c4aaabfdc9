package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ordersentry/internal/alerting"
	"ordersentry/internal/broker"
	"ordersentry/internal/store"
	"ordersentry/internal/types"
)

func newTestBracketTracker(t *testing.T, gw *broker.MockGateway) (*BracketTracker, *alerting.MockAlerter) {
	t.Helper()
	alerter := alerting.NewMockAlerter()
	snap := store.NewSnapshot[types.BracketGroup](
		filepath.Join(t.TempDir(), "brackets.json"), "bracket_orders")
	tr, err := NewBracketTracker(gw, nil, snap, alerter, nil, testLogger())
	if err != nil {
		t.Fatalf("NewBracketTracker() error = %v", err)
	}
	return tr, alerter
}

func testGroupParams() GroupParams {
	return GroupParams{
		AccountID:         1001,
		AccountName:       "sim-1",
		ContractID:        "CON.F.US.ENQ.H25",
		Symbol:            "NQ",
		StopLossOrderID:   201,
		TakeProfitOrderID: 202,
		PositionSize:      2,
	}
}

func TestBracketTracker_CreateGroup(t *testing.T) {
	tr, _ := newTestBracketTracker(t, broker.NewMockGateway())

	id, err := tr.CreateGroup(context.Background(), testGroupParams())
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if !strings.HasPrefix(id, "BRACKET-1001-NQ-") {
		t.Errorf("group id = %q, want BRACKET-1001-NQ- prefix", id)
	}

	group, ok := tr.GroupStatus(id)
	if !ok {
		t.Fatal("group not tracked after create")
	}
	if group.Status != types.GroupOpen {
		t.Errorf("status = %s, want OPEN", group.Status)
	}
	if len(group.Orders) != 2 {
		t.Fatalf("legs = %d, want 2", len(group.Orders))
	}
	if !group.HasLeg(201) || !group.HasLeg(202) {
		t.Errorf("legs = %+v", group.Orders)
	}
	for _, leg := range group.Orders {
		if leg.Status != types.LegOpen {
			t.Errorf("leg %d status = %d, want open", leg.ID, leg.Status)
		}
	}
}

func TestBracketTracker_CreateGroupNeedsLegs(t *testing.T) {
	tr, _ := newTestBracketTracker(t, broker.NewMockGateway())

	params := testGroupParams()
	params.StopLossOrderID = 0
	params.TakeProfitOrderID = 0
	if _, err := tr.CreateGroup(context.Background(), params); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("CreateGroup() error = %v, want ErrInvalidConfig", err)
	}
}

func TestBracketTracker_GroupIDsUniqueWithinSecond(t *testing.T) {
	tr, _ := newTestBracketTracker(t, broker.NewMockGateway())
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		params := testGroupParams()
		params.StopLossOrderID = int64(300 + i)
		params.TakeProfitOrderID = 0
		id, err := tr.CreateGroup(ctx, params)
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate group id %q", id)
		}
		seen[id] = true
	}
}

func TestBracketTracker_CreateGroupStealsLegFromOlderGroup(t *testing.T) {
	tr, _ := newTestBracketTracker(t, broker.NewMockGateway())
	ctx := context.Background()

	first, err := tr.CreateGroup(ctx, testGroupParams())
	if err != nil {
		t.Fatal(err)
	}

	// Re-referencing leg 201 moves ownership to the new group.
	params := testGroupParams()
	params.TakeProfitOrderID = 0
	second, err := tr.CreateGroup(ctx, params)
	if err != nil {
		t.Fatal(err)
	}

	old, _ := tr.GroupStatus(first)
	if old.HasLeg(201) {
		t.Error("older group still references the stolen leg")
	}
	if !old.HasLeg(202) {
		t.Error("unrelated leg removed from older group")
	}
	fresh, _ := tr.GroupStatus(second)
	if !fresh.HasLeg(201) {
		t.Error("new group missing the leg")
	}

	got, ok := tr.GroupForOrder(201)
	if !ok || got.GroupID != second {
		t.Errorf("GroupForOrder(201) = %q, want %q", got.GroupID, second)
	}
}

func TestBracketTracker_ReconcileKeepsBackedGroup(t *testing.T) {
	gw := broker.NewMockGateway()
	gw.SetPositions(1001, []broker.Position{testPosition()})
	tr, _ := newTestBracketTracker(t, gw)
	ctx := context.Background()

	id, err := tr.CreateGroup(ctx, testGroupParams())
	if err != nil {
		t.Fatal(err)
	}

	if tr.ReconcileGroup(ctx, id) {
		t.Error("backed group should not be torn down")
	}
	if len(gw.Cancelled()) != 0 {
		t.Errorf("cancelled = %v, want none", gw.Cancelled())
	}
}

func TestBracketTracker_ReconcileCancelsLegsAndRemovesGroup(t *testing.T) {
	gw := broker.NewMockGateway()
	gw.SetOpenOrders(1001, []broker.OpenOrder{
		{ID: 201, AccountID: 1001},
		{ID: 202, AccountID: 1001},
	})
	tr, alerter := newTestBracketTracker(t, gw)
	ctx := context.Background()

	id, err := tr.CreateGroup(ctx, testGroupParams())
	if err != nil {
		t.Fatal(err)
	}

	if !tr.ReconcileGroup(ctx, id) {
		t.Fatal("group with no position should be torn down")
	}
	if got := gw.Cancelled(); len(got) != 2 {
		t.Errorf("cancelled = %v, want both legs", got)
	}
	if _, ok := tr.GroupStatus(id); ok {
		t.Error("group still tracked after cleanup")
	}
	waitFor(t, func() bool { return alerter.HasAlertContaining("torn down") })
}

func TestBracketTracker_ReconcileSkipsAlreadyGoneLegs(t *testing.T) {
	// Leg 202 is not in open orders, so only 201 gets a cancel call.
	gw := broker.NewMockGateway()
	gw.SetOpenOrders(1001, []broker.OpenOrder{{ID: 201, AccountID: 1001}})
	tr, _ := newTestBracketTracker(t, gw)
	ctx := context.Background()

	id, err := tr.CreateGroup(ctx, testGroupParams())
	if err != nil {
		t.Fatal(err)
	}

	if !tr.ReconcileGroup(ctx, id) {
		t.Fatal("group should be torn down")
	}
	if got := gw.Cancelled(); len(got) != 1 || got[0] != 201 {
		t.Errorf("cancelled = %v, want [201]", got)
	}
}

func TestBracketTracker_ReconcileRemovesGroupDespiteCancelFailure(t *testing.T) {
	gw := broker.NewMockGateway()
	gw.SetOpenOrders(1001, []broker.OpenOrder{
		{ID: 201, AccountID: 1001},
		{ID: 202, AccountID: 1001},
	})
	gw.FailCancel(errors.New("internal server error"))
	tr, alerter := newTestBracketTracker(t, gw)
	ctx := context.Background()

	id, err := tr.CreateGroup(ctx, testGroupParams())
	if err != nil {
		t.Fatal(err)
	}

	if !tr.ReconcileGroup(ctx, id) {
		t.Fatal("group should be removed even when cancels fail")
	}
	if _, ok := tr.GroupStatus(id); ok {
		t.Error("group still tracked after failed cleanup")
	}
	waitFor(t, func() bool { return alerter.HasAlertWithSeverity(alerting.SeverityCritical) })
}

func TestBracketTracker_ReconcileTerminalCancelError(t *testing.T) {
	gw := broker.NewMockGateway()
	gw.SetOpenOrders(1001, []broker.OpenOrder{{ID: 201, AccountID: 1001}})
	gw.FailCancel(errors.New("order already cancelled"))
	tr, alerter := newTestBracketTracker(t, gw)
	ctx := context.Background()

	params := testGroupParams()
	params.TakeProfitOrderID = 0
	id, err := tr.CreateGroup(ctx, params)
	if err != nil {
		t.Fatal(err)
	}

	if !tr.ReconcileGroup(ctx, id) {
		t.Fatal("terminal cancel error should not block cleanup")
	}
	if alerter.HasAlertWithSeverity(alerting.SeverityCritical) {
		t.Error("terminal error should not raise a critical alert")
	}
}

func TestBracketTracker_ReconcilePositionLookupFailure(t *testing.T) {
	gw := broker.NewMockGateway()
	gw.FailPositions(errors.New("timeout"))
	tr, _ := newTestBracketTracker(t, gw)
	ctx := context.Background()

	id, err := tr.CreateGroup(ctx, testGroupParams())
	if err != nil {
		t.Fatal(err)
	}

	if tr.ReconcileGroup(ctx, id) {
		t.Error("lookup failure should leave the group untouched")
	}
	if _, ok := tr.GroupStatus(id); !ok {
		t.Error("group dropped on lookup failure")
	}
}

func TestBracketTracker_CleanupForPosition(t *testing.T) {
	gw := broker.NewMockGateway()
	tr, _ := newTestBracketTracker(t, gw)
	ctx := context.Background()

	nq, err := tr.CreateGroup(ctx, testGroupParams())
	if err != nil {
		t.Fatal(err)
	}
	mesParams := testGroupParams()
	mesParams.Symbol = "MES"
	mesParams.ContractID = "CON.F.US.MES.H25"
	mesParams.StopLossOrderID = 301
	mesParams.TakeProfitOrderID = 302
	mes, err := tr.CreateGroup(ctx, mesParams)
	if err != nil {
		t.Fatal(err)
	}

	tr.CleanupForPosition(ctx, "sim-1", "NQ")

	if _, ok := tr.GroupStatus(nq); ok {
		t.Error("NQ group should be torn down")
	}
	if _, ok := tr.GroupStatus(mes); !ok {
		t.Error("MES group should survive")
	}
}

func TestBracketTracker_SweepByAge(t *testing.T) {
	tr, _ := newTestBracketTracker(t, broker.NewMockGateway())
	ctx := context.Background()

	id, err := tr.CreateGroup(ctx, testGroupParams())
	if err != nil {
		t.Fatal(err)
	}

	if removed := tr.SweepByAge(time.Hour); removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if removed := tr.SweepByAge(0); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := tr.GroupStatus(id); ok {
		t.Error("group survived age sweep")
	}
}

func TestBracketTracker_LoadsLegacyCanonicalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bracket_orders.json")
	legacy := `{
		"bracket_orders": [{
			"group_id": "BRACKET-1001-NQ-20250101T000000-aaaa1111",
			"account_id": 1001,
			"account_name": "sim-1",
			"contract_id": "CON.F.US.ENQ.H25",
			"symbol": "NQ",
			"orders": [{"id": 901, "type": "STOP_LOSS", "status": 1}],
			"status": "OPEN",
			"created_at": "2025-01-01T00:00:00Z",
			"entry_price": "19000",
			"enable_break_even_stop": true,
			"break_even_activation_offset": "10",
			"break_even_activated": true,
			"original_stop_price": "18950.25"
		}],
		"last_updated": "2025-01-02T00:00:00Z",
		"active_count": 1
	}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	tr, err := NewBracketTracker(broker.NewMockGateway(), nil,
		store.NewSnapshot[types.BracketGroup](path, "bracket_orders"), nil, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	group, ok := tr.GroupStatus("BRACKET-1001-NQ-20250101T000000-aaaa1111")
	if !ok {
		t.Fatal("group from legacy canonical file not loaded")
	}
	if !group.HasLeg(901) {
		t.Error("leg lost on load")
	}
	if group.OriginalStopPrice == nil ||
		!group.OriginalStopPrice.Equal(decimal.RequireFromString("18950.25")) {
		t.Errorf("original stop = %v, want 18950.25", group.OriginalStopPrice)
	}
	if !group.BreakEvenActivated {
		t.Error("break-even mirror lost on load")
	}
}

func TestBracketTracker_PersistsAcrossRestart(t *testing.T) {
	gw := broker.NewMockGateway()
	path := filepath.Join(t.TempDir(), "brackets.json")

	tr, err := NewBracketTracker(gw, nil,
		store.NewSnapshot[types.BracketGroup](path, "bracket_orders"), nil, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	id, err := tr.CreateGroup(context.Background(), testGroupParams())
	if err != nil {
		t.Fatal(err)
	}

	reborn, err := NewBracketTracker(gw, nil,
		store.NewSnapshot[types.BracketGroup](path, "bracket_orders"), nil, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	group, ok := reborn.GroupStatus(id)
	if !ok {
		t.Fatal("group lost across restart")
	}
	if len(group.Orders) != 2 {
		t.Errorf("legs = %d, want 2", len(group.Orders))
	}
	if got := reborn.Status(); got.Total != 1 || got.Open != 1 {
		t.Errorf("summary = %+v", got)
	}
}
