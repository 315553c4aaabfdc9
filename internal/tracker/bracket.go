package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ordersentry/internal/alerting"
	"ordersentry/internal/broker"
	"ordersentry/internal/journal"
	"ordersentry/internal/metrics"
	"ordersentry/internal/store"
	"ordersentry/internal/types"
)

// GroupParams are the inputs to CreateGroup. Leg order ids of zero are
// treated as absent.
type GroupParams struct {
	AccountID   int64
	AccountName string
	ContractID  string
	Symbol      string

	StopLossOrderID   int64
	TakeProfitOrderID int64
	TrailStopOrderID  int64

	PositionSize int

	EntryPrice       *decimal.Decimal
	EnableBreakEven  bool
	ActivationOffset *decimal.Decimal
}

// BracketTracker is the registry of bracket order groups. A group ties
// the protective legs of one entry together so they are torn down as a
// unit once the position is gone.
type BracketTracker struct {
	gateway  broker.Gateway
	resolver PositionResolver
	store    *store.Snapshot[types.BracketGroup]
	alerter  alerting.Alerter
	auditor  Auditor
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu     sync.RWMutex
	groups map[string]*types.BracketGroup
}

// NewBracketTracker creates the registry and loads its snapshot.
func NewBracketTracker(
	gateway broker.Gateway,
	resolver PositionResolver,
	snap *store.Snapshot[types.BracketGroup],
	alerter alerting.Alerter,
	auditor Auditor,
	logger *slog.Logger,
) (*BracketTracker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	t := &BracketTracker{
		gateway:  gateway,
		resolver: resolver,
		store:    snap,
		alerter:  alerter,
		auditor:  auditor,
		recorder: metrics.NewRecorder(),
		logger:   logger.With("component", "bracket_tracker"),
		groups:   make(map[string]*types.BracketGroup),
	}

	loaded, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("load bracket groups: %w", err)
	}
	for i := range loaded {
		group := loaded[i]
		t.groups[group.GroupID] = &group
	}
	if len(loaded) > 0 {
		t.logger.Info("loaded tracked bracket groups", "count", len(loaded))
	}

	return t, nil
}

// newGroupID builds a unique group id. The uuid fragment keeps ids
// unique for bursts of groups created within the same second.
func newGroupID(accountID int64, symbol string) string {
	return fmt.Sprintf("BRACKET-%d-%s-%s-%s",
		accountID,
		symbol,
		time.Now().Format("20060102T150405"),
		uuid.NewString()[:8],
	)
}

// CreateGroup starts tracking a new bracket group built from the
// supplied leg ids. If a leg id is already referenced by an earlier
// OPEN group, the stale reference is removed so no order can be
// cancelled twice through two groups.
func (t *BracketTracker) CreateGroup(ctx context.Context, params GroupParams) (string, error) {
	var legs []types.BracketLeg
	if params.StopLossOrderID != 0 {
		legs = append(legs, types.BracketLeg{ID: params.StopLossOrderID, Type: types.LegStopLoss, Status: types.LegOpen})
	}
	if params.TakeProfitOrderID != 0 {
		legs = append(legs, types.BracketLeg{ID: params.TakeProfitOrderID, Type: types.LegTakeProfit, Status: types.LegOpen})
	}
	if params.TrailStopOrderID != 0 {
		legs = append(legs, types.BracketLeg{ID: params.TrailStopOrderID, Type: types.LegTrailingStop, Status: types.LegOpen})
	}
	if len(legs) == 0 {
		return "", fmt.Errorf("%w: bracket group needs at least one leg", types.ErrInvalidConfig)
	}

	var positionID *int64
	if t.resolver != nil {
		id, err := t.resolver.PositionIDFor(ctx, params.AccountName, params.ContractID)
		if err != nil {
			t.logger.Warn("position id lookup failed", "symbol", params.Symbol, "err", err)
		} else {
			positionID = id
		}
	}

	group := types.BracketGroup{
		GroupID:      newGroupID(params.AccountID, params.Symbol),
		AccountID:    params.AccountID,
		AccountName:  params.AccountName,
		ContractID:   params.ContractID,
		Symbol:       params.Symbol,
		Orders:       legs,
		PositionID:   positionID,
		PositionSize: params.PositionSize,
		Status:       types.GroupOpen,
		CreatedAt:    time.Now(),

		EntryPrice:       params.EntryPrice,
		EnableBreakEven:  params.EnableBreakEven,
		ActivationOffset: params.ActivationOffset,
	}

	t.mu.Lock()
	// Steal legs from earlier OPEN groups so every order id has exactly
	// one owner.
	for _, leg := range legs {
		for _, prev := range t.groups {
			if prev.Status != types.GroupOpen {
				continue
			}
			if prev.RemoveLeg(leg.ID) {
				t.logger.Warn("leg moved to new bracket group",
					"order_id", leg.ID,
					"from_group", prev.GroupID,
					"to_group", group.GroupID,
				)
			}
		}
	}
	t.groups[group.GroupID] = &group
	t.persistLocked()
	t.mu.Unlock()

	t.logger.Info("tracking bracket group",
		"group_id", group.GroupID,
		"symbol", group.Symbol,
		"account", group.AccountName,
		"legs", len(legs),
	)
	t.audit(ctx, journal.Event{
		EventType:   journal.EventGroupCreated,
		GroupID:     group.GroupID,
		AccountName: group.AccountName,
		Symbol:      group.Symbol,
		Detail:      fmt.Sprintf("legs=%d", len(legs)),
	})

	return group.GroupID, nil
}

// ReconcileGroup checks one group against broker state. If the backing
// position is gone every leg is cancelled and the whole group removed.
// Returns true iff the group was torn down this call.
func (t *BracketTracker) ReconcileGroup(ctx context.Context, groupID string) bool {
	t.mu.RLock()
	entry, ok := t.groups[groupID]
	if !ok || entry.Status != types.GroupOpen {
		t.mu.RUnlock()
		return false
	}
	group := *entry
	group.Orders = append([]types.BracketLeg(nil), entry.Orders...)
	t.mu.RUnlock()

	positions, err := t.gateway.SearchOpenPositions(ctx, group.AccountID)
	if err != nil {
		t.logger.Error("position lookup failed", "group_id", groupID, "err", err)
		t.recorder.RecordError("position_lookup")
		return false
	}
	for _, p := range positions {
		if p.ContractID == group.ContractID {
			return false
		}
	}

	t.logger.Info("position closed, cleaning up bracket group",
		"group_id", groupID,
		"symbol", group.Symbol,
		"legs", len(group.Orders),
	)

	open, err := t.gateway.SearchOpenOrders(ctx, group.AccountID)
	if err != nil {
		t.logger.Error("open order lookup failed", "group_id", groupID, "err", err)
		t.recorder.RecordError("order_lookup")
		return false
	}
	stillOpen := make(map[int64]bool, len(open))
	for _, o := range open {
		stillOpen[o.ID] = true
	}

	// One leg failing never blocks the others; the group is removed
	// afterward regardless.
	for _, leg := range group.Orders {
		if !stillOpen[leg.ID] {
			t.logger.Info("leg already gone at broker",
				"group_id", groupID,
				"order_id", leg.ID,
				"leg_type", string(leg.Type),
			)
			t.recorder.RecordCancel("already_gone")
			continue
		}

		err := t.gateway.CancelOrder(ctx, group.AccountID, leg.ID)
		switch {
		case err == nil:
			t.recorder.RecordCancel("cancelled")
			t.audit(ctx, journal.Event{
				EventType:   journal.EventOrphanCancelled,
				OrderID:     leg.ID,
				GroupID:     groupID,
				AccountName: group.AccountName,
				Symbol:      group.Symbol,
			})
			alerting.Go(t.alerter, t.logger, alerting.EventOrderCancelled,
				fmt.Sprintf("Cancelled %s order %d for %s", leg.Type, leg.ID, group.Symbol),
				"account", group.AccountName,
				"group_id", groupID,
			)
			t.logger.Info("cancelled bracket leg",
				"group_id", groupID,
				"order_id", leg.ID,
				"leg_type", string(leg.Type),
			)

		case broker.IsTerminalOrderError(err):
			t.recorder.RecordCancel("already_gone")
			t.logger.Info("leg already cancelled at broker",
				"group_id", groupID,
				"order_id", leg.ID,
				"err", err,
			)

		default:
			t.recorder.RecordCancel("failed")
			t.audit(ctx, journal.Event{
				EventType:   journal.EventCancelFailed,
				OrderID:     leg.ID,
				GroupID:     groupID,
				AccountName: group.AccountName,
				Symbol:      group.Symbol,
				Detail:      err.Error(),
			})
			alerting.Go(t.alerter, t.logger, alerting.EventCancelFailed,
				fmt.Sprintf("Failed to cancel %s order %d for %s", leg.Type, leg.ID, group.Symbol),
				"account", group.AccountName,
				"err", err.Error(),
			)
			t.logger.Error("cancel bracket leg failed",
				"group_id", groupID,
				"order_id", leg.ID,
				"err", err,
			)
		}
	}

	t.mu.Lock()
	delete(t.groups, groupID)
	t.persistLocked()
	t.mu.Unlock()

	t.audit(ctx, journal.Event{
		EventType:   journal.EventGroupCleaned,
		GroupID:     groupID,
		AccountName: group.AccountName,
		Symbol:      group.Symbol,
	})
	alerting.Go(t.alerter, t.logger, alerting.EventBracketCleaned,
		fmt.Sprintf("Bracket group for %s torn down", group.Symbol),
		"group_id", groupID,
		"account", group.AccountName,
	)
	t.logger.Info("removed bracket group", "group_id", groupID)
	return true
}

// ReconcileAll reconciles every OPEN group. Returns the number cleaned.
func (t *BracketTracker) ReconcileAll(ctx context.Context) int {
	t.mu.RLock()
	open := make([]string, 0, len(t.groups))
	for id, group := range t.groups {
		if group.Status == types.GroupOpen {
			open = append(open, id)
		}
	}
	t.mu.RUnlock()

	if len(open) > 0 {
		t.logger.Debug("checking open bracket groups", "count", len(open))
	}

	cleaned := 0
	for _, id := range open {
		if t.ReconcileGroup(ctx, id) {
			cleaned++
		}
	}
	if cleaned > 0 {
		t.logger.Info("cleaned up bracket groups", "count", cleaned)
	}

	t.recorder.RecordGroupsTracked(t.Status().Total)
	return cleaned
}

// CleanupForPosition reconciles every OPEN group for the account and
// symbol immediately.
func (t *BracketTracker) CleanupForPosition(ctx context.Context, accountName, symbol string) {
	t.mu.RLock()
	var matching []string
	for id, group := range t.groups {
		if group.Status == types.GroupOpen &&
			group.AccountName == accountName &&
			group.Symbol == symbol {
			matching = append(matching, id)
		}
	}
	t.mu.RUnlock()

	if len(matching) == 0 {
		return
	}
	t.logger.Info("position closed, cleaning up bracket groups",
		"account", accountName,
		"symbol", symbol,
		"count", len(matching),
	)
	for _, id := range matching {
		t.ReconcileGroup(ctx, id)
	}
}

// SweepByAge removes groups older than maxAge regardless of status.
func (t *BracketTracker) SweepByAge(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed int
	for id, group := range t.groups {
		if group.CreatedAt.Before(cutoff) {
			delete(t.groups, id)
			removed++
		}
	}
	if removed > 0 {
		t.persistLocked()
		t.logger.Info("removed old bracket groups", "count", removed)
	}
	return removed
}

// GroupStatus returns a copy of one tracked group.
func (t *BracketTracker) GroupStatus(groupID string) (types.BracketGroup, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	group, ok := t.groups[groupID]
	if !ok {
		return types.BracketGroup{}, false
	}
	copied := *group
	copied.Orders = append([]types.BracketLeg(nil), group.Orders...)
	return copied, true
}

// GroupForOrder returns the OPEN group referencing an order id, if any.
func (t *BracketTracker) GroupForOrder(orderID int64) (types.BracketGroup, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, group := range t.groups {
		if group.Status == types.GroupOpen && group.HasLeg(orderID) {
			copied := *group
			copied.Orders = append([]types.BracketLeg(nil), group.Orders...)
			return copied, true
		}
	}
	return types.BracketGroup{}, false
}

// Status returns registry summary counts.
func (t *BracketTracker) Status() GroupSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := GroupSummary{Total: len(t.groups)}
	for _, group := range t.groups {
		if group.Status == types.GroupOpen {
			s.Open++
		}
	}
	return s
}

// persistLocked writes the snapshot. Callers hold t.mu.
func (t *BracketTracker) persistLocked() {
	list := make([]types.BracketGroup, 0, len(t.groups))
	open := 0
	for _, group := range t.groups {
		list = append(list, *group)
		if group.Status == types.GroupOpen {
			open++
		}
	}
	if err := t.store.Save(list, open); err != nil {
		t.logger.Error("persist bracket groups failed", "err", err)
		t.recorder.RecordError("persist")
	}
}

func (t *BracketTracker) audit(ctx context.Context, e journal.Event) {
	if t.auditor == nil {
		return
	}
	if err := t.auditor.Record(ctx, e); err != nil {
		t.logger.Warn("audit record failed", "event", e.EventType, "err", err)
	}
}
