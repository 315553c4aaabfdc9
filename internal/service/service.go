// Package service wires the trackers, loops, feed and broker gateway
// into one runnable sentry.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ordersentry/internal/alerting"
	"ordersentry/internal/breakeven"
	"ordersentry/internal/broker"
	"ordersentry/internal/broker/projectx"
	"ordersentry/internal/config"
	"ordersentry/internal/contracts"
	"ordersentry/internal/feed"
	"ordersentry/internal/journal"
	"ordersentry/internal/metrics"
	"ordersentry/internal/reconcile"
	"ordersentry/internal/store"
	"ordersentry/internal/tracker"
	"ordersentry/internal/types"
)

// Status is the service-wide introspection snapshot.
type Status struct {
	Orders        tracker.Summary      `json:"orders"`
	Groups        tracker.GroupSummary `json:"groups"`
	BreakEven     breakeven.Status     `json:"break_even"`
	ActiveStreams int                  `json:"active_streams"`
}

// Service owns every long-running component of the order sentry.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	gateway  broker.Gateway
	client   *projectx.Client
	resolver *accountResolver
	journal  *journal.Journal
	feed     *feed.Manager
	streamer *feed.WSStreamer
	stops    *tracker.StopTracker
	brackets *tracker.BracketTracker
	monitor  *breakeven.Monitor
	loop     *reconcile.Loop
	metrics  *metrics.Server
	alerter  alerting.Alerter
}

// New builds the service from configuration. Nothing starts running
// until Start is called.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := projectx.NewClient(projectx.Config{
		BaseURL:              cfg.Broker.BaseURL,
		Username:             cfg.Broker.Username,
		APIKey:               cfg.Broker.APIKey,
		RequestTimeout:       cfg.RequestTimeout(),
		MaxRequestsPerSecond: cfg.Broker.RateLimitPerSecond,
		TokenRefreshMargin:   cfg.TokenRefreshMargin(),
	}, logger)

	alerter := buildAlerter(cfg, logger)

	jrnl, err := journal.Open(cfg.Persistence.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	resolver := newAccountResolver(client)

	stops, err := tracker.NewStopTracker(
		client,
		resolver,
		store.NewSnapshot[types.ProtectiveOrder](cfg.Persistence.OrdersPath, "stop_loss_orders"),
		tracker.SweepConfig{
			Cancelled: cfg.SweepCancelled(),
			Filled:    cfg.SweepFilled(),
			Other:     cfg.SweepOther(),
		},
		alerter,
		jrnl,
		logger,
	)
	if err != nil {
		jrnl.Close()
		return nil, fmt.Errorf("build stop tracker: %w", err)
	}

	brackets, err := tracker.NewBracketTracker(
		client,
		resolver,
		store.NewSnapshot[types.BracketGroup](cfg.Persistence.BracketsPath, "bracket_orders"),
		alerter,
		jrnl,
		logger,
	)
	if err != nil {
		jrnl.Close()
		return nil, fmt.Errorf("build bracket tracker: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger.With("component", "service"),
		gateway:  client,
		client:   client,
		resolver: resolver,
		journal:  jrnl,
		stops:    stops,
		brackets: brackets,
		alerter:  alerter,
	}

	// The streamer's sink and the manager reference each other, so the
	// sink closes over the manager variable assigned just below.
	var feedManager *feed.Manager
	var streamer feed.Streamer = noopStreamer{}
	if cfg.Feed.WebsocketURL != "" {
		s.streamer = feed.NewWSStreamer(feed.WSStreamerConfig{
			URL: cfg.Feed.WebsocketURL,
		}, func(q feed.Quote) { feedManager.HandleQuote(q) }, logger)
		streamer = s.streamer
	}
	feedManager = feed.NewManager(streamer, cfg.MaxQuoteAge(), logger)
	s.feed = feedManager

	s.monitor = breakeven.NewMonitor(
		stops,
		client,
		contracts.NewResolver(client, logger),
		feedManager,
		alerter,
		breakeven.Config{
			PollInterval:      cfg.BreakEvenInterval(),
			MaxModifyAttempts: cfg.BreakEven.MaxModifyAttempts,
			RetryDelay:        cfg.BreakEvenRetryDelay(),
		},
		logger,
	)
	stops.SetBreakEvenHook(s.monitor)

	s.loop = reconcile.NewLoop(stops, brackets, reconcile.Config{
		OrderInterval:   cfg.OrderInterval(),
		BracketInterval: cfg.BracketInterval(),
	}, logger)

	if cfg.Metrics.Enabled {
		s.metrics = metrics.NewServer(metrics.ServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  "/health",
		}, logger)
		s.metrics.RegisterHealthCheck("broker", s.brokerHealth)
	}

	return s, nil
}

// Start authenticates against the broker and launches the loops.
func (s *Service) Start(ctx context.Context) error {
	if err := s.client.Authenticate(ctx); err != nil {
		return fmt.Errorf("broker authentication: %w", err)
	}
	s.logger.Info("broker session established", "base_url", s.cfg.Broker.BaseURL)

	if s.metrics != nil {
		if err := s.metrics.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	s.monitor.Start(ctx)
	s.loop.Start(ctx)

	alerting.Go(s.alerter, s.logger, alerting.EventSentryStarted,
		"Order sentry started",
		"orders_tracked", s.stops.Status().Total,
		"groups_tracked", s.brackets.Status().Total,
	)
	return nil
}

// Stop shuts everything down in dependency order.
func (s *Service) Stop(ctx context.Context) {
	s.loop.Stop()
	s.monitor.Stop()
	s.feed.Close()

	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics shutdown failed", "err", err)
		}
	}
	if err := s.journal.Close(); err != nil {
		s.logger.Warn("journal close failed", "err", err)
	}

	alerting.Go(s.alerter, s.logger, alerting.EventSentryStopped, "Order sentry stopped")
	s.logger.Info("service stopped")
}

// TrackOrder registers a protective order with the sentry.
func (s *Service) TrackOrder(ctx context.Context, order types.ProtectiveOrder) error {
	s.resolver.record(order.AccountName, order.AccountID)
	if _, err := s.stops.Add(ctx, order); err != nil {
		return err
	}
	return nil
}

// TrackBracket registers a bracket group and returns its id.
func (s *Service) TrackBracket(ctx context.Context, params tracker.GroupParams) (string, error) {
	s.resolver.record(params.AccountName, params.AccountID)
	return s.brackets.CreateGroup(ctx, params)
}

// PositionClosed is the fast path for a known position close.
func (s *Service) PositionClosed(ctx context.Context, accountName, symbol string) {
	s.stops.CleanupForPosition(ctx, accountName, symbol)
	s.brackets.CleanupForPosition(ctx, accountName, symbol)
}

// TriggerReconcile runs one reconciliation pass over both registries
// outside the normal tick schedule. Returns the number of entries
// handled.
func (s *Service) TriggerReconcile(ctx context.Context) int {
	handled := s.stops.ReconcileAll(ctx)
	handled += s.brackets.ReconcileAll(ctx)
	return handled
}

// Status returns the aggregated service snapshot.
func (s *Service) Status() Status {
	return Status{
		Orders:        s.stops.Status(),
		Groups:        s.brackets.Status(),
		BreakEven:     s.monitor.Status(),
		ActiveStreams: s.feed.ActiveStreams(),
	}
}

// ClearBlacklist empties the break-even blacklist. Admin operation.
func (s *Service) ClearBlacklist() int {
	return s.monitor.ClearBlacklist()
}

// journalRetention bounds the audit trail. Registry sweeps run on much
// shorter windows; journal entries outlive the orders they describe.
const journalRetention = 30 * 24 * time.Hour

// SweepOld removes stale entries from both registries and prunes the
// audit journal past its retention.
func (s *Service) SweepOld(ctx context.Context) int {
	maxAge := s.cfg.SweepMaxAge()
	removed := s.stops.SweepOld(maxAge) + s.brackets.SweepByAge(maxAge)

	pruned, err := s.journal.Prune(ctx, time.Now().Add(-journalRetention))
	if err != nil {
		s.logger.Warn("journal prune failed", "err", err)
	} else if pruned > 0 {
		s.logger.Info("journal pruned", "events_removed", pruned)
	}
	return removed
}

// Orders exposes the stop tracker for callers that need order-level
// operations.
func (s *Service) Orders() *tracker.StopTracker { return s.stops }

// Brackets exposes the bracket tracker.
func (s *Service) Brackets() *tracker.BracketTracker { return s.brackets }

func (s *Service) brokerHealth() metrics.Check {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Authenticate(ctx); err != nil {
		return metrics.Check{Status: "unhealthy", Message: err.Error()}
	}
	return metrics.Check{Status: "healthy"}
}

// buildAlerter assembles the configured alert channels.
func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return nil
	}

	var alerters []alerting.Alerter
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "slack":
			alerters = append(alerters, alerting.NewSlackAlerter(alerting.SlackConfig{
				WebhookURL: ch.WebhookURL,
				Channel:    ch.Channel,
			}))
		case "console":
			alerters = append(alerters, alerting.NewConsoleAlerter(logger))
		}
	}
	switch len(alerters) {
	case 0:
		return nil
	case 1:
		return alerters[0]
	default:
		return alerting.NewMultiAlerter(logger, alerters...)
	}
}

// noopStreamer rejects stream starts when no feed URL is configured.
// Break-even enrollment fails loudly instead of silently never seeing
// a quote.
type noopStreamer struct{}

func (noopStreamer) Start(context.Context, string, string) error {
	return fmt.Errorf("%w: no feed endpoint configured", types.ErrStreamNotActive)
}

func (noopStreamer) Stop(string) error { return nil }

// accountResolver maps account names to broker account ids and resolves
// the open position backing a contract. Names are learned from track
// requests, which always carry both identifiers.
type accountResolver struct {
	gateway broker.Gateway

	mu       sync.RWMutex
	accounts map[string]int64
}

func newAccountResolver(gateway broker.Gateway) *accountResolver {
	return &accountResolver{
		gateway:  gateway,
		accounts: make(map[string]int64),
	}
}

func (r *accountResolver) record(accountName string, accountID int64) {
	if accountName == "" || accountID == 0 {
		return
	}
	r.mu.Lock()
	r.accounts[accountName] = accountID
	r.mu.Unlock()
}

// PositionIDFor implements tracker.PositionResolver.
func (r *accountResolver) PositionIDFor(ctx context.Context, accountName, contractID string) (*int64, error) {
	r.mu.RLock()
	accountID, ok := r.accounts[accountName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown account %q", accountName)
	}

	positions, err := r.gateway.SearchOpenPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.ContractID == contractID {
			id := p.ID
			return &id, nil
		}
	}
	return nil, nil
}
