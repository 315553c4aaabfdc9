// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ordersentry/internal/types"
)

// Config represents the full application configuration.
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	BreakEven   BreakEvenConfig   `yaml:"break_even"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Feed        FeedConfig        `yaml:"feed"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// BrokerConfig holds broker API settings.
type BrokerConfig struct {
	BaseURL               string `yaml:"base_url"`
	Username              string `yaml:"username"`
	APIKey                string `yaml:"api_key"`
	RequestTimeoutSec     int    `yaml:"request_timeout_sec"`
	RateLimitPerSecond    int    `yaml:"rate_limit_per_second"`
	TokenRefreshMarginMin int    `yaml:"token_refresh_margin_min"`
}

// ReconcileConfig holds the reconciliation loop intervals.
type ReconcileConfig struct {
	OrderIntervalSec   int `yaml:"order_interval_sec"`
	BracketIntervalSec int `yaml:"bracket_interval_sec"`
}

// BreakEvenConfig holds break-even monitor settings.
type BreakEvenConfig struct {
	PollIntervalSec   int `yaml:"poll_interval_sec"`
	MaxModifyAttempts int `yaml:"max_modify_attempts"`
	RetryDelaySec     int `yaml:"retry_delay_sec"`
}

// SweepConfig holds retention windows for processed orders.
type SweepConfig struct {
	CancelledAfterSec int `yaml:"cancelled_after_sec"`
	FilledAfterSec    int `yaml:"filled_after_sec"`
	OtherAfterSec     int `yaml:"other_after_sec"`
	MaxAgeHours       int `yaml:"max_age_hours"`
}

// FeedConfig holds price feed settings.
type FeedConfig struct {
	WebsocketURL   string `yaml:"websocket_url"`
	MaxQuoteAgeSec int    `yaml:"max_quote_age_sec"`
}

// PersistenceConfig holds snapshot and journal paths.
type PersistenceConfig struct {
	OrdersPath   string `yaml:"orders_path"`
	BracketsPath string `yaml:"brackets_path"`
	JournalPath  string `yaml:"journal_path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type       string `yaml:"type"` // slack | console
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Environment
// variables referenced as ${VAR} are expanded before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration, filling defaults for optional
// fields and accumulating every violation into one error.
func (c *Config) Validate() error {
	var errs []string

	// Broker validation
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://backend.topstepx.com"
	}
	if c.Broker.Username == "" {
		errs = append(errs, "broker.username is required")
	}
	if c.Broker.APIKey == "" {
		errs = append(errs, "broker.api_key is required")
	}
	if c.Broker.RequestTimeoutSec <= 0 {
		c.Broker.RequestTimeoutSec = 30
	}
	if c.Broker.RateLimitPerSecond <= 0 {
		c.Broker.RateLimitPerSecond = 10
	}
	if c.Broker.TokenRefreshMarginMin <= 0 {
		c.Broker.TokenRefreshMarginMin = 5
	}

	// Interval validation. The break-even poll must outrun order
	// reconciliation, and orders are checked at least as often as
	// brackets.
	if c.Reconcile.OrderIntervalSec <= 0 {
		c.Reconcile.OrderIntervalSec = 10
	}
	if c.Reconcile.BracketIntervalSec <= 0 {
		c.Reconcile.BracketIntervalSec = 15
	}
	if c.BreakEven.PollIntervalSec <= 0 {
		c.BreakEven.PollIntervalSec = 2
	}
	if c.BreakEven.PollIntervalSec >= c.Reconcile.OrderIntervalSec {
		errs = append(errs, "break_even.poll_interval_sec must be less than reconcile.order_interval_sec")
	}
	if c.Reconcile.OrderIntervalSec > c.Reconcile.BracketIntervalSec {
		errs = append(errs, "reconcile.order_interval_sec must not exceed reconcile.bracket_interval_sec")
	}
	if c.BreakEven.MaxModifyAttempts <= 0 {
		c.BreakEven.MaxModifyAttempts = 5
	}
	if c.BreakEven.RetryDelaySec <= 0 {
		c.BreakEven.RetryDelaySec = 2
	}

	// Sweep validation
	if c.Sweep.CancelledAfterSec <= 0 {
		c.Sweep.CancelledAfterSec = 60
	}
	if c.Sweep.FilledAfterSec <= 0 {
		c.Sweep.FilledAfterSec = 120
	}
	if c.Sweep.OtherAfterSec <= 0 {
		c.Sweep.OtherAfterSec = 30
	}
	if c.Sweep.MaxAgeHours <= 0 {
		c.Sweep.MaxAgeHours = 24
	}

	// Persistence validation
	if c.Persistence.OrdersPath == "" {
		c.Persistence.OrdersPath = "data/stop_orders.json"
	}
	if c.Persistence.BracketsPath == "" {
		c.Persistence.BracketsPath = "data/bracket_groups.json"
	}
	if c.Persistence.JournalPath == "" {
		c.Persistence.JournalPath = "data/journal.db"
	}

	// Alerting validation
	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "slack":
				if ch.WebhookURL == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d].webhook_url is required for slack", i))
				}
			case "console":
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d].type '%s' is not supported", i, ch.Type))
			}
		}
	}

	// Metrics validation
	if c.Metrics.Port <= 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	// Logging validation
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level '%s' is not supported", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format '%s' is not supported", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// OrderInterval returns the protective-order reconcile interval.
func (c *Config) OrderInterval() time.Duration {
	return time.Duration(c.Reconcile.OrderIntervalSec) * time.Second
}

// BracketInterval returns the bracket reconcile interval.
func (c *Config) BracketInterval() time.Duration {
	return time.Duration(c.Reconcile.BracketIntervalSec) * time.Second
}

// BreakEvenInterval returns the break-even poll interval.
func (c *Config) BreakEvenInterval() time.Duration {
	return time.Duration(c.BreakEven.PollIntervalSec) * time.Second
}

// BreakEvenRetryDelay returns the delay between modify attempts.
func (c *Config) BreakEvenRetryDelay() time.Duration {
	return time.Duration(c.BreakEven.RetryDelaySec) * time.Second
}

// RequestTimeout returns the broker request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Broker.RequestTimeoutSec) * time.Second
}

// TokenRefreshMargin returns the token refresh lead time.
func (c *Config) TokenRefreshMargin() time.Duration {
	return time.Duration(c.Broker.TokenRefreshMarginMin) * time.Minute
}

// MaxQuoteAge returns how long a quote stays servable.
func (c *Config) MaxQuoteAge() time.Duration {
	return time.Duration(c.Feed.MaxQuoteAgeSec) * time.Second
}

// SweepCancelled returns the CANCELLED retention window.
func (c *Config) SweepCancelled() time.Duration {
	return time.Duration(c.Sweep.CancelledAfterSec) * time.Second
}

// SweepFilled returns the FILLED retention window.
func (c *Config) SweepFilled() time.Duration {
	return time.Duration(c.Sweep.FilledAfterSec) * time.Second
}

// SweepOther returns the retention window for other processed orders.
func (c *Config) SweepOther() time.Duration {
	return time.Duration(c.Sweep.OtherAfterSec) * time.Second
}

// SweepMaxAge returns the age-only sweep cutoff.
func (c *Config) SweepMaxAge() time.Duration {
	return time.Duration(c.Sweep.MaxAgeHours) * time.Hour
}
