// Package alerting provides notification capabilities for the order sentry.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	result := ""
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %v", key, value)
	}
	return result
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventOrderOrphaned is sent when an order is found without a position.
	EventOrderOrphaned AlertEvent = "order_orphaned"
	// EventOrderCancelled is sent when an orphaned order is cancelled.
	EventOrderCancelled AlertEvent = "order_cancelled"
	// EventCancelFailed is sent when cancelling an orphan fails permanently.
	EventCancelFailed AlertEvent = "cancel_failed"
	// EventBracketCleaned is sent when a bracket group is torn down.
	EventBracketCleaned AlertEvent = "bracket_cleaned"
	// EventBreakEvenTriggered is sent when a stop is moved to break even.
	EventBreakEvenTriggered AlertEvent = "break_even_triggered"
	// EventBreakEvenFailed is sent when a break-even modification fails.
	EventBreakEvenFailed AlertEvent = "break_even_failed"
	// EventOrderBlacklisted is sent when an order is blacklisted from
	// further break-even attempts.
	EventOrderBlacklisted AlertEvent = "order_blacklisted"
	// EventStreamLost is sent when a price stream drops.
	EventStreamLost AlertEvent = "stream_lost"
	// EventSentryStarted is sent when the sentry starts.
	EventSentryStarted AlertEvent = "sentry_started"
	// EventSentryStopped is sent when the sentry stops.
	EventSentryStopped AlertEvent = "sentry_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventCancelFailed, EventOrderBlacklisted:
		return SeverityCritical
	case EventBreakEvenFailed:
		return SeverityHigh
	case EventOrderOrphaned, EventStreamLost:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// goTimeout bounds fire-and-forget deliveries so a slow webhook cannot
// leak goroutines forever.
const goTimeout = 15 * time.Second

// Go dispatches an alert in the background. Delivery failures are
// logged and swallowed; callers never block on notification transport.
func Go(alerter Alerter, logger *slog.Logger, event AlertEvent, message string, fields ...any) {
	if alerter == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	severity := EventSeverity(event)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), goTimeout)
		defer cancel()
		if err := alerter.Alert(ctx, severity, message, fields...); err != nil {
			logger.Warn("alert delivery failed",
				"event", string(event),
				"severity", severity.String(),
				"err", err,
			)
		}
	}()
}
