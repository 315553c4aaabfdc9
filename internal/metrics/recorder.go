package metrics

import (
	"time"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordOrdersTracked records the tracked order count for a status.
func (r *Recorder) RecordOrdersTracked(status string, count int) {
	OrdersTracked.WithLabelValues(status).Set(float64(count))
}

// RecordGroupsTracked records the tracked bracket group count.
func (r *Recorder) RecordGroupsTracked(count int) {
	GroupsTracked.Set(float64(count))
}

// RecordOrphan records an orphaned order detection.
func (r *Recorder) RecordOrphan(symbol string) {
	OrphansDetected.WithLabelValues(symbol).Inc()
}

// RecordCancel records a cancel attempt outcome: "cancelled",
// "already_gone" or "failed".
func (r *Recorder) RecordCancel(outcome string) {
	CancelsTotal.WithLabelValues(outcome).Inc()
}

// RecordReconcileCycle records one completed reconciliation cycle.
func (r *Recorder) RecordReconcileCycle(registry string, duration time.Duration) {
	ReconcileCycles.WithLabelValues(registry).Inc()
	ReconcileLatency.WithLabelValues(registry).Observe(duration.Seconds())
}

// RecordBreakEvenMonitored records the monitored order count.
func (r *Recorder) RecordBreakEvenMonitored(count int) {
	BreakEvenMonitored.Set(float64(count))
}

// RecordBreakEvenOutcome records a break-even activation attempt:
// "activated", "terminal" or "exhausted".
func (r *Recorder) RecordBreakEvenOutcome(outcome string) {
	BreakEvenTriggered.WithLabelValues(outcome).Inc()
}

// RecordBlacklistSize records the break-even blacklist size.
func (r *Recorder) RecordBlacklistSize(count int) {
	BlacklistSize.Set(float64(count))
}

// RecordStreamsActive records the active price stream count.
func (r *Recorder) RecordStreamsActive(count int) {
	StreamsActive.Set(float64(count))
}

// RecordQuote records a received quote.
func (r *Recorder) RecordQuote(symbol string) {
	QuotesReceived.WithLabelValues(symbol).Inc()
}

// RecordBrokerRequest records a broker API call.
func (r *Recorder) RecordBrokerRequest(endpoint string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BrokerRequests.WithLabelValues(endpoint, outcome).Inc()
	BrokerLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordHeartbeat records a loop heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveReconcile observes the elapsed time as a reconcile cycle.
func (t *Timer) ObserveReconcile(registry string) {
	ReconcileCycles.WithLabelValues(registry).Inc()
	ReconcileLatency.WithLabelValues(registry).Observe(t.Elapsed().Seconds())
}

// ObserveBroker observes the elapsed time as broker latency.
func (t *Timer) ObserveBroker(endpoint string) {
	BrokerLatency.WithLabelValues(endpoint).Observe(t.Elapsed().Seconds())
}
