package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec
	solanaRPCRetries       *prometheus.CounterVec

	// Purchase Pipeline Metrics
	purchasesTotal         *prometheus.CounterVec
	purchaseStageDuration  *prometheus.HistogramVec
	purchaseTokensQuoted   prometheus.Histogram
	broadcastRetriesTotal  prometheus.Counter
	recordingFailuresTotal prometheus.Counter
	confirmationPollsTotal *prometheus.CounterVec

	// Ledger-of-record Metrics
	ledgerAPIRequestsTotal   *prometheus.CounterVec
	ledgerAPIRequestDuration *prometheus.HistogramVec

	// Reconciliation Metrics
	reconciliationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used. Recorders on a
// nil *Metrics are no-ops.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		// Purchase Pipeline Metrics
		purchasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchases_total",
				Help: "Total number of purchase attempts by terminal status and failure reason",
			},
			[]string{"status", "reason"},
		),
		purchaseStageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "purchase_stage_duration_seconds",
				Help:    "Time spent in each purchase pipeline stage in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"stage"},
		),
		purchaseTokensQuoted: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "purchase_tokens_quoted",
				Help:    "Token amounts quoted for purchase attempts",
				Buckets: []float64{10, 100, 1000, 10000, 100000, 1000000},
			},
		),
		broadcastRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "purchase_broadcast_retries_total",
				Help: "Total number of transient broadcast failures that were retried",
			},
		),
		recordingFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "purchase_recording_failures_total",
				Help: "Total number of confirmed purchases the ledger-of-record failed to record",
			},
		),
		confirmationPollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchase_confirmation_polls_total",
				Help: "Total number of signature status polls by observed status",
			},
			[]string{"status"},
		),

		// Ledger-of-record Metrics
		ledgerAPIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_api_requests_total",
				Help: "Total number of requests to the off-chain ledger-of-record",
			},
			[]string{"endpoint", "status"},
		),
		ledgerAPIRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_api_request_duration_seconds",
				Help:    "Duration of ledger-of-record requests in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"endpoint"},
		),

		// Reconciliation Metrics
		reconciliationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchase_reconciliations_total",
				Help: "Total number of out-of-band purchase reconciliations by outcome",
			},
			[]string{"outcome"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"payer"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"payer", "event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	if m == nil {
		return
	}
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	if m == nil {
		return
	}
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// Purchase pipeline metric helpers

// RecordPurchase records a purchase attempt reaching a terminal status.
// reason is empty for successful purchases.
func (m *Metrics) RecordPurchase(status, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.purchasesTotal.WithLabelValues(status, reason).Inc()
}

// RecordStageDuration records how long the pipeline spent in a stage.
func (m *Metrics) RecordStageDuration(stage string, duration float64) {
	if m == nil {
		return
	}
	m.purchaseStageDuration.WithLabelValues(stage).Observe(duration)
}

// RecordTokensQuoted records the token amount of an accepted quote.
func (m *Metrics) RecordTokensQuoted(tokens float64) {
	if m == nil {
		return
	}
	m.purchaseTokensQuoted.Observe(tokens)
}

// RecordBroadcastRetry records a retried transient broadcast failure.
func (m *Metrics) RecordBroadcastRetry() {
	if m == nil {
		return
	}
	m.broadcastRetriesTotal.Inc()
}

// RecordRecordingFailure records a ledger-of-record write failure after on-chain success.
func (m *Metrics) RecordRecordingFailure() {
	if m == nil {
		return
	}
	m.recordingFailuresTotal.Inc()
}

// RecordConfirmationPoll records a signature status poll.
func (m *Metrics) RecordConfirmationPoll(status string) {
	if m == nil {
		return
	}
	m.confirmationPollsTotal.WithLabelValues(status).Inc()
}

// Ledger-of-record metric helpers

// RecordLedgerAPIRequest records a request to the off-chain ledger-of-record.
func (m *Metrics) RecordLedgerAPIRequest(endpoint string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	m.ledgerAPIRequestsTotal.WithLabelValues(endpoint, statusCodeToString(statusCode)).Inc()
	m.ledgerAPIRequestDuration.WithLabelValues(endpoint).Observe(duration)
}

// RecordReconciliation records the outcome of an out-of-band reconciliation step.
func (m *Metrics) RecordReconciliation(outcome string) {
	if m == nil {
		return
	}
	m.reconciliationsTotal.WithLabelValues(outcome).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(payer string, delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.WithLabelValues(payer).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(payer, eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(payer, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code == 0:
		return "transport_error"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
