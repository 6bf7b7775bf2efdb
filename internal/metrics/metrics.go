package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	Mutations             *prometheus.CounterVec
	MutationDuration      *prometheus.HistogramVec
	WithdrawalTransitions *prometheus.CounterVec
	OrdersTotal           *prometheus.CounterVec
	AuditFailures         *prometheus.CounterVec
	ConflictRetries       prometheus.Counter
	ReconcileChecks       *prometheus.CounterVec
	IdempotentRequests    *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_balance_mutations_total",
				Help: "Total balance mutations by operation, entry type and outcome.",
			},
			[]string{"op", "entry_type", "outcome"},
		),
		MutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backoffice_balance_mutation_duration_seconds",
				Help:    "Balance mutation duration in seconds, measured inside the transaction.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		WithdrawalTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_withdrawal_transitions_total",
				Help: "Total withdrawal lifecycle calls by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_orders_total",
				Help: "Total order collateral operations by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		AuditFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_audit_failures_total",
				Help: "Total audit events that could not be recorded.",
			},
			[]string{"sink"},
		),
		ConflictRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "backoffice_conflict_retries_total",
				Help: "Total retries after a concurrent modification.",
			},
		),
		ReconcileChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_ledger_reconcile_checks_total",
				Help: "Total wallets replayed against their ledger, by result.",
			},
			[]string{"result"},
		),
		IdempotentRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backoffice_idempotent_requests_total",
				Help: "Keyed mutating requests that did not run the handler, by outcome.",
			},
			[]string{"outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	registry.MustRegister(
		m.Mutations,
		m.MutationDuration,
		m.WithdrawalTransitions,
		m.OrdersTotal,
		m.AuditFailures,
		m.ConflictRetries,
		m.ReconcileChecks,
		m.IdempotentRequests,
		m.RequestDuration,
	)
	return m
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveMutation(op, entryType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(op, entryType, outcome).Inc()
	m.MutationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) IncWithdrawalTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.WithdrawalTransitions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) IncOrder(action, outcome string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) IncAuditFailure(sink string) {
	if m == nil {
		return
	}
	m.AuditFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetries.Inc()
}

func (m *Metrics) IncReconcileCheck(result string) {
	if m == nil {
		return
	}
	m.ReconcileChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// Outcome collapses err into a low-cardinality label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) IncIdempotent(outcome string) {
	if m == nil {
		return
	}
	m.IdempotentRequests.WithLabelValues(outcome).Inc()
}
