// Package metrics exposes Prometheus instrumentation for transactions and
// operation dispatches. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conduit"

// Transaction outcomes used as the status label.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusHung      = "hung"
)

// Metrics holds the collectors of one interpreter
type Metrics struct {
	transactions        *prometheus.CounterVec   // By schematic and status
	transactionDuration *prometheus.HistogramVec // By schematic
	activeTransactions  prometheus.Gauge
	dispatches          *prometheus.CounterVec // By namespace and operation
	operationErrors     *prometheus.CounterVec // By namespace and operation
	packetsRouted       prometheus.Counter
	validationIssues    *prometheus.CounterVec // By kind and severity
}

// New creates the collectors and registers them with reg. A nil registerer
// leaves them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "total",
			Help:      "Transactions finished, by schematic and final status",
		}, []string{"schematic", "status"}),

		transactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "duration_seconds",
			Help:      "Transaction wall time in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"schematic"}),

		activeTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "active",
			Help:      "Transactions currently running",
		}),

		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "dispatches_total",
			Help:      "Operation dispatches, by namespace and operation",
		}, []string{"namespace", "operation"}),

		operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "errors_total",
			Help:      "Operations that failed or panicked",
		}, []string{"namespace", "operation"}),

		packetsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "packets_routed_total",
			Help:      "Packets delivered along connections",
		}),

		validationIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "issues_total",
			Help:      "Validation issues, by kind and severity",
		}, []string{"kind", "severity"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.transactions,
		m.transactionDuration,
		m.activeTransactions,
		m.dispatches,
		m.operationErrors,
		m.packetsRouted,
		m.validationIssues,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// TransactionStarted marks a transaction as running
func (m *Metrics) TransactionStarted() {
	if m == nil {
		return
	}
	m.activeTransactions.Inc()
}

// TransactionFinished records the final status and wall time of a transaction
func (m *Metrics) TransactionFinished(schematic, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeTransactions.Dec()
	m.transactions.WithLabelValues(schematic, status).Inc()
	m.transactionDuration.WithLabelValues(schematic).Observe(d.Seconds())
}

// Dispatched records an operation dispatch
func (m *Metrics) Dispatched(namespace, operation string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(namespace, operation).Inc()
}

// OperationFailed records an operation error or panic
func (m *Metrics) OperationFailed(namespace, operation string) {
	if m == nil {
		return
	}
	m.operationErrors.WithLabelValues(namespace, operation).Inc()
}

// PacketRouted counts one packet delivered along a connection
func (m *Metrics) PacketRouted() {
	if m == nil {
		return
	}
	m.packetsRouted.Inc()
}

// ValidationIssue counts an issue found while validating a schematic
func (m *Metrics) ValidationIssue(kind string, fatal bool) {
	if m == nil {
		return
	}
	severity := "warning"
	if fatal {
		severity = "error"
	}
	m.validationIssues.WithLabelValues(kind, severity).Inc()
}
