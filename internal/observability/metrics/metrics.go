package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config scopes metric labels.
type Config struct {
	ServiceName string
	Environment string
}

// EngineMetrics exposes counters for the DID billing engine.
type EngineMetrics struct {
	cfg Config

	jobRuns             *prometheus.CounterVec
	jobErrors           *prometheus.CounterVec
	renewals            *prometheus.CounterVec
	renewalAmountCents  *prometheus.CounterVec
	syncAttempts        *prometheus.CounterVec
	reservationsExpired *prometheus.CounterVec
	paidEvents          *prometheus.CounterVec
}

var (
	engineMu   sync.Mutex
	engineInst *EngineMetrics
)

// Engine returns the process-wide engine metrics, initializing with defaults
// on first use.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{ServiceName: "numera"})
}

// EngineWithConfig returns the engine metrics, building them on first call.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMu.Lock()
	defer engineMu.Unlock()
	if engineInst != nil {
		return engineInst
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "numera"
	}

	constLabels := prometheus.Labels{
		"service": cfg.ServiceName,
		"env":     cfg.Environment,
	}

	engineInst = &EngineMetrics{
		cfg: cfg,
		jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "numera_batch_runs_total",
			Help:        "Batch job executions.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "numera_batch_errors_total",
			Help:        "Batch job unit errors.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		renewals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "numera_did_renewals_total",
			Help:        "DID renewals by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		renewalAmountCents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "numera_did_renewal_amount_cents_total",
			Help:        "Renewal amounts in cents by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		syncAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "numera_billing_sync_attempts_total",
			Help:        "External billing sync attempts by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		reservationsExpired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "numera_reservations_expired_total",
			Help:        "DID reservations reclaimed by the reaper.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		paidEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "numera_paid_events_total",
			Help:        "Invoice paid events dispatched by type.",
			ConstLabels: constLabels,
		}, []string{"invoice_type", "result"}),
	}
	return engineInst
}

// ResetEngineMetricsForTest clears the singleton so tests can swap registries.
func ResetEngineMetricsForTest() {
	engineMu.Lock()
	defer engineMu.Unlock()
	engineInst = nil
}

func (m *EngineMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) IncJobError(job string) {
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) IncRenewal(outcome string, amountCents int64) {
	m.renewals.WithLabelValues(outcome).Inc()
	if amountCents > 0 {
		m.renewalAmountCents.WithLabelValues(outcome).Add(float64(amountCents))
	}
}

func (m *EngineMetrics) IncSyncAttempt(result string) {
	m.syncAttempts.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) IncReservationExpired(result string) {
	m.reservationsExpired.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) IncPaidEvent(invoiceType, result string) {
	m.paidEvents.WithLabelValues(invoiceType, result).Inc()
}

const (
	RenewalOutcomeBalance  = "balance"
	RenewalOutcomeInvoiced = "invoiced"
	RenewalOutcomeError    = "error"

	SyncResultSynced        = "synced"
	SyncResultRetry         = "retry"
	SyncResultFailed        = "failed"
	SyncResultNotApplicable = "not_applicable"

	PaidResultApplied   = "applied"
	PaidResultDuplicate = "duplicate"
	PaidResultError     = "error"
)
