package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CreditMetrics are the credit subsystem's Prometheus metrics.
type CreditMetrics struct {
	ReservationsTotal    *prometheus.CounterVec   // by result: held/insufficient/error
	FinalizationsTotal   *prometheus.CounterVec   // by outcome: captured/released/expired/noop
	CreditsCaptured      prometheus.Counter       // credits debited by capture
	CreditsGranted       *prometheus.CounterVec   // credits added, by entry type
	OperationDuration    *prometheus.HistogramVec // by operation
	SweepExpiredTotal    prometheus.Counter
	JobsTotal            *prometheus.CounterVec // terminal jobs by status
	DispatchFailures     *prometheus.CounterVec // by provider
	PurchasesTotal       *prometheus.CounterVec // finalize outcomes
	WebhooksTotal        *prometheus.CounterVec // by provider and result
	WalletCacheTotal     *prometheus.CounterVec // by result: hit/miss/error
	LedgerDriftWallets   prometheus.Gauge
	StaleReconciledTotal prometheus.Counter
}

func newCreditMetrics(reg prometheus.Registerer) *CreditMetrics {
	f := promauto.With(reg)
	return &CreditMetrics{
		ReservationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_reservations_total",
				Help: "Reservation attempts by result",
			},
			[]string{"result"},
		),
		FinalizationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_reservation_finalizations_total",
				Help: "Reservation capture/release/expire calls by outcome",
			},
			[]string{"outcome"},
		),
		CreditsCaptured: f.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_captured_total",
				Help: "Credits debited by captured reservations",
			},
		),
		CreditsGranted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_granted_total",
				Help: "Credits added to wallets by entry type",
			},
			[]string{"entry_type"},
		),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credits_operation_duration_seconds",
				Help:    "Duration of credit operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		SweepExpiredTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_sweep_expired_total",
				Help: "Reservations expired by the sweep",
			},
		),
		JobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "generation_jobs_finished_total",
				Help: "Generation jobs reaching a terminal status",
			},
			[]string{"status"},
		),
		DispatchFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "generation_dispatch_failures_total",
				Help: "Upstream submit failures by provider",
			},
			[]string{"provider"},
		),
		PurchasesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchases_finalize_total",
				Help: "Purchase finalize outcomes",
			},
			[]string{"result"},
		),
		WebhooksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_webhooks_total",
				Help: "Payment webhooks received by provider and result",
			},
			[]string{"provider", "result"},
		),
		WalletCacheTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_cache_requests_total",
				Help: "Wallet snapshot cache lookups by result",
			},
			[]string{"result"},
		),
		LedgerDriftWallets: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_drift_wallets",
				Help: "Wallets whose balance differs from the ledger sum at the last audit",
			},
		),
		StaleReconciledTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_stale_reservations_reconciled_total",
				Help: "Held reservations released because their job was already terminal",
			},
		),
	}
}

var (
	defaultMetrics *CreditMetrics
	once           sync.Once
)

// Get returns the process-wide metrics registered on the default registry.
func Get() *CreditMetrics {
	once.Do(func() {
		defaultMetrics = newCreditMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewForRegistry registers a fresh metric set on reg. Used by tests.
func NewForRegistry(reg prometheus.Registerer) *CreditMetrics {
	return newCreditMetrics(reg)
}
