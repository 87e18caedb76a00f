package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the defense core.
type Metrics struct {
	ObservationsTotal    *prometheus.CounterVec
	ObservationsRejected prometheus.Counter
	SecurityEventsTotal  *prometheus.CounterVec
	EvidenceRecords      prometheus.Counter
	LedgerHalted         prometheus.Gauge
	BlocksIssued         prometheus.Counter
	UnblocksIssued       prometheus.Counter
	EnforcementFailures  prometheus.Counter
	EnforcementDropped   prometheus.Counter
	AlertsDropped        prometheus.Counter
	ActiveBlocks         prometheus.Gauge
	TrackedSources       prometheus.Gauge
}

// New creates the metric set registered on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ObservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sovd_observations_total",
			Help: "Total observations accepted by the pipeline, by type",
		}, []string{"type"}),
		ObservationsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "sovd_observations_rejected_total",
			Help: "Total malformed observations discarded before dispatch",
		}),
		SecurityEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sovd_security_events_total",
			Help: "Total classified security events emitted by detectors, by kind",
		}, []string{"kind"}),
		EvidenceRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "sovd_evidence_records_total",
			Help: "Total evidence records committed to the ledger",
		}),
		LedgerHalted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sovd_ledger_halted",
			Help: "1 when the evidence ledger has halted on an integrity or storage failure",
		}),
		BlocksIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "sovd_blocks_issued_total",
			Help: "Total block rules issued by the decision engine",
		}),
		UnblocksIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "sovd_unblocks_issued_total",
			Help: "Total unblock actions issued on block expiry",
		}),
		EnforcementFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sovd_enforcement_failures_total",
			Help: "Total enforcement gateway calls that failed after retries",
		}),
		EnforcementDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sovd_enforcement_dropped_total",
			Help: "Total pending enforcement notifications dropped on queue overflow",
		}),
		AlertsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sovd_alerts_dropped_total",
			Help: "Total alerts dropped due to a full alert queue",
		}),
		ActiveBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sovd_active_blocks",
			Help: "Number of currently active block rules",
		}),
		TrackedSources: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sovd_tracked_sources",
			Help: "Number of sources with live threat state",
		}),
	}
}
