package metrics

import (
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PipelineMetrics struct {
	publisherEnvelopesPublishedTotalCounter *prometheus.CounterVec
	publisherPublishErrorsTotalCounter      *prometheus.CounterVec
	publisherBlocksThrottledTotalCounter    prometheus.Counter
	publisherLastHeadGauge                  prometheus.Gauge

	consumerMessagesTotalCounter     *prometheus.CounterVec
	consumerRedeliveriesTotalCounter prometheus.Counter
	consumerMalformedTotalCounter    prometheus.Counter

	backfillLogsAppliedTotalCounter *prometheus.CounterVec
	backfillLogsFailedTotalCounter  *prometheus.CounterVec
	backfillDurationHistogram       prometheus.Histogram

	liveApplyTotalCounter *prometheus.CounterVec

	stateAnchorGauge    prometheus.Gauge
	stateFinalizedGauge prometheus.Gauge

	cacheErrorsTotalCounter *prometheus.CounterVec

	correlationOutcomesTotalCounter *prometheus.CounterVec

	healthRunningGauge prometheus.Gauge
}

func NewPipelineMetrics(registerer prometheus.Registerer, namespace string) *PipelineMetrics {

	factory := promauto.With(registerer)

	metrics := PipelineMetrics{
		// Publisher metrics
		publisherEnvelopesPublishedTotalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "envelopes_published_total",
			Help:      "Total number of envelopes published to the queue",
		},
			[]string{"kind", "reorg"},
		),
		publisherPublishErrorsTotalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "publish_errors_total",
			Help:      "Total number of queue publish errors",
		},
			[]string{"error_type"},
		),
		publisherBlocksThrottledTotalCounter: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "blocks_throttled_total",
			Help:      "Total number of block headers not forwarded because of the minimum block distance",
		}),
		publisherLastHeadGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "last_head",
			Help:      "Height of the last observed block header",
		}),

		// Consumer metrics
		//
		// NOTE: messages_total counts handling attempts. A redelivered message is
		// counted once per attempt.
		consumerMessagesTotalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Total number of queue messages handled",
		},
			[]string{"kind", "outcome"},
		),
		consumerRedeliveriesTotalCounter: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "redeliveries_total",
			Help:      "Total number of messages handed back for redelivery",
		}),
		consumerMalformedTotalCounter: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "malformed_total",
			Help:      "Total number of messages acknowledged without handling because they could not be decoded",
		}),

		// Backfill metrics
		backfillLogsAppliedTotalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "logs_applied_total",
			Help:      "Total number of finalized logs applied to the primary store",
		},
			[]string{"kind"},
		),
		backfillLogsFailedTotalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "logs_failed_total",
			Help:      "Total number of finalized logs skipped because applying them failed",
		},
			[]string{"kind"},
		),
		backfillDurationHistogram: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "duration_seconds",
			Help:      "Duration of a complete backfill over a finalized range",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		liveApplyTotalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "apply_total",
			Help:      "Total number of speculative cache applications",
		},
			[]string{"kind", "reorg", "outcome"},
		),

		// State metrics
		stateAnchorGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "last_reconciled_block",
			Help:      "Last block height reconciled into the primary store",
		}),
		stateFinalizedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "finalized_block",
			Help:      "Last finalized block height reported by the ledger",
		}),

		cacheErrorsTotalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Total number of failed cache operations",
		},
			[]string{"operation"},
		),

		correlationOutcomesTotalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "outcomes_total",
			Help:      "Total number of correlation waits by outcome",
		},
			[]string{"outcome"},
		),

		// Health metrics
		healthRunningGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "running",
			Help:      "Whether the main worker is currently running (1 = running, 0 = stopped)",
		}),
	}

	return &metrics
}

// Publisher metrics methods

func (m *PipelineMetrics) IncEnvelopesPublished(kind events.Kind, reorg bool) {
	m.publisherEnvelopesPublishedTotalCounter.WithLabelValues(kind.MetricName(), boolLabel(reorg)).Inc()
}

func (m *PipelineMetrics) IncPublishErrors(errorType string) {
	m.publisherPublishErrorsTotalCounter.WithLabelValues(errorType).Inc()
}

func (m *PipelineMetrics) IncBlocksThrottled() {
	m.publisherBlocksThrottledTotalCounter.Inc()
}

func (m *PipelineMetrics) SetLastHead(height uint64) {
	m.publisherLastHeadGauge.Set(float64(height))
}

// Consumer metrics methods

func (m *PipelineMetrics) IncMessages(kind events.Kind, outcome string) {
	m.consumerMessagesTotalCounter.WithLabelValues(kind.MetricName(), outcome).Inc()
}

func (m *PipelineMetrics) IncRedeliveries() {
	m.consumerRedeliveriesTotalCounter.Inc()
}

func (m *PipelineMetrics) IncMalformed() {
	m.consumerMalformedTotalCounter.Inc()
}

// Reconciler metrics methods

func (m *PipelineMetrics) AddBackfillApplied(kind events.Kind, count int) {
	m.backfillLogsAppliedTotalCounter.WithLabelValues(kind.MetricName()).Add(float64(count))
}

func (m *PipelineMetrics) IncBackfillFailed(kind events.Kind) {
	m.backfillLogsFailedTotalCounter.WithLabelValues(kind.MetricName()).Inc()
}

func (m *PipelineMetrics) ObserveBackfillDuration(seconds float64) {
	m.backfillDurationHistogram.Observe(seconds)
}

func (m *PipelineMetrics) IncLiveApply(kind events.Kind, reorg bool, outcome string) {
	m.liveApplyTotalCounter.WithLabelValues(kind.MetricName(), boolLabel(reorg), outcome).Inc()
}

// State metrics methods

func (m *PipelineMetrics) SetAnchor(height uint64) {
	m.stateAnchorGauge.Set(float64(height))
}

func (m *PipelineMetrics) SetFinalized(height uint64) {
	m.stateFinalizedGauge.Set(float64(height))
}

func (m *PipelineMetrics) IncCacheErrors(operation string) {
	m.cacheErrorsTotalCounter.WithLabelValues(operation).Inc()
}

func (m *PipelineMetrics) IncCorrelationOutcome(outcome string) {
	m.correlationOutcomesTotalCounter.WithLabelValues(outcome).Inc()
}

// Health metrics methods

func (m *PipelineMetrics) SetRunning(running bool) {
	if running {
		m.healthRunningGauge.Set(1)
	} else {
		m.healthRunningGauge.Set(0)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
