package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CustodyLedger.
type Metrics struct {
	// --- Vault ---
	VaultOps         *prometheus.CounterVec
	VaultOpDuration  *prometheus.HistogramVec
	VaultSequence    prometheus.Gauge
	VaultPaused      prometheus.Gauge
	WhitelistSize    prometheus.Gauge
	StateHashDur     prometheus.Histogram
	ReentryRejected  prometheus.Counter
	TransferFailures *prometheus.CounterVec

	// Transfers that may have moved funds the ledger does not reflect
	UnreconciledTransfers *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates  *prometheus.CounterVec
	IdempotencyTier2Errors prometheus.Counter
	DedupCacheSize         prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	// Operations include an external transfer, so the tail is much longer.
	opBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30}

	return &Metrics{
		VaultOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_vault_ops_total",
			Help: "Vault operations by op and result",
		}, []string{"op", "result"}),

		VaultOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_vault_op_duration_seconds",
			Help:    "Time to execute a vault operation, transfer included",
			Buckets: opBuckets,
		}, []string{"op"}),

		VaultSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_vault_sequence",
			Help: "Next event sequence number",
		}),

		VaultPaused: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_vault_paused",
			Help: "1 when deposits and withdrawals are paused",
		}),

		WhitelistSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_whitelist_size",
			Help: "Number of whitelisted assets",
		}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		ReentryRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_reentry_rejected_total",
			Help: "Nested vault calls rejected during an in-flight operation",
		}),

		TransferFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_transfer_failures_total",
			Help: "External transfer failures",
		}, []string{"direction"}),

		UnreconciledTransfers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_unreconciled_transfers_total",
			Help: "Transfers whose on-chain outcome could not be confirmed",
		}, []string{"direction"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custody_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custody_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custody_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_persist_backpressure_total",
			Help: "Times the vault blocked on persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_idempotency_duplicates_total",
			Help: "Duplicate requests rejected, by the tier that caught them",
		}, []string{"op", "tier"}),

		IdempotencyTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_idempotency_tier2_errors_total",
			Help: "Event log dedup lookups that failed",
		}),

		DedupCacheSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_dedup_cache_size",
			Help: "Current dedup cache occupancy",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_replay_duration_seconds",
			Help: "Total replay time",
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_api_requests_total",
			Help: "API requests by method and status",
		}, []string{"method", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_api_duration_seconds",
			Help:    "API request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
