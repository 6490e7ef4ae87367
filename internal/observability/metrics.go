package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TroveLedger.
type Metrics struct {
	// --- Engine ---
	CoreCallsApplied  *prometheus.CounterVec
	CoreCallsRejected *prometheus.CounterVec
	CoreCallDuration  *prometheus.HistogramVec
	CoreJournals      *prometheus.CounterVec
	CoreEvents        *prometheus.CounterVec
	CoreStateHashDur  prometheus.Histogram
	CoreSequence      prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & nonces ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	NonceGaps             prometheus.Counter
	NonceOutOfOrder       prometheus.Counter

	// --- Oracle ---
	OracleReads     *prometheus.CounterVec
	OracleLastPrice *prometheus.GaugeVec
	PriceRounds     *prometheus.CounterVec

	// --- Troves & liquidation ---
	ActiveTroves         *prometheus.GaugeVec
	TotalCollateralRatio *prometheus.GaugeVec
	Liquidations         *prometheus.CounterVec
	LiquidatedDebt       *prometheus.CounterVec
	OffsetDebt           *prometheus.CounterVec
	RedistributedDebt    *prometheus.CounterVec
	KeeperSweeps         *prometheus.CounterVec

	// --- Stability pool ---
	PoolDeposits prometheus.Gauge
	PoolP        prometheus.Gauge
	PoolEpoch    prometheus.Gauge
	PoolScale    prometheus.Gauge

	// --- Persistence ---
	PersistCallsWritten    prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayCallsTotal  prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreCallsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_calls_applied_total",
			Help: "Top-level calls committed by the engine",
		}, []string{"command"}),

		CoreCallsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_calls_rejected_total",
			Help: "Calls rejected (duplicate, nonce, validation, rollback)",
		}, []string{"command", "reason"}),

		CoreCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_core_call_duration_seconds",
			Help:    "Time to execute and commit one call",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_journals_generated_total",
			Help: "Journal entries committed",
		}, []string{"journal_type"}),

		CoreEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_events_emitted_total",
			Help: "Outbound events committed",
		}, []string{"event_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_sequence",
			Help: "Current global sequence number",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		NonceGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_nonce_gap_total",
			Help: "Commands rejected for a nonce gap",
		}),

		NonceOutOfOrder: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_nonce_out_of_order_total",
			Help: "Commands rejected for a reused nonce",
		}),

		OracleReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_oracle_reads_total",
			Help: "Oracle feed evaluations by outcome",
		}, []string{"asset", "status"}),

		OracleLastPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_oracle_last_good_price",
			Help: "Last accepted price per asset (units)",
		}, []string{"asset"}),

		PriceRounds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_price_rounds_total",
			Help: "Feed rounds received from NATS (accepted/ignored)",
		}, []string{"feed", "result"}),

		ActiveTroves: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_active_troves",
			Help: "Active troves per asset",
		}, []string{"asset"}),

		TotalCollateralRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_total_collateral_ratio",
			Help: "TCR per asset at the last good price",
		}, []string{"asset"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidations_total",
			Help: "Troves liquidated",
		}, []string{"asset"}),

		LiquidatedDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidated_debt_total",
			Help: "Debt of liquidated troves (units)",
		}, []string{"asset"}),

		OffsetDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_offset_debt_total",
			Help: "Debt absorbed by the stability pool (units)",
		}, []string{"asset"}),

		RedistributedDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_redistributed_debt_total",
			Help: "Debt redistributed to active troves (units)",
		}, []string{"asset"}),

		KeeperSweeps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_keeper_sweeps_total",
			Help: "Keeper liquidation sweeps by outcome",
		}, []string{"asset", "outcome"}),

		PoolDeposits: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_pool_total_deposits",
			Help: "Stability pool deposits (units)",
		}),

		PoolP: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_pool_product",
			Help: "Stability pool running product P",
		}),

		PoolEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_pool_epoch",
			Help: "Stability pool epoch",
		}),

		PoolScale: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_pool_scale",
			Help: "Stability pool scale",
		}),

		PersistCallsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_calls_written_total",
			Help: "Committed calls written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_size",
			Help:    "Calls per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayCallsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_replay_calls_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_replay_duration_seconds",
			Help: "Total replay time",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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

// ObserveRead counts oracle evaluations by outcome.
func (m *Metrics) ObserveRead(asset, status string) {
	m.OracleReads.WithLabelValues(asset, status).Inc()
}
