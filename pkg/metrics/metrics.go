package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue store metrics
var (
	QueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_queue_operations_total",
			Help: "Total number of queue store operations",
		},
		[]string{"queue", "operation", "status"},
	)

	QueueOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_queue_operation_duration_seconds",
			Help:    "Duration of queue store operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"queue", "operation"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_queue_depth",
			Help: "Number of entries per queue and state",
		},
		[]string{"queue", "state"},
	)

	QueueCorruptRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_queue_corrupt_records_total",
			Help: "Total number of undecodable records moved to the shunt queue",
		},
		[]string{"queue"},
	)
)

// Runner metrics
var (
	RunnerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_runner_cycles_total",
			Help: "Total number of runner drain cycles",
		},
		[]string{"queue"},
	)

	RunnerProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_runner_processed_total",
			Help: "Total number of entries processed by runners",
		},
		[]string{"queue", "result"},
	)

	RunnerProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_runner_process_duration_seconds",
			Help:    "Duration of one entry processing attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	RunnerRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_runner_retries_total",
			Help: "Total number of transient-failure requeues",
		},
		[]string{"queue"},
	)
)

// Classification and moderation metrics
var (
	ChainVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_chain_verdicts_total",
			Help: "Total number of rule-chain verdicts by list and verdict",
		},
		[]string{"list", "verdict"},
	)

	RuleHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rule_hits_total",
			Help: "Total number of rule hits",
		},
		[]string{"rule"},
	)

	HeldMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_held_messages",
			Help: "Number of messages pending a moderator decision",
		},
		[]string{"list"},
	)

	ModerationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_moderation_decisions_total",
			Help: "Total number of resolved hold records by disposition",
		},
		[]string{"disposition"},
	)
)

// Delivery and ingestion metrics
var (
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Total number of outbound delivery attempts by result",
		},
		[]string{"result"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_duration_seconds",
			Help:    "Duration of outbound delivery attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	IngestedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_ingested_messages_total",
			Help: "Total number of messages accepted at the LMTP boundary",
		},
		[]string{"list", "status"},
	)

	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_archive_writes_total",
			Help: "Total number of archive store writes by status",
		},
		[]string{"status"},
	)
)
