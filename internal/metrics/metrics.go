package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "zeppelin_meta"
)

var (
	// QueriesTotal counts meta commands by name and reply status
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of meta commands processed",
		},
		[]string{"cmd", "status"},
	)

	// LastQPS is the windowed query rate computed by the timing task
	LastQPS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_qps",
			Help:      "Queries per second over the last cron window",
		},
	)

	// Epoch is the current topology version
	Epoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Current topology epoch",
		},
	)

	// Nodes tracks data nodes per liveness state
	Nodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Number of data nodes per liveness state",
		},
		[]string{"state"}, // up/down/pending
	)

	// MigrateRemaining tracks items left in the migrate register
	MigrateRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migrate_remaining",
			Help:      "Migration items left in the register",
		},
	)

	// UpdateQueueDepth tracks queued topology updates
	UpdateQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "update_queue_depth",
			Help:      "Pending tasks in the update queue",
		},
	)

	// IsLeader reports whether this meta node is the leader
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_leader",
			Help:      "1 when this meta node is the elected leader",
		},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Meta server uptime in seconds",
		},
	)
)
