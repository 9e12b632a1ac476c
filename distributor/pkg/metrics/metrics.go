package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airdrop_distributor_build_info",
			Help: "Build information of the airdrop distributor",
		},
		[]string{"version", "commit", "date"},
	)

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_distributor_batches_total",
			Help: "Total number of batches processed, by outcome",
		},
		[]string{"outcome"},
	)

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airdrop_distributor_batch_duration_seconds",
			Help:    "Duration of batch submission including retries and confirmation",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~256s
		},
		[]string{"outcome"},
	)

	SubmitAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_distributor_submit_attempts_total",
			Help: "Total number of transaction submission attempts, by result",
		},
		[]string{"result"},
	)

	RecipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airdrop_distributor_recipients_total",
			Help: "Total number of recipients handled, by status",
		},
		[]string{"status"},
	)

	BaseUnitsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airdrop_distributor_base_units_sent_total",
			Help: "Total token base units transferred in confirmed transactions",
		},
	)

	PriorityFee = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airdrop_distributor_priority_fee_micro_lamports",
			Help: "Compute unit price used by the current run",
		},
	)
)
