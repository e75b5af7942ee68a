package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qwen3_tokens_processed_total",
		Help: "Total number of tokens processed (prompt and generated)",
	})

	TokenDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "qwen3_token_duration_seconds",
		Help: "Wall-clock duration of processing a single token",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qwen3_kernel_duration_seconds",
		Help:    "Histogram of per-kernel execution durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	NumericalInstabilityTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qwen3_numerical_instability_total",
		Help: "Number of scanned output buffers found to contain NaN/Inf values",
	}, []string{"tensor"})
)
