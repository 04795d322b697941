// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TranslationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingosub",
		Name:      "translations_total",
		Help:      "Completed translate calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	TranslationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lingosub",
		Name:      "translation_duration_seconds",
		Help:      "End-to-end translate latency.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"provider", "cached"})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingosub",
		Name:      "cache_requests_total",
		Help:      "Cache lookups by namespace and result (hit, miss, error).",
	}, []string{"namespace", "result"})

	BatchesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingosub",
		Name:      "batches_dispatched_total",
		Help:      "Provider batch requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	KeyRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingosub",
		Name:      "key_rotations_total",
		Help:      "API key rotations triggered by provider rejections.",
	}, []string{"provider"})

	RateLimitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingosub",
		Name:      "rate_limit_errors_total",
		Help:      "Rate-limit rejections seen across batch requests.",
	}, []string{"provider"})

	RecoveryBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingosub",
		Name:      "recovery_batches_total",
		Help:      "Synthetic recovery batches by outcome.",
	}, []string{"outcome"})
)
