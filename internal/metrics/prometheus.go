package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RewriteTotal counts buffered pages by outcome (rewritten, unchanged, skipped).
	RewriteTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webpeasy",
			Name:      "rewrite_pages_total",
			Help:      "Total number of buffered pages passed through the URL rewriter",
		},
		[]string{"outcome"},
	)

	// RewriteSubstitutions counts individual URL substitutions.
	RewriteSubstitutions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "webpeasy",
			Name:      "rewrite_substitutions_total",
			Help:      "Total number of legacy image URLs replaced with WebP siblings",
		},
	)

	// RewriteDuration measures the rewrite pass per page.
	RewriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "webpeasy",
			Name:      "rewrite_duration_seconds",
			Help:      "Duration of the rewrite pass in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)

	// RegenerateTotal counts per-asset regenerations by status.
	RegenerateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webpeasy",
			Name:      "regenerate_assets_total",
			Help:      "Total number of assets regenerated",
		},
		[]string{"status"},
	)

	// BatchDuration measures batch processing time.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "webpeasy",
			Name:      "regenerate_batch_duration_seconds",
			Help:      "Duration of regeneration batches in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	// AdminRejections counts admin requests rejected by the guards.
	AdminRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webpeasy",
			Name:      "admin_rejections_total",
			Help:      "Total number of admin requests rejected",
		},
		[]string{"reason"},
	)
)

// ObserveRewrite records one rewrite pass in both sinks.
func ObserveRewrite(outcome string, substitutions int, elapsed time.Duration) {
	RewriteTotal.WithLabelValues(outcome).Inc()
	RewriteSubstitutions.Add(float64(substitutions))
	RewriteDuration.Observe(elapsed.Seconds())
}

// ObserveBatch records one regeneration batch in both sinks.
func ObserveBatch(processed, errors int, elapsed time.Duration) {
	RegenerateTotal.WithLabelValues("ok").Add(float64(processed))
	RegenerateTotal.WithLabelValues("error").Add(float64(errors))
	BatchDuration.Observe(elapsed.Seconds())

	New(Namespace).
		Dimension("Operation", "regenerate_batch").
		Metric("BatchLatencyMs", float64(elapsed.Milliseconds()), UnitMilliseconds).
		Metric("AssetsProcessed", float64(processed), UnitCount).
		Metric("AssetErrors", float64(errors), UnitCount).
		Flush()
}
