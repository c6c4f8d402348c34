// Package metrics exposes Prometheus instrumentation for the inference
// endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InferenceLatency tracks per-request model inference time.
	InferenceLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inference_latency_milliseconds",
		Help:    "Time taken for a single inference in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	// InferenceThroughput counts processed inferences.
	InferenceThroughput = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_throughput_total",
		Help: "Total number of inferences processed",
	})

	// EntityFrequency counts detected entities by label.
	EntityFrequency = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entity_frequency",
		Help: "Frequency of detected entities",
	}, []string{"entity_type"})
)

// ObserveInference records one inference with its latency in milliseconds
// and the labels of the detected entities.
func ObserveInference(latencyMS float64, entityLabels []string) {
	InferenceLatency.Observe(latencyMS)
	InferenceThroughput.Inc()
	for _, label := range entityLabels {
		EntityFrequency.WithLabelValues(label).Inc()
	}
}
