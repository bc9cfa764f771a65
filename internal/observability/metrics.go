package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grabpic",
		Name:      "searches_total",
		Help:      "Total number of selfie searches by outcome",
	}, []string{"status"})

	PhotosProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grabpic",
		Name:      "photos_processed_total",
		Help:      "Total number of queue messages processed by result",
	}, []string{"result"})

	FacesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grabpic",
		Name:      "faces_detected_total",
		Help:      "Total number of faces detected during ingestion",
	})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grabpic",
		Name:      "inference_duration_seconds",
		Help:      "Duration of embedding extraction stages",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"stage"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grabpic",
		Name:      "queue_depth",
		Help:      "Number of pending photo tasks in the queue",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grabpic",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grabpic",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
