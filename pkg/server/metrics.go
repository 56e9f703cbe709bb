package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stages, used as metric labels and span attributes.
const (
	stagePassthrough = "passthrough"
	stageHook        = "hook"
	stageConditional = "conditional"
	stageExact       = "exact"
	stageController  = "controller"
	stageStatic      = "static"
	stageWebSocket   = "websocket"
	stageDefault     = "default"
)

type engineMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	exceptions      *prometheus.CounterVec
	rejected        prometheus.Counter
	sessions        prometheus.Gauge
	messages        *prometheus.CounterVec
}

func newEngineMetrics(reg prometheus.Registerer, namespace string, s *Server) *engineMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &engineMetrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests resolved, by the pipeline stage that handled them",
		}, []string{"stage"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent resolving a request on a worker",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),

		exceptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exceptions_total",
			Help:      "Errors reported through OnException, by location",
		}, []string{"location"}),

		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Requests that could not be queued on the worker pool",
		}),

		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_sessions",
			Help:      "Open WebSocket sessions",
		}),

		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_messages_total",
			Help:      "WebSocket messages, by direction",
		}, []string{"direction"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_workers",
		Help:      "Live worker pool workers",
	}, func() float64 { return float64(s.pool.Stats().Workers) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_queued",
		Help:      "Requests waiting for a worker",
	}, func() float64 { return float64(s.pool.Stats().Queued) })

	return m
}

func (m *engineMetrics) observe(stage string, d time.Duration) {
	m.requestsTotal.WithLabelValues(stage).Inc()
	m.requestDuration.WithLabelValues(stage).Observe(d.Seconds())
}
