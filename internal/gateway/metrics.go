package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stellarlinkco/markbot/internal/corpus"
	"github.com/stellarlinkco/markbot/internal/responder"
)

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	MessagesRecorded  prometheus.Counter
	DeletionsRecorded prometheus.Counter

	Regenerations  *prometheus.CounterVec
	RegenDuration  prometheus.Histogram
	DatasetRecords prometheus.Gauge

	Responses          *prometheus.CounterVec
	GenerationAttempts prometheus.Histogram
	GenerationFailures *prometheus.CounterVec
}

func NewMetrics(buffer *corpus.Buffer) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		MessagesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "markbot_messages_recorded_total",
			Help: "Chat messages buffered for the next merge",
		}),
		DeletionsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "markbot_deletions_recorded_total",
			Help: "Message deletions buffered for the next merge",
		}),
		Regenerations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "markbot_regenerations_total",
			Help: "Merge and rebuild cycles by result",
		}, []string{"result"}),
		RegenDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "markbot_regeneration_duration_seconds",
			Help:    "Time spent merging the dataset and rebuilding the model",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		DatasetRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "markbot_dataset_records",
			Help: "Records in the dataset behind the current model",
		}),
		Responses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "markbot_responses_total",
			Help: "Messages sent by kind",
		}, []string{"kind"}),
		GenerationAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "markbot_generation_attempts",
			Help:    "Candidates sampled before one was accepted",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7),
		}),
		GenerationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "markbot_generation_failures_total",
			Help: "Generation requests that produced nothing, by reason",
		}, []string{"reason"}),
	}

	if buffer != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "markbot_pending_additions",
			Help: "Messages waiting for the next merge",
		}, func() float64 {
			adds, _ := buffer.Len()
			return float64(adds)
		})
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "markbot_pending_deletions",
			Help: "Deletions waiting for the next merge",
		}, func() float64 {
			_, dels := buffer.Len()
			return float64(dels)
		})
	}
	return m
}

func (m *Metrics) observeRegen(err error, d time.Duration) {
	if err != nil {
		m.Regenerations.WithLabelValues("error").Inc()
		return
	}
	m.Regenerations.WithLabelValues("ok").Inc()
	m.RegenDuration.Observe(d.Seconds())
}

func (m *Metrics) observeResult(kind string, attempts int) {
	m.Responses.WithLabelValues(kind).Inc()
	m.GenerationAttempts.Observe(float64(attempts))
}

func (m *Metrics) observeFailure(err error) {
	switch {
	case errors.Is(err, responder.ErrGenerationExhausted):
		m.GenerationFailures.WithLabelValues("exhausted").Inc()
	case errors.Is(err, corpus.ErrPersistenceRead):
		m.GenerationFailures.WithLabelValues("model").Inc()
	default:
		m.GenerationFailures.WithLabelValues("other").Inc()
	}
}

// Handler serves /metrics and a trivial /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}
