// Package metrics exposes Prometheus instrumentation for the gateway.
// All methods are safe to call on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bobarin/voicegate/internal/models"
)

const namespace = "voicegate"

type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	engineWait       *prometheus.HistogramVec
	engineBusy       *prometheus.HistogramVec
	engineErrors     *prometheus.CounterVec
	engineQueueDepth *prometheus.GaugeVec

	stageDuration  *prometheus.HistogramVec
	pipelineTotal  *prometheus.CounterVec
	audioSeconds   prometheus.Histogram
	embeddingCache *prometheus.CounterVec
	uploadsTotal   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		engineWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_wait_seconds",
			Help:      "Time spent queued for an inference engine",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"engine"}),
		engineBusy: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_busy_seconds",
			Help:      "Time an inference engine spent on one call",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"engine"}),
		engineErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Failed inference engine calls",
		}, []string{"engine"}),
		engineQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_queue_depth",
			Help:      "Callers waiting for an inference engine",
		}, []string{"engine"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each synthesis pipeline stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		pipelineTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Synthesis pipeline runs by mode and outcome",
		}, []string{"mode", "outcome"}),
		audioSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "output_audio_seconds",
			Help:      "Playback length of produced audio",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		embeddingCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_requests_total",
			Help:      "Speaker embedding cache lookups",
		}, []string{"result"}),
		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_uploads_total",
			Help:      "Reference voice uploads by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) ObserveEngineWait(engine models.EngineID, wait time.Duration) {
	if c == nil {
		return
	}
	c.engineWait.WithLabelValues(string(engine)).Observe(wait.Seconds())
}

func (c *Collector) ObserveEngineBusy(engine models.EngineID, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.engineBusy.WithLabelValues(string(engine)).Observe(d.Seconds())
	if err != nil {
		c.engineErrors.WithLabelValues(string(engine)).Inc()
	}
}

func (c *Collector) SetEngineQueueDepth(engine models.EngineID, depth int64) {
	if c == nil {
		return
	}
	c.engineQueueDepth.WithLabelValues(string(engine)).Set(float64(depth))
}

func (c *Collector) ObserveStage(stage models.Stage, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (c *Collector) RecordPipeline(mode string, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.pipelineTotal.WithLabelValues(mode, outcome).Inc()
}

func (c *Collector) ObserveAudio(d time.Duration) {
	if c == nil {
		return
	}
	c.audioSeconds.Observe(d.Seconds())
}

func (c *Collector) RecordEmbeddingCache(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.embeddingCache.WithLabelValues(result).Inc()
}

func (c *Collector) RecordUpload(outcome string) {
	if c == nil {
		return
	}
	c.uploadsTotal.WithLabelValues(outcome).Inc()
}
