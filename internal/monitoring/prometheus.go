package monitoring

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// Allocation failure stages reported by RecordAllocationFailure.
const (
	StageCreate   = "create"
	StageAllocate = "allocate"
	StageMap      = "map"
	StageGPUMap   = "gpu_map"
)

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Namespace  string `yaml:"namespace"`
}

// Metrics holds the counters of one device. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	allocations        prometheus.Counter
	allocationBytes    prometheus.Gauge
	allocationFailures *prometheus.CounterVec
	submissions        prometheus.Counter
	submittedWords     prometheus.Counter
	fenceWaits         prometheus.Counter
	fenceWaitSeconds   prometheus.Histogram
	inFlightBuffers    prometheus.Gauge
}

// NewMetrics registers the device metrics on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "nvstream"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "GPU allocations created",
		}),
		allocationBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocation_bytes",
			Help:      "Bytes currently held by live GPU allocations",
		}),
		allocationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_failures_total",
			Help:      "GPU allocations that failed, by stage",
		}, []string{"stage"}),
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Ring submissions handed to the kernel",
		}),
		submittedWords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submitted_words_total",
			Help:      "Command words referenced by submitted ring entries",
		}),
		fenceWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fence_waits_total",
			Help:      "Completed fence waits",
		}),
		fenceWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fence_wait_seconds",
			Help:      "Time spent blocked on fences",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		inFlightBuffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_buffers",
			Help:      "Command buffers retained until the GPU is idle",
		}),
	}

	m.registry.MustRegister(
		m.allocations,
		m.allocationBytes,
		m.allocationFailures,
		m.submissions,
		m.submittedWords,
		m.fenceWaits,
		m.fenceWaitSeconds,
		m.inFlightBuffers,
	)
	return m
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordAllocation accounts a new allocation of size bytes.
func (m *Metrics) RecordAllocation(size int) {
	if m == nil {
		return
	}
	m.allocations.Inc()
	m.allocationBytes.Add(float64(size))
}

// RecordRelease accounts a released allocation of size bytes.
func (m *Metrics) RecordRelease(size int) {
	if m == nil {
		return
	}
	m.allocationBytes.Sub(float64(size))
}

// RecordAllocationFailure counts a failed allocation at stage.
func (m *Metrics) RecordAllocationFailure(stage string) {
	if m == nil {
		return
	}
	m.allocationFailures.WithLabelValues(stage).Inc()
}

// RecordSubmission counts one submission of words command words.
func (m *Metrics) RecordSubmission(words uint64) {
	if m == nil {
		return
	}
	m.submissions.Inc()
	m.submittedWords.Add(float64(words))
}

// RecordFenceWait records a completed wait.
func (m *Metrics) RecordFenceWait(d time.Duration) {
	if m == nil {
		return
	}
	m.fenceWaits.Inc()
	m.fenceWaitSeconds.Observe(d.Seconds())
}

// SetInFlight sets the number of retained command buffers.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlightBuffers.Set(float64(n))
}

// WriteText writes every metric in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Exporter serves the metrics over HTTP.
type Exporter struct {
	logger  *zap.Logger
	metrics *Metrics
	server  *http.Server
}

// NewExporter creates an exporter listening on addr.
func NewExporter(logger *zap.Logger, metrics *Metrics, addr string) *Exporter {
	if addr == "" {
		addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Exporter{
		logger:  logger,
		metrics: metrics,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler of the exporter.
func (e *Exporter) Handler() http.Handler {
	return e.server.Handler
}

// Start serves metrics in the background until Stop.
func (e *Exporter) Start() {
	go func() {
		e.logger.Info("Starting metrics exporter", zap.String("address", e.server.Addr))
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down.
func (e *Exporter) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return e.server.Shutdown(ctx)
}
