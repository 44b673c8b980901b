package metrics

import (
	"errors"
	"net/http"

	"github.com/fluxmq/fluxproxy/common"
	"github.com/fluxmq/fluxproxy/conf"
	log "github.com/fluxmq/fluxproxy/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// ProxyMetrics holds the counters for one proxy instance. Each instance carries its own
// registry so that multiple proxies in one process stay independent.
type ProxyMetrics struct {
	registry *prometheus.Registry

	requestsReceived           prometheus.Counter
	incompatibleMessages       prometheus.Counter
	requestTimeouts            prometheus.Counter
	fragmentedUploadsRequested prometheus.Counter
	fragmentedUploadsCompleted prometheus.Counter
	errorCount                 prometheus.Counter
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	RequestsReceived           uint64
	IncompatibleMessages       uint64
	RequestTimeouts            uint64
	FragmentedUploadsRequested uint64
	FragmentedUploadsCompleted uint64
	Errors                     uint64
}

func NewProxyMetrics() *ProxyMetrics {
	m := &ProxyMetrics{
		registry: prometheus.NewRegistry(),
		requestsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxproxy_requests_received_total",
			Help: "Number of requests received from the broker",
		}),
		incompatibleMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxproxy_incompatible_messages_total",
			Help: "Number of messages dropped as protocol-incompatible",
		}),
		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxproxy_request_timeouts_total",
			Help: "Number of requests whose deadline had passed before dispatch",
		}),
		fragmentedUploadsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxproxy_fragmented_uploads_requested_total",
			Help: "Number of fragmented uploads initiated",
		}),
		fragmentedUploadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxproxy_fragmented_uploads_completed_total",
			Help: "Number of fragmented uploads completed",
		}),
		errorCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxproxy_errors_total",
			Help: "Number of errors while processing requests",
		}),
	}
	m.registry.MustRegister(m.requestsReceived, m.incompatibleMessages, m.requestTimeouts,
		m.fragmentedUploadsRequested, m.fragmentedUploadsCompleted, m.errorCount)
	return m
}

func (m *ProxyMetrics) Request() {
	m.requestsReceived.Inc()
}

func (m *ProxyMetrics) IncompatibleMessage() {
	m.incompatibleMessages.Inc()
}

func (m *ProxyMetrics) RequestTimeout() {
	m.requestTimeouts.Inc()
}

func (m *ProxyMetrics) FragmentedUploadRequested() {
	m.fragmentedUploadsRequested.Inc()
}

func (m *ProxyMetrics) FragmentedUploadCompleted() {
	m.fragmentedUploadsCompleted.Inc()
}

func (m *ProxyMetrics) Error() {
	m.errorCount.Inc()
}

func (m *ProxyMetrics) Snapshot() Snapshot {
	return Snapshot{
		RequestsReceived:           counterValue(m.requestsReceived),
		IncompatibleMessages:       counterValue(m.incompatibleMessages),
		RequestTimeouts:            counterValue(m.requestTimeouts),
		FragmentedUploadsRequested: counterValue(m.fragmentedUploadsRequested),
		FragmentedUploadsCompleted: counterValue(m.fragmentedUploadsCompleted),
		Errors:                     counterValue(m.errorCount),
	}
}

func counterValue(c prometheus.Counter) uint64 {
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		return 0
	}
	return uint64(metric.GetCounter().GetValue())
}

type Server struct {
	config     conf.Config
	httpServer *http.Server
	dummy      bool
}

type metricServer struct {
	registry *prometheus.Registry
}

func (ms *metricServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.InstrumentMetricHandler(
		ms.registry, promhttp.HandlerFor(ms.registry, promhttp.HandlerOpts{
			DisableCompression: true,
		}),
	).ServeHTTP(w, r)
}

func NewServer(config conf.Config, m *ProxyMetrics) *Server {
	if !config.MetricsEnabled {
		return &Server{dummy: true}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", &metricServer{registry: m.registry})
	return &Server{
		config: config,
		httpServer: &http.Server{
			Addr:    config.MetricsBind,
			Handler: mux,
		},
	}
}

func (s *Server) Start() error {
	if s.dummy {
		return nil
	}
	common.Go(func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("prometheus http export server failed to listen %v", err)
		} else {
			log.Debugf("Stopped prometheus http server on address %s", s.config.MetricsBind)
		}
	})
	return nil
}

func (s *Server) Stop() error {
	if s.dummy {
		return nil
	}
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}
