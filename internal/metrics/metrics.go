package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Presence metrics
	DevicesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacond_devices_tracked",
			Help: "Number of beacons currently tracked as present",
		},
	)

	SessionsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacond_sessions_emitted_total",
			Help: "Total presence sessions completed",
		},
	)

	TrackerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacond_tracker_cycle_duration_seconds",
			Help:    "Duration of one presence tracking cycle",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	ScannerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacond_scanner_errors_total",
			Help: "Device controller command failures",
		},
		[]string{"op"},
	)

	// Queue metrics
	QueuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacond_queue_pending",
			Help: "Sessions waiting for delivery to the central server",
		},
	)

	QueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacond_queue_dropped_total",
			Help: "Sessions dropped from the queue because it was full",
		},
	)

	QueueErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacond_queue_errors_total",
			Help: "Offline queue persistence failures",
		},
		[]string{"op"},
	)

	// Sync metrics
	SyncBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacond_sync_batches_total",
			Help: "Session batches sent to the central server",
		},
		[]string{"result"},
	)

	SyncSessionsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacond_sync_sessions_sent_total",
			Help: "Sessions acknowledged by the central server",
		},
	)

	SyncBackoff = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacond_sync_backoff_seconds",
			Help: "Current delay before the next sync attempt",
		},
	)

	SyncConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacond_sync_connected",
			Help: "1 when the central server is reachable",
		},
	)

	// Publish metrics
	PublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacond_publish_errors_total",
			Help: "Live snapshot publish failures",
		},
		[]string{"sink"},
	)

	LiveClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacond_live_clients",
			Help: "Number of connected live feed clients",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		DevicesTracked,
		SessionsEmitted,
		TrackerCycleDuration,
		ScannerErrors,
		QueuePending,
		QueueDropped,
		QueueErrors,
		SyncBatches,
		SyncSessionsSent,
		SyncBackoff,
		SyncConnected,
		PublishErrors,
		LiveClients,
	)
}

// Server is the metrics and status HTTP server
type Server struct {
	server   *http.Server
	mux      *http.ServeMux
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		mux:    mux,
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handle registers an additional handler, such as /status or /ws.
// Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's routing handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
