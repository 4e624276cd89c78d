// Package metrics exposes the bot's ambient observability surface: a
// small set of prometheus counters/gauges plus a /healthz and
// /metrics HTTP server.
package metrics

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log/v2"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the bot's metrics. One Registry is shared by every
// worker in the fleet.
type Registry struct {
	MergesTotal      *prometheus.CounterVec
	AbortsTotal      *prometheus.CounterVec
	BatchSize        prometheus.Histogram
	CIWaitSeconds    prometheus.Histogram
	CandidatesQueued *prometheus.GaugeVec
}

// NewRegistry constructs and registers the bot's metrics against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		MergesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marge_merges_total",
			Help: "Merge requests successfully finalised, by project.",
		}, []string{"project"}),
		AbortsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marge_aborts_total",
			Help: "Merge requests aborted, by project and reason.",
		}, []string{"project", "reason"}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marge_batch_size",
			Help:    "Number of MRs combined into a single attempted batch.",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),
		CIWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marge_ci_wait_seconds",
			Help:    "Wall-clock time spent polling CI per candidate.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}),
		CandidatesQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marge_candidates_queued",
			Help: "MRs currently assigned to the bot and awaiting processing, by project.",
		}, []string{"project"}),
	}
}

// Server is the tiny HTTP surface cmd/marge keeps alive for as
// long as the process runs: health probe plus metrics scrape
// endpoint, logged through gorilla/handlers.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a metrics/health server bound to addr.
func NewServer(addr string, reg *prometheus.Registry, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	logger.Debug("starting metrics server", "addr", addr)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	logged := handlers.CombinedLoggingHandler(os.Stderr, router)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           logged,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start runs the server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
