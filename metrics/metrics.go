// Package metrics exposes Prometheus instrumentation for the enrollment
// protocol: state machine transitions, transit encryption fallbacks, and
// spoke polling health, served on a dedicated listener.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EnrollmentTransitions counts ledger status transitions by target status.
	EnrollmentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "federation_enrollment_transitions_total",
		Help: "Enrollment status transitions by resulting status.",
	}, []string{"status"})

	// TransitFallbacks counts encrypt calls that fell back to plaintext.
	TransitFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "federation_transit_plaintext_fallbacks_total",
		Help: "Credential encryptions stored as plaintext because transit was unavailable.",
	})

	// SpokePollFailures counts consecutive-failure poll cycles on the spoke.
	SpokePollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "federation_spoke_poll_failures_total",
		Help: "Hub status poll cycles that failed.",
	})

	// CredentialExchanges counts completed credential exchanges.
	CredentialExchanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "federation_credential_exchanges_total",
		Help: "Enrollments that reached credentials_exchanged.",
	})
)

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv *http.Server
	log *slog.Logger
}

// New creates a metrics server on the given listen address.
func New(listenAddr string, log *slog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// RunInBackground starts serving in a goroutine.
func (m *MetricsServer) RunInBackground() {
	go func() {
		m.log.Info("Metrics server starting", slog.String("listenAddr", m.srv.Addr))
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("Metrics server failed", "err", err)
		}
	}()
}

// Shutdown stops the metrics server.
func (m *MetricsServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.log.Error("Metrics server shutdown failed", "err", err)
	}
}
