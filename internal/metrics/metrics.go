// Package metrics exposes Prometheus instrumentation and the optional
// standalone metrics listener.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/brokerd/internal/models"
)

var (
	// JobsSubmitted counts accepted job submissions per queue.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokerd_jobs_submitted_total",
		Help: "Jobs accepted for processing.",
	}, []string{"queue"})

	// JobEvents counts externally visible job lifecycle events.
	JobEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokerd_job_events_total",
		Help: "Job lifecycle events fanned out to notifiers.",
	}, []string{"queue", "event"})

	// WebhookDeliveries counts webhook delivery outcomes by kind.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokerd_webhook_deliveries_total",
		Help: "Webhook delivery attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	// ScheduleExecutions counts schedule executions by outcome.
	ScheduleExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokerd_schedule_executions_total",
		Help: "Schedule executions by outcome.",
	}, []string{"status"})

	// HTTPDuration observes API request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "brokerd_http_request_duration_seconds",
		Help:    "API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// EventCounter implements the tracker notifier contract, counting job events
// as they fan out.
type EventCounter struct{}

// Notify records one job event.
func (EventCounter) Notify(_ context.Context, _ string, event string, job *models.Job) {
	JobEvents.WithLabelValues(job.Queue, event).Inc()
}

// Server is the standalone /metrics listener, enabled when a metrics port is
// configured.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a metrics listener on the given port.
func NewServer(port int, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "metrics"),
	}
}

// Start serves /metrics in a goroutine.
func (s *Server) Start() {
	s.logger.Info("metrics listener started", "addr", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics listener failed", "error", err)
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
