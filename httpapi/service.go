// Package httpapi exposes the orchestration core's HTTP surface: the
// Submission/Control API, the Agent Router API, and the operational
// endpoints (/ready, /metrics, /ws/audit) named in spec.md §6.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/newsmesh/gpu-orchestrator/engine"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/eventbus"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/state"

	"github.com/newsmesh/gpu-orchestrator/internal/app/system"
	"github.com/newsmesh/gpu-orchestrator/internal/logging"
	"github.com/newsmesh/gpu-orchestrator/internal/metrics"
)

// Service wraps the HTTP listener into the composition root's lifecycle,
// modeled on the teacher's own httpapi.Service/system.Service pairing.
type Service struct {
	addr   string
	server *http.Server
	feed   *auditFeed
	logger *logging.Logger
}

var _ system.Service = (*Service)(nil)

// NewService builds the HTTP service. Callers must call Start to begin
// listening.
func NewService(addr string, eng *engine.Engine, store state.Store, bus eventbus.Bus, dsp dispatcher, callTimeout time.Duration, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewFromEnv("httpapi")
	}
	feed := newAuditFeed(store, logger)
	h := &handler{eng: eng, store: store, bus: bus, dsp: dsp, feed: feed, callTimeout: callTimeout}

	router := newRouter(h)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	instrumented := instrumentHandler(router)

	return &Service{
		addr:   addr,
		feed:   feed,
		logger: logger,
		server: &http.Server{
			Addr:         addr,
			Handler:      instrumented,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

func (s *Service) Name() string { return "httpapi" }

func (s *Service) Start(ctx context.Context) error {
	s.feed.start(ctx)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("http server error")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.feed.stop()
	return s.server.Shutdown(ctx)
}

// instrumentHandler wraps every request with the request-count/duration/
// in-flight metrics internal/metrics.Metrics registers.
func instrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := metrics.Global()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rt := mux.CurrentRoute(r); rt != nil {
			if tmpl, err := rt.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		m.RequestsTotal.WithLabelValues(r.Method, route, http.StatusText(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
