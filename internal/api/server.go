// Package api serves the canonical read API, alert acknowledgment and the
// asynchronous run trigger over HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/lineage"
	"github.com/sells-group/prospect-sync/internal/metrics"
	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/monitoring"
	"github.com/sells-group/prospect-sync/internal/pipeline"
	"github.com/sells-group/prospect-sync/internal/source"
	"github.com/sells-group/prospect-sync/internal/store"
)

// Runner starts pipeline runs.
type Runner interface {
	Run(ctx context.Context, opts pipeline.RunOptions) (*model.RunSummary, error)
}

// Backend is the persistence the API reads and writes.
type Backend interface {
	store.Reader
	SetProspectStatus(ctx context.Context, id string, status model.ProspectStatus) error
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Store  Backend
	Alerts *monitoring.Manager
	// Runner and Adapters back POST /runs; without a Runner the route
	// answers 503.
	Runner   Runner
	Adapters []source.Adapter
	Metrics  *metrics.Metrics
	// AllowedOrigins for CORS. Defaults to any origin.
	AllowedOrigins []string
}

// Server holds the API handlers.
type Server struct {
	store     Backend
	alerts    *monitoring.Manager
	history   *lineage.History
	collector *monitoring.Collector
	runner    Runner
	adapters  []source.Adapter
	metrics   *metrics.Metrics
	origins   []string

	// base outlives requests; runs started over HTTP use it.
	base    context.Context
	running sync.WaitGroup
}

// New creates a Server. Runs triggered through the API are cancelled when
// ctx is done.
func New(ctx context.Context, opts Options) *Server {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		store:     opts.Store,
		alerts:    opts.Alerts,
		history:   lineage.NewHistory(opts.Store),
		collector: monitoring.NewCollector(opts.Store),
		runner:    opts.Runner,
		adapters:  opts.Adapters,
		metrics:   opts.Metrics,
		origins:   origins,
		base:      ctx,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/prospects", func(r chi.Router) {
		r.Get("/", s.handleListProspects)
		r.Get("/{id}", s.handleGetProspect)
		r.Put("/{id}/status", s.handleSetProspectStatus)
		r.Get("/{id}/lineage/{field}", s.handleLineage)
	})
	r.Get("/conflicts", s.handleListConflicts)
	r.Get("/quarantine", s.handleListQuarantine)
	r.Get("/quality", s.handleListQuality)

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleListAlerts)
		r.Get("/digest", s.handleDigest)
		r.Post("/{id}/ack", s.handleAcknowledge)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleTriggerRun)
		r.Get("/{id}", s.handleGetRun)
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Wait blocks until every run started over HTTP has finished.
func (s *Server) Wait() {
	s.running.Wait()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("component", "api"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
