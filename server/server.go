// Package server exposes the HTTP surface: enqueue, status, approval, the
// SSE stream, and workflow plan introspection.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/agentflow-go/bus"
	"github.com/dshills/agentflow-go/graph"
	"github.com/dshills/agentflow-go/pipeline"
	"github.com/dshills/agentflow-go/queue"
	"github.com/dshills/agentflow-go/store"
)

// Server wires the HTTP handlers to the core components. All dependencies
// are injected at construction; there is no process-global state.
type Server struct {
	log         *zap.Logger
	workflows   store.Workflows
	events      store.Events
	jobs        queue.Store
	bus         *bus.Bus
	checkpoints store.Checkpoints[pipeline.State]
	plan        []string
	graphType   pipeline.GraphType

	// syncTimeout bounds the blocking /api/chat compatibility endpoint.
	syncTimeout time.Duration
}

// Config assembles a Server.
type Config struct {
	Log         *zap.Logger
	Workflows   store.Workflows
	Events      store.Events
	Jobs        queue.Store
	Bus         *bus.Bus
	Checkpoints store.Checkpoints[pipeline.State]
	Engine      *graph.Engine[pipeline.State]
	GraphType   pipeline.GraphType
	SyncTimeout time.Duration
}

func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 5 * time.Minute
	}
	var plan []string
	if cfg.Engine != nil {
		plan = cfg.Engine.Nodes()
	}
	return &Server{
		log:         cfg.Log,
		workflows:   cfg.Workflows,
		events:      cfg.Events,
		jobs:        cfg.Jobs,
		bus:         cfg.Bus,
		checkpoints: cfg.Checkpoints,
		plan:        plan,
		graphType:   cfg.GraphType,
		syncTimeout: cfg.SyncTimeout,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(s.requestLogger)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChatSync)
		r.Post("/chat/async", s.handleChatAsync)
		r.Get("/jobs/{jobID}/status", s.handleJobStatus)
		r.Get("/streams/{decisionSetID}", s.handleStream)
		r.Post("/decision-sets/{decisionSetID}/approve", s.handleApprove)
		r.Get("/workflow/plan", s.handlePlan)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(began)))
	})
}

func zapErr(err error) []zap.Field {
	return []zap.Field{zap.Error(err)}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
