// Package httpapi serves the node's operational HTTP surface: health probes,
// Prometheus metrics and read-only debug views of the coordination state.
package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/meshcoord/internal/balancer"
	"github.com/devrev/meshcoord/internal/config"
	coorderrors "github.com/devrev/meshcoord/internal/errors"
	"github.com/devrev/meshcoord/internal/health"
	"github.com/devrev/meshcoord/internal/hoststats"
	"github.com/devrev/meshcoord/internal/model"
	"github.com/devrev/meshcoord/internal/optimizer"
)

// NodeSelector is the balancer view served under /debug/nodes
type NodeSelector interface {
	GetOptimalNode(ctx context.Context) (*balancer.Selection, error)
	Nodes() []model.NodeHealth
	NodeHealth(nodeID string) (model.NodeHealth, bool)
	Breaker(nodeID string) (balancer.BreakerSnapshot, bool)
}

// SessionView is the session coordinator view served under /debug/sessions
type SessionView interface {
	ActiveSessions(ctx context.Context) ([]*model.SessionState, error)
	GetSession(ctx context.Context, id string) (*model.SessionState, error)
	Peers() []model.NodeRecord
}

// OptimizerView exposes optimizer state
type OptimizerView interface {
	Stats() optimizer.Stats
}

// Deps are the components the server reads from. Nil fields disable their
// routes.
type Deps struct {
	Health      *health.Checker
	Balancer    NodeSelector
	Sessions    SessionView
	Optimizer   OptimizerView
	Load        *hoststats.LoadTracker
	Metrics     http.Handler
	MetricsPath string
}

// Server represents the HTTP server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	cfg        config.ServerConfig
	logger     *zap.Logger
}

// NodeView pairs a node's health with its breaker
type NodeView struct {
	model.NodeHealth
	Breaker balancer.BreakerSnapshot `json:"breaker"`
}

// NewServer creates a new HTTP server with its routes configured
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("http"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := []func(http.Handler) http.Handler{
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
	}
	if s.deps.Load != nil {
		chain = append(chain, Track(s.deps.Load))
	}
	s.router.Use(mux.MiddlewareFunc(Chain(chain...)))

	if s.deps.Health != nil {
		s.router.HandleFunc("/health/live", s.deps.Health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/health/ready", s.deps.Health.ReadinessHandler).Methods(http.MethodGet)
	}
	if s.deps.Metrics != nil {
		path := s.deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, s.deps.Metrics).Methods(http.MethodGet)
	}

	debug := s.router.PathPrefix("/debug").Subrouter()
	if s.cfg.RateLimit > 0 {
		debug.Use(NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst, s.logger).Limit)
	}
	if s.deps.Balancer != nil {
		debug.HandleFunc("/nodes", s.listNodes).Methods(http.MethodGet)
		debug.HandleFunc("/nodes/optimal", s.optimalNode).Methods(http.MethodGet)
		debug.HandleFunc("/nodes/{node_id}", s.getNode).Methods(http.MethodGet)
	}
	if s.deps.Sessions != nil {
		debug.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
		debug.HandleFunc("/sessions/{session_id}", s.getSession).Methods(http.MethodGet)
		debug.HandleFunc("/peers", s.listPeers).Methods(http.MethodGet)
	}
	if s.deps.Optimizer != nil {
		debug.HandleFunc("/optimizer", s.optimizerStats).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Status:    "error",
			ErrorCode: coorderrors.ErrCodeNotFound.String(),
			Message:   "endpoint not found",
			RequestID: r.Header.Get(requestIDHeader),
		})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Status:    "error",
			ErrorCode: coorderrors.ErrCodeInvalidArgument.String(),
			Message:   "method not allowed",
			RequestID: r.Header.Get(requestIDHeader),
		})
	})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.deps.Balancer.Nodes()
	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, s.nodeView(n))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["node_id"]
	n, ok := s.deps.Balancer.NodeHealth(id)
	if !ok {
		s.writeError(w, r, coorderrors.NotFound("node", id))
		return
	}
	writeJSON(w, http.StatusOK, s.nodeView(n))
}

func (s *Server) nodeView(n model.NodeHealth) NodeView {
	b, _ := s.deps.Balancer.Breaker(n.NodeID)
	return NodeView{NodeHealth: n, Breaker: b}
}

func (s *Server) optimalNode(w http.ResponseWriter, r *http.Request) {
	sel, err := s.deps.Balancer.GetOptimalNode(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sessions.ActiveSessions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.GetSession(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Peers())
}

func (s *Server) optimizerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Optimizer.Stats())
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
