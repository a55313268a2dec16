package httpserver

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Clark-Hu/rating-ledger/internal/config"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
	"github.com/Clark-Hu/rating-ledger/internal/repository"
)

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EntityLister pages through entities. Only the Postgres backend provides it.
type EntityLister interface {
	List(ctx context.Context, filters repository.EntityListFilters) (repository.EntityListResult, error)
}

// Services bundles what the handlers depend on.
type Services struct {
	Ledger    *ledger.Ledger
	Query     *ledger.Query
	Formatter ledger.Formatter
	Health    HealthChecker
	Entities  EntityLister
	Metrics   http.Handler
}

// Server wires HTTP routing, middleware, and handlers.
type Server struct {
	cfg       config.Config
	ledger    *ledger.Ledger
	query     *ledger.Query
	formatter ledger.Formatter
	health    HealthChecker
	entities  EntityLister
	metrics   http.Handler
	logger    *log.Logger
	router    chi.Router
	httpSrv   *http.Server
}

// New constructs the HTTP server with base middleware and routes.
func New(cfg config.Config, svc Services, logger *log.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		cfg:       cfg,
		ledger:    svc.Ledger,
		query:     svc.Query,
		formatter: svc.Formatter,
		health:    svc.Health,
		entities:  svc.Entities,
		metrics:   svc.Metrics,
		logger:    logger,
		router:    r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}
	s.router.Route("/entities", func(r chi.Router) {
		if s.entities != nil {
			r.Get("/", s.handleListEntities)
		}
		r.Post("/", s.handleCreateEntity)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetEntity)
			r.Delete("/", s.handleDeleteEntity)
			r.Route("/ratings/{dimension}", func(r chi.Router) {
				r.Get("/", s.handleGetRating)
				r.Put("/", s.handleCastVote)
				r.Delete("/", s.handleRetractVote)
				r.Get("/votes", s.handleListVotes)
			})
		})
	})
	s.router.Get("/rankings/{dimension}", s.handleRankings)
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start boots the HTTP server asynchronously.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSecs) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.health != nil {
		if err := s.health.HealthCheck(ctx); err != nil {
			s.logger.Printf("health check failed: %v", err)
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
