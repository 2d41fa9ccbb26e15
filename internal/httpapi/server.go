// Package httpapi is the control surface: a chi-routed HTTP server exposing
// order inspection, service start/stop/run-once, schedule administration and
// a health endpoint, following this codebase's own server package's
// construct-inline-per-module routing style.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/orders"
	"github.com/aristath/order-supervisor/internal/servicemgr"
)

// Config controls how the server builds its route tree and middleware.
type Config struct {
	Addr    string
	DevMode bool
}

// Server wires the order repository and service manager behind chi routes.
type Server struct {
	cfg Config
	log zerolog.Logger

	orders   *orders.Repository
	services *servicemgr.Manager

	broker      broker.Adapter
	credentials func(userID string) broker.Credentials

	sessMu   sync.Mutex
	sessions map[string]broker.Session

	router http.Handler
	http   *http.Server
}

// New builds a Server. ordersRepo and services must not be nil. adapter and
// credentials back the control surface's own broker calls (order
// cancellation), independent of each user's Supervisor session.
func New(cfg Config, ordersRepo *orders.Repository, services *servicemgr.Manager, adapter broker.Adapter, credentials func(userID string) broker.Credentials, log zerolog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		log:         log.With().Str("component", "httpapi").Logger(),
		orders:      ordersRepo,
		services:    services,
		broker:      adapter,
		credentials: credentials,
		sessions:    map[string]broker.Session{},
	}
	s.router = s.setupRoutes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// session returns a live broker session for userID, authenticating (or
// re-authenticating) exactly once if none is cached or the cached one is
// expired, mirroring Supervisor.session.
func (s *Server) session(ctx context.Context, userID string) (broker.Session, error) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	if sess, ok := s.sessions[userID]; ok && sess.Token != "" && !sess.Expired() {
		return sess, nil
	}

	sess, err := s.broker.Authenticate(ctx, s.credentials(userID))
	if err != nil {
		return broker.Session{}, fmt.Errorf("httpapi: authenticate %s: %w", userID, err)
	}
	s.sessions[userID] = sess
	return sess, nil
}

// Handler exposes the built router directly, for tests that drive it with
// httptest without going through ListenAndServe.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving on cfg.Addr until the process is stopped.
func (s *Server) ListenAndServe() error { return s.http.ListenAndServe() }

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }

func (s *Server) setupRoutes() http.Handler {
	r := chi.NewRouter()
	s.setupMiddleware(r)

	r.Get("/health", s.handleHealth)

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", s.handleListOrders)
		r.Get("/statistics", s.handleOrderStatistics)
		r.Post("/{userID}/{localID}/retry", s.handleRetryOrder)
		r.Delete("/{userID}/{localID}", s.handleCancelOrder)
	})

	r.Route("/services", func(r chi.Router) {
		r.Post("/{userID}/start", s.handleStartService)
		r.Post("/{userID}/stop", s.handleStopService)
		r.Post("/{userID}/run-once", s.handleRunOnce)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", s.handleGetSchedules)
		r.Put("/", s.handlePutSchedule)
	})

	return r
}

func (s *Server) setupMiddleware(r chi.Router) {
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if !s.cfg.DevMode {
		r.Use(middleware.Compress(5))
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
