// Package server assembles the HTTP API over the job registry: job
// submission and lifecycle, log retrieval and streaming, reports and
// environment checks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/packmirror/packmirror/internal/errors"
	"github.com/packmirror/packmirror/internal/server/handlers"
	"github.com/packmirror/packmirror/internal/server/middleware"
	"github.com/packmirror/packmirror/pkg/broker"
	"github.com/packmirror/packmirror/pkg/catalog"
	"github.com/packmirror/packmirror/pkg/jobs"
)

// Config carries the listener settings.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Deps are the collaborators the API needs.
type Deps struct {
	Registry *jobs.Registry
	Broker   *broker.Broker
	Catalog  *catalog.Catalog
	Log      *zap.Logger
	Version  handlers.VersionInfo
}

type Server struct {
	cfg    Config
	log    *zap.Logger
	router chi.Router
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	api := handlers.New(handlers.Deps{
		Registry: deps.Registry,
		Broker:   deps.Broker,
		Catalog:  deps.Catalog,
		Log:      log,
		Version:  deps.Version,
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recoverer(log))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		handlers.WriteError(w, req, apperrors.New(apperrors.KindNotFound, "no route for %s", req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		handlers.WriteError(w, req, apperrors.New(apperrors.KindMethodNotAllowed, "method %s not allowed on %s", req.Method, req.URL.Path))
	})

	r.Get("/health", api.Health)
	r.Get("/healthz", api.Health)
	r.Get("/version", api.Version)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/components", api.ListComponents)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", api.CreateJob)
			r.Get("/", api.ListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", api.GetJob)
				r.Delete("/", api.StopJob)
				r.Patch("/", api.DismissJob)
				r.Post("/retry", api.RetryJob)
				r.Get("/logs", api.GetLogs)
				r.Get("/logs/stream", api.StreamLogs)
				r.Get("/report", api.GetReport)
				r.Get("/manifest", api.GetManifest)
			})
		})
	})

	return &Server{cfg: cfg, log: log, router: r}
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then drains within the
// configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
		// Log streaming holds response writers open indefinitely, so
		// only the read side gets a timeout.
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
