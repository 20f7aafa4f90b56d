package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server is the fleetcmd control server: client submission API, agent
// coordination API, and the stale reclaimer.
type Server struct {
	cfg       *Config
	store     *Store
	log       zerolog.Logger
	router    *chi.Mux
	reclaimer *Reclaimer
}

// New creates a control server. Crash recovery runs here, before any
// request can be served: commands left RUNNING by a previous server
// process go back to PENDING.
func New(cfg *Config, db *sql.DB, log zerolog.Logger) (*Server, error) {
	store := NewStore(db)

	count, err := store.ReclaimCrashed(time.Now())
	if err != nil {
		return nil, err
	}
	if count > 0 {
		log.Warn().Int64("count", count).
			Msg("requeued commands left running by previous server instance")
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		log:       log.With().Str("component", "server").Logger(),
		reclaimer: NewReclaimer(store, log, cfg.CommandTimeout, cfg.StaleCheckInterval),
	}

	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/health", s.handleHealth)

	// Client API
	r.Post("/commands", s.handleSubmit)
	r.Get("/commands", s.handleListCommands)
	r.Get("/commands/{id}", s.handleGetCommand)

	// Agent API
	r.Route("/agent", func(r chi.Router) {
		r.Post("/fetch", s.handleFetch)
		r.Post("/result", s.handleResult)
		r.Post("/sync", s.handleSync)
		r.Post("/heartbeat", s.handleHeartbeat)
	})

	s.router = r
}

// Run starts the HTTP listener and the reclaimer, and blocks until the
// context is cancelled. Shutdown drains in-flight requests for up to 10
// seconds before forcing the listener closed.
func (s *Server) Run(ctx context.Context) error {
	reclaimCtx, cancelReclaim := context.WithCancel(ctx)
	defer cancelReclaim()
	go s.reclaimer.Run(reclaimCtx)

	srv := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("starting control server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down, draining requests")
	cancelReclaim()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("forcing listener closed after drain timeout")
		_ = srv.Close()
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Reclaimer returns the stale reclaimer (for testing).
func (s *Server) Reclaimer() *Reclaimer {
	return s.reclaimer
}
