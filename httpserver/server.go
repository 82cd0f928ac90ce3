package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ruteri/apas-records-backend/api"
	"github.com/ruteri/apas-records-backend/authz"
	"github.com/ruteri/apas-records-backend/interfaces"
	"go.uber.org/atomic"
)

// RouteRegistrar is implemented by every API handler.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Pinger reports whether a dependency (the record store) is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpsGuard authorizes the operational endpoints.
type OpsGuard interface {
	RequireRole(ctx context.Context, allowed ...interfaces.Role) (authz.Grant, error)
}

type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv      *http.Server
	sessions func(http.Handler) http.Handler
	ops      OpsGuard
	pinger   Pinger
	handlers []RouteRegistrar
}

// New builds the server. sessions resolves the session identity of each
// request. ops admits administrators to the drain and profiling endpoints,
// which are not served at all when it is nil. pinger may be nil.
func New(cfg *api.HTTPServerConfig, sessions func(http.Handler) http.Handler, ops OpsGuard, pinger Pinger, handlers ...RouteRegistrar) (srv *Server, err error) {
	if sessions == nil {
		return nil, errors.New("session middleware is required")
	}

	srv = &Server{
		cfg:      cfg,
		log:      cfg.Log,
		sessions: sessions,
		ops:      ops,
		pinger:   pinger,
		handlers: handlers,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if srv.tlsEnabled() {
		srv.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler returns the root HTTP handler.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(srv.httpLogger)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   srv.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints
	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)

	mux.Group(func(r chi.Router) {
		r.Use(srv.sessions)

		if srv.ops != nil {
			r.Group(func(r chi.Router) {
				r.Use(srv.requireAdmin)
				r.Post("/drain", srv.handleDrain)
				r.Post("/undrain", srv.handleUndrain)

				if srv.cfg.EnablePprof {
					srv.log.Info("pprof API enabled")
					r.Mount("/debug", middleware.Profiler())
				}
			})
		}

		for _, h := range srv.handlers {
			h.RegisterRoutes(r)
		}
	})

	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := srv.ops.RequireRole(r.Context(), interfaces.RoleAdmin); err != nil {
			api.WriteError(w, r, srv.log, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	if srv.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := srv.pinger.Ping(ctx); err != nil {
			srv.log.Warn("Readiness check failed", "err", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"storage unavailable"}`))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Swap(false) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")

	go func() {
		// Give load balancers time to observe the change
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if srv.isReady.Swap(true) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) tlsEnabled() bool {
	return srv.cfg.TLSCertFile != "" && srv.cfg.TLSKeyFile != ""
}

func (srv *Server) RunInBackground() {
	go func() {
		var err error
		if srv.tlsEnabled() {
			srv.log.Info("Starting HTTPS server", "listenAddress", srv.cfg.ListenAddr)
			err = srv.srv.ListenAndServeTLS(srv.cfg.TLSCertFile, srv.cfg.TLSKeyFile)
		} else {
			srv.log.Warn("Starting HTTP server without TLS", "listenAddress", srv.cfg.ListenAddr)
			err = srv.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

func (srv *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}
}
