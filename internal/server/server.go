// Package server exposes the agent over HTTP: JWT-protected chat and
// file endpoints on a chi router, plus the auth flows that mint and
// refresh tokens.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"baagent/internal/agent"
	"baagent/internal/config"
	"baagent/internal/filestore"
	"baagent/internal/logging"
	"baagent/internal/types"
)

type contextKey string

const userContextKey contextKey = "user"

// Server wires the HTTP surface around the agent and the file store.
type Server struct {
	cfg    config.ServerConfig
	auth   *AuthService
	agent  *agent.Agent
	store  *filestore.Store
	router chi.Router
	log    *logging.Logger
}

// New builds the server and its route table.
func New(cfg config.ServerConfig, auth *AuthService, ag *agent.Agent, store *filestore.Store) *Server {
	s := &Server{
		cfg:   cfg,
		auth:  auth,
		agent: ag,
		store: store,
		log:   logging.Get(logging.CategoryAPI),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", s.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/me", s.handleMe)
			r.Post("/logout", s.handleLogout)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/chat", s.handleChat)
		r.Get("/conversations/{id}", s.handleConversation)
		r.Post("/files", s.handleUpload)
		r.Get("/files", s.handleListFiles)
		r.Get("/files/{category}/{id}", s.handleFetchFile)
		r.Delete("/files/{category}/{id}", s.handleDeleteFile)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down within the
// configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return types.WrapErr(types.KindInternal, "http server", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := time.Duration(s.cfg.ShutdownTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// requestLogger logs each request with its latency and status.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("%s %s -> %d (%v)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// requireAuth validates the Bearer access token and attaches the user
// to the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.auth.Validate(token, "access")
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		user, ok := s.auth.UserByID(claims.Subject)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unknown user")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) *User {
	u, _ := r.Context().Value(userContextKey).(*User)
	return u
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
