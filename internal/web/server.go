// Package web exposes the HTTP surface: login, catalog, code execution,
// session records, and the websocket upgrade for the orchestrator.
package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/joestump/algotutor/internal/auth"
	"github.com/joestump/algotutor/internal/catalog"
	"github.com/joestump/algotutor/internal/config"
	"github.com/joestump/algotutor/internal/executor"
	"github.com/joestump/algotutor/internal/store"
	"github.com/joestump/algotutor/internal/ws"
)

// maxBodyBytes bounds JSON request bodies; oversize payloads get a 413.
const maxBodyBytes = 64 * 1024

// loginRateLimit caps login attempts per client address.
const (
	loginRateLimit  = 5
	loginRateWindow = time.Minute
)

// Server is the HTTP server for the tutor API.
type Server struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   *store.Store
	history *store.History
	catalog *catalog.Catalog
	exec    *executor.Executor
	tokens  *auth.TokenStore
	wsh     *ws.Handler

	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader
}

// New assembles the server and its routes.
func New(cfg *config.Config, st *store.Store, hist *store.History, cat *catalog.Catalog, exec *executor.Executor, tokens *auth.TokenStore, wsh *ws.Handler, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "web").Logger(),
		store:   st,
		history: hist,
		catalog: cat,
		exec:    exec,
		tokens:  tokens,
		wsh:     wsh,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API is same-origin in deployment; the browser client is
			// served from the same host.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket and long runs need no write timeout
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	loginLimiter := httprate.Limit(loginRateLimit, loginRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP))
	s.mux.Handle("POST /api/login", loginLimiter(http.HandlerFunc(s.handleLogin)))

	s.mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/problems", s.requireAuth(s.handleListProblems))
	s.mux.HandleFunc("GET /api/problems/{id}", s.requireAuth(s.handleGetProblem))

	s.mux.HandleFunc("POST /api/run", s.requireAuth(s.handleRun))
	s.mux.HandleFunc("POST /api/submit", s.requireAuth(s.handleSubmit))

	s.mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	s.mux.HandleFunc("GET /api/sessions/latest-resumable", s.requireAuth(s.handleLatestResumable))
	s.mux.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleDeleteSession))

	s.mux.HandleFunc("GET /ws", s.handleWebsocket)
}

// requireAuth checks the bearer token on API routes. With auth disabled
// every request passes.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.tokens.Required() {
			token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !s.tokens.Validate(token) {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next(w, r)
	}
}

// handleWebsocket upgrades the connection and hands it to the
// orchestrator. Authentication happens in-band as the first message.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	go func() {
		defer conn.Close()
		s.wsh.HandleConn(conn)
	}()
}

// Start begins serving HTTP requests. It blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
