// Package api serves the zenspace REST collaborators and the /socket
// real-time endpoint.
package api

import (
	"context"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/odvcencio/zenspace/pkg/auth"
	"github.com/odvcencio/zenspace/pkg/filetree"
	"github.com/odvcencio/zenspace/pkg/gate"
	"github.com/odvcencio/zenspace/pkg/logging"
	"github.com/odvcencio/zenspace/pkg/room"
	"github.com/odvcencio/zenspace/pkg/router"
	"github.com/odvcencio/zenspace/pkg/storage"
	"github.com/odvcencio/zenspace/pkg/telemetry"
)

const (
	defaultBindAddress       = "127.0.0.1:3000"
	defaultMessagesPerSecond = 10
	defaultMessageBurst      = 20
	defaultReadLimitBytes    = 1 << 20
	shutdownTimeout          = 5 * time.Second
)

// Config controls the listener and per-connection limits.
type Config struct {
	BindAddress       string
	AllowedOrigins    []string
	MaxConnections    int
	MessagesPerSecond float64
	MessageBurst      int
	ReadLimitBytes    int64
	PublicMetrics     bool
	CookieSecure      bool
}

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Store     *storage.Store
	Tokens    *auth.TokenManager
	Syncer    *filetree.Syncer
	Rooms     *room.Registry
	Router    *router.Router
	Generator router.Generator
	Logger    *logging.Logger
}

// Server is the zenspace HTTP server.
type Server struct {
	cfg    Config
	store  *storage.Store
	tokens *auth.TokenManager
	gate   *gate.Gate
	syncer *filetree.Syncer
	rooms  *room.Registry
	router *router.Router
	gen    router.Generator
	logger *logging.Logger
	conns  *connLimiter

	httpServer *http.Server
}

// NewServer wires a server and subscribes it to storage events so every
// successful file tree write is announced to the project's room.
func NewServer(cfg Config, deps Deps) *Server {
	if strings.TrimSpace(cfg.BindAddress) == "" {
		cfg.BindAddress = defaultBindAddress
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaultMessagesPerSecond
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = defaultMessageBurst
	}
	if cfg.ReadLimitBytes <= 0 {
		cfg.ReadLimitBytes = defaultReadLimitBytes
	}

	s := &Server{
		cfg:    cfg,
		store:  deps.Store,
		tokens: deps.Tokens,
		gate:   gate.New(deps.Tokens, deps.Store),
		syncer: deps.Syncer,
		rooms:  deps.Rooms,
		router: deps.Router,
		gen:    deps.Generator,
		logger: deps.Logger,
		conns:  newConnLimiter(cfg.MaxConnections),
	}
	if s.store != nil {
		s.store.AddObserver(storage.ObserverFunc(s.onStorageEvent))
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.securityHeadersMiddleware)

	r.Get("/healthz", s.handleHealthz)
	if s.cfg.PublicMetrics {
		r.Get("/metrics", s.handleMetrics)
	} else {
		r.With(s.authMiddleware).Get("/metrics", s.handleMetrics)
	}
	r.Get("/socket", s.handleSocket)

	r.Route("/users", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/profile", s.handleProfile)
			r.Get("/logout", s.handleLogout)
			r.Get("/all", s.handleListUsers)
		})
	})

	r.Route("/projects", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/create", s.handleCreateProject)
		r.Get("/all", s.handleListProjects)
		r.Put("/add-user", s.handleAddUsers)
		r.Put("/update-fileTree", s.handleUpdateFileTree)
		r.Get("/{projectId}", s.handleGetProject)
	})

	r.Route("/ai", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/get-result", s.handleAIResult)
	})

	// h2c lets websocket upgrades survive proxies that speak HTTP/2 cleartext.
	return h2c.NewHandler(r, &http2.Server{})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info(logging.CategoryHTTP, "listening", fmt.Sprintf("serving zenspace on %s", s.cfg.BindAddress), map[string]any{
			"bind": s.cfg.BindAddress,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// RunRevocationCleanup periodically drops revoked tokens that have expired
// anyway. It returns when ctx is cancelled.
func (s *Server) RunRevocationCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := s.store.CleanupExpiredRevocations(ctx, now.UTC())
			if err != nil {
				s.logger.Warn(logging.CategoryAuth, "revocation_cleanup_failed", err.Error(), nil)
				continue
			}
			if n > 0 {
				s.logger.Debug(logging.CategoryAuth, "revocation_cleanup", "expired revocations removed", map[string]any{"count": n})
			}
		}
	}
}

func (s *Server) onStorageEvent(e storage.Event) {
	if e.Type != storage.EventFileTreeSaved || s.rooms == nil {
		return
	}
	saved, ok := e.Data.(storage.FileTreeSaved)
	if !ok {
		return
	}
	s.rooms.BroadcastAll(e.ProjectID, room.NewEnvelope(router.EventFileTreeSaved, router.FileTreeSaved{
		ProjectID: e.ProjectID,
		Revision:  saved.Revision,
		Files:     saved.Files,
		SavedAt:   e.Timestamp.UTC(),
	}))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rooms":  len(s.rooms.Rooms()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	telemetry.Handler().ServeHTTP(w, r)
}
