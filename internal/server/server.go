// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/llmui/internal/attachment"
	"github.com/jeranaias/llmui/internal/config"
	"github.com/jeranaias/llmui/internal/conversation"
	"github.com/jeranaias/llmui/internal/markdown"
	"github.com/jeranaias/llmui/internal/ollama"
	"github.com/jeranaias/llmui/internal/transcoder"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// ShutdownTimeout bounds how long Run waits for open requests on exit.
	ShutdownTimeout = 5 * time.Second

	// HealthTimeout bounds the backend probe made by /health.
	HealthTimeout = 2 * time.Second

	// ClientCookie names the cookie carrying the client id in cookie mode.
	ClientCookie = "llmui_client"
)

//go:embed assets
var assets embed.FS

var pageTemplate = template.Must(template.ParseFS(assets, "assets/index.html"))

// ============================================================================
// BACKEND
// ============================================================================

// Backend is the part of the Ollama API the server needs.
// *ollama.Client implements it.
type Backend interface {
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
	ListRunning(ctx context.Context) ([]ollama.RunningModel, error)
	Show(ctx context.Context, model string) (*ollama.ShowModelResponse, error)
	Version(ctx context.Context) (string, error)
	ChatStream(ctx context.Context, req ollama.ChatRequest, callback ollama.StreamCallback) error
	Host() (hostname, port string)
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP front end: the chat page, its JSON helpers, and the
// /query-llm event stream.
type Server struct {
	backend Backend
	store   *conversation.Store
	staging *attachment.Staging
	logger  *zap.Logger

	router  *http.ServeMux
	handler http.Handler

	// Guarded by mu and replaced by ApplyConfig.
	mu        sync.RWMutex
	cfg       *config.Config
	limiter   *RateLimiter
	proxies   *ProxyList
	renderer  transcoder.Renderer
	chromaCSS []byte
	server    *http.Server
}

// New builds a Server from cfg. A nil logger disables logging.
func New(cfg *config.Config, backend Backend, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		backend: backend,
		store:   conversation.NewStore(contextPolicy(cfg), logger.Named("context")),
		staging: attachment.New(stagingOptions(cfg), logger.Named("attachment")),
		logger:  logger,
		router:  http.NewServeMux(),
	}
	if err := s.apply(cfg); err != nil {
		return nil, err
	}

	s.setupRoutes()
	s.handler = Chain(
		RecoveryMiddleware(logger),
		SecurityHeadersMiddleware(),
		s.identityMiddleware,
		LoggingMiddleware(logger),
		s.rateLimitMiddleware,
	)(s.router)

	return s, nil
}

func contextPolicy(cfg *config.Config) conversation.Policy {
	return conversation.Policy{
		MaxMessages:   cfg.Context.MaxMessages,
		IdleTTL:       cfg.Context.IdleTTL.Duration,
		SweepInterval: cfg.Context.SweepInterval.Duration,
	}
}

func stagingOptions(cfg *config.Config) attachment.Options {
	return attachment.Options{
		Dir:      cfg.Attachments.Dir,
		MaxBytes: cfg.Attachments.MaxBytes,
		MaxFiles: cfg.Attachments.MaxFiles,
		Shared:   cfg.Attachments.SharedQueue,
	}
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Store returns the conversation store.
func (s *Server) Store() *conversation.Store {
	return s.store
}

// Staging returns the attachment staging area.
func (s *Server) Staging() *attachment.Staging {
	return s.staging
}

// Config returns the active configuration.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyConfig switches a running server to cfg. Everything applies at once
// except the listen address, the Ollama URL and the attachment directory,
// which are fixed for the life of the Server. On error nothing changes.
func (s *Server) ApplyConfig(cfg *config.Config) error {
	if err := s.apply(cfg); err != nil {
		return err
	}
	s.logger.Info("CONFIG_APPLIED",
		zap.String("identity", cfg.Context.Identity),
		zap.Int("max_messages", cfg.Context.MaxMessages),
		zap.Duration("idle_ttl", cfg.Context.IdleTTL.Duration),
		zap.Float64("rate_limit", cfg.Server.RateLimit),
		zap.Int64("max_bytes", cfg.Attachments.MaxBytes),
		zap.String("code_style", cfg.UI.CodeStyle),
	)
	return nil
}

func (s *Server) apply(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	proxies, err := ParseProxyList(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	css, err := markdown.CSS(cfg.UI.CodeStyle)
	if err != nil {
		return fmt.Errorf("build code stylesheet: %w", err)
	}

	s.store.SetPolicy(contextPolicy(cfg))
	s.staging.SetOptions(stagingOptions(cfg))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil || s.cfg.UI.CodeStyle != cfg.UI.CodeStyle {
		s.renderer = markdown.NewHTMLRenderer(cfg.UI.CodeStyle)
		s.chromaCSS = []byte(css)
	}
	switch {
	case cfg.Server.RateLimit <= 0:
		s.limiter = nil
	case s.limiter == nil:
		s.limiter = NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	default:
		s.limiter.SetLimit(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	s.proxies = proxies
	s.cfg = cfg
	return nil
}

// Renderer returns the markdown renderer for the configured code style.
func (s *Server) Renderer() transcoder.Renderer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renderer
}

// Limiter returns the active rate limiter, or nil when limiting is off.
func (s *Server) Limiter() *RateLimiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiter
}

// ============================================================================
// RELOADABLE MIDDLEWARE
// ============================================================================

// identityMiddleware resolves client keys with the current identity mode
// and trusted proxies.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		mode, proxies := s.cfg.Context.Identity, s.proxies
		s.mu.RUnlock()
		ClientIdentityMiddleware(mode, proxies)(next).ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces the current rate limit.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RateLimitMiddleware(s.Limiter(), s.logger)(next).ServeHTTP(w, r)
	})
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Page and assets
	s.router.HandleFunc("GET /{$}", s.handle(s.handleIndex))
	s.router.HandleFunc("GET /index.js", s.handleScript)
	s.router.HandleFunc("GET /public/chroma.css", s.handleChromaCSS)
	public, _ := fs.Sub(assets, "assets/public")
	s.router.Handle("GET /public/", http.StripPrefix("/public/", http.FileServerFS(public)))

	// Model information
	s.router.HandleFunc("GET /probe-model", s.handle(s.handleProbeModel))
	s.router.HandleFunc("GET /list-models", s.handle(s.handleListModels))
	s.router.HandleFunc("GET /list-running-models", s.handle(s.handleListRunning))
	s.router.HandleFunc("GET /get-version", s.handle(s.handleVersion))

	// Chat
	s.router.HandleFunc("GET /query-llm", s.handle(s.handleQuery))
	s.router.HandleFunc("POST /register-attachment", s.handle(s.handleRegisterAttachment))
	s.router.HandleFunc("POST /clear-context", s.handle(s.handleClearContext))

	s.router.HandleFunc("GET /health", s.handleHealth)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Config().Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// Open event streams are cancelled with ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	cfg := s.Config()
	go s.store.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	host, port := s.backend.Host()
	s.logger.Info("SERVER_START",
		zap.String("addr", ln.Addr().String()),
		zap.String("ollama", net.JoinHostPort(host, port)),
		zap.String("identity", cfg.Context.Identity),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops the server and deletes any attachments nobody consumed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()

	s.logger.Info("SERVER_SHUTDOWN")

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			err = srv.Close()
		}
	}
	if n := s.staging.Purge(); n > 0 {
		s.logger.Info("ATTACHMENTS_PURGED", zap.Int("count", n))
	}
	return err
}
