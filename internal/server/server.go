// Package server exposes the HTTP and WebSocket surface: conversations,
// file scanning, diagram rendering, shell sessions, and the tool-call
// protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/codecanvas/codecanvas/internal/config"
	"github.com/codecanvas/codecanvas/internal/conversation"
	"github.com/codecanvas/codecanvas/internal/diagram"
	"github.com/codecanvas/codecanvas/internal/events"
	"github.com/codecanvas/codecanvas/internal/llm"
	"github.com/codecanvas/codecanvas/internal/prompts"
	"github.com/codecanvas/codecanvas/internal/scanner"
	"github.com/codecanvas/codecanvas/internal/shell"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Deps are the wired subsystems the server routes to.
type Deps struct {
	Conversations *conversation.Registry
	Scanner       *scanner.Scanner
	Diagrams      *diagram.Service
	Shells        *shell.Manager
	Prompts       *prompts.Library
	Events        *events.Log
	ToolsGateway  *llm.Gateway // default-config gateway backing the tool surface
}

// Server is the HTTP listener plus all route handlers.
type Server struct {
	cfg  *config.Config
	deps Deps
	http *http.Server
}

// New builds the server around cfg and its subsystems.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler assembles the route mux with logging and rate limiting applied.
// WebSocket upgrades bypass the limiter; a long-lived socket is one request.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	conv := &ConversationsHandler{
		sessions: s.deps.Conversations,
		defaults: s.cfg.LLM,
	}
	conv.RegisterRoutes(mux)

	files := &FilesHandler{
		scanner:       s.deps.Scanner,
		workspaceRoot: s.cfg.WorkspaceRoot(),
		maxContext:    s.cfg.Scanner.MaxContextBytes,
	}
	files.RegisterRoutes(mux)

	diagrams := &DiagramsHandler{svc: s.deps.Diagrams, events: s.deps.Events}
	diagrams.RegisterRoutes(mux)

	shells := &ShellHandler{
		mgr:            s.deps.Shells,
		allowedOrigins: s.cfg.Server.AllowedOrigins,
	}
	shells.RegisterRoutes(mux)

	tools := NewToolsHandler(s.deps.ToolsGateway, s.deps.Diagrams, s.deps.Prompts,
		s.cfg.LLM.DefaultModel, s.cfg.Server.AllowedOrigins)
	tools.RegisterRoutes(mux)

	// Rendered diagram SVGs live under the static dir; the download endpoints
	// add the name checks, this serves embedded <img> references.
	mux.Handle("GET /static/", http.StripPrefix("/static/",
		http.FileServer(http.Dir(s.cfg.Server.StaticDir))))

	var h http.Handler = mux
	if s.cfg.Server.RateLimitRPM > 0 {
		h = rateLimit(h, s.cfg.Server.RateLimitRPM)
	}
	return logRequests(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades hijack the connection; wrapping the writer
		// would hide the Hijacker interface from gorilla.
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start).Round(time.Millisecond))
	})
}

// rateLimit applies a per-client token bucket keyed by remote IP.
func rateLimit(next http.Handler, rpm int) http.Handler {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
	)

	// Drop buckets for clients quiet longer than 10 minutes.
	go func() {
		for range time.Tick(time.Minute) {
			mu.Lock()
			for ip, c := range clients {
				if time.Since(c.lastSeen) > 10*time.Minute {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		mu.Lock()
		c, ok := clients[ip]
		if !ok {
			c = &client{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm)}
			clients[ip] = c
		}
		c.lastSeen = time.Now()
		mu.Unlock()

		if !c.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
