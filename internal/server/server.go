// Package server provides HTTP server initialization and lifecycle
// management for the sessiond REST API.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/sessiond/internal/config"
	"github.com/scrypster/sessiond/internal/session"
	"github.com/scrypster/sessiond/web/handlers"
)

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start initializes and starts the HTTP server. It returns the actual
// address being listened on (useful for testing with port 0) and the
// WebSocketHub for wiring lifecycle event broadcasts. The server shuts down
// gracefully when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, manager *session.Manager) (string, *handlers.WebSocketHub, error) {
	mux := http.NewServeMux()

	wsHub := handlers.NewWebSocketHub()
	go wsHub.Run()

	rateLimiter := handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)

	sessionHandlers := handlers.NewSessionHandlers(manager, wsHub)

	// Session lifecycle routes. Literal segments take precedence over
	// wildcards in the mux, so /api/sessions/merge and /api/sessions/search
	// never collide with /api/sessions/{id}.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/sessions", sessionHandlers.CreateSession)
	apiMux.HandleFunc("GET /api/sessions", sessionHandlers.ListSessions)
	apiMux.HandleFunc("GET /api/sessions/search", sessionHandlers.SearchSessions)
	apiMux.HandleFunc("POST /api/sessions/merge", sessionHandlers.MergeSessions)
	apiMux.HandleFunc("GET /api/sessions/{id}", sessionHandlers.GetSession)
	apiMux.HandleFunc("PUT /api/sessions/{id}", sessionHandlers.UpdateSession)
	apiMux.HandleFunc("DELETE /api/sessions/{id}", sessionHandlers.DeleteSession)
	apiMux.HandleFunc("POST /api/sessions/{id}/compress", sessionHandlers.CompressSession)

	// Health endpoint — no auth required, used by monitoring.
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Everything else under /api/ requires auth in production mode.
	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg))

	// WebSocket lifecycle event feed.
	mux.Handle("/ws", wsHub)

	handler := handlers.RateLimitMiddleware(mux, rateLimiter)
	handler = securityHeadersMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		wsHub.Stop()
		return "", nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	actualAddr := listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		wsHub.Stop()
	}()

	return actualAddr, wsHub, nil
}
