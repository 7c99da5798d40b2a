package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dgellow/bot-auth-bridge/internal/log"
)

// HTTPServer manages the HTTP server lifecycle
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer creates a new HTTP server with the given handler and address
func NewHTTPServer(handler http.Handler, addr string) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// HealthHandler handles health check requests
type HealthHandler struct{}

// NewHealthHandler creates a new health handler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// ServeHTTP implements http.Handler for health checks
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Routes are the endpoints served by the bot.
type Routes struct {
	// Callback is the login redirect target served at CallbackPath.
	Callback     http.Handler
	CallbackPath string
	// Messages is the optional development chat endpoint. It is only
	// reachable with MessagesSecret as a bearer token.
	Messages       http.Handler
	MessagesSecret string
	// Limiter throttles Callback per client; nil disables it.
	Limiter  *RateLimiter
	ClientIP ClientIPResolver
	Observer RateLimitObserver
}

// NewMux builds the request router with the standard middleware.
func NewMux(routes Routes) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", NewHealthHandler())

	mux.Handle(routes.CallbackPath, ChainMiddleware(routes.Callback,
		NewSecurityHeadersMiddleware(),
		NewRateLimitMiddleware(routes.Limiter, routes.ClientIP, routes.Observer),
	))

	if routes.Messages != nil {
		mux.Handle("/api/messages", ChainMiddleware(routes.Messages,
			NewBearerAuthMiddleware(routes.MessagesSecret),
		))
	}

	return ChainMiddleware(mux,
		NewRecoverMiddleware("http"),
		NewLoggerMiddleware("http"),
	)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	log.LogInfoWithFields("http", "HTTP server starting", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	log.LogInfoWithFields("http", "HTTP server stopping", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.LogInfoWithFields("http", "HTTP server stopped", map[string]any{
		"addr": h.server.Addr,
	})
	return nil
}
