package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/bot-auth-bridge/internal/bot"
	"github.com/dgellow/bot-auth-bridge/internal/bridge"
	"github.com/dgellow/bot-auth-bridge/internal/config"
	"github.com/dgellow/bot-auth-bridge/internal/conversation"
	"github.com/dgellow/bot-auth-bridge/internal/idp"
	"github.com/dgellow/bot-auth-bridge/internal/instrumentation"
	"github.com/dgellow/bot-auth-bridge/internal/log"
	"github.com/dgellow/bot-auth-bridge/internal/login"
	"github.com/dgellow/bot-auth-bridge/internal/resource"
	"github.com/dgellow/bot-auth-bridge/internal/server"
	"github.com/dgellow/bot-auth-bridge/internal/sessiontoken"
	"github.com/dgellow/bot-auth-bridge/internal/storage"
	"github.com/dgellow/bot-auth-bridge/internal/tokencache"
)

const shutdownTimeout = 30 * time.Second

// BotAuth is the complete bot authentication service
type BotAuth struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	storage    storage.Store
	limiter    *server.RateLimiter
}

// NewBotAuth builds the service and all its dependencies
func NewBotAuth(ctx context.Context, cfg config.Config) (*BotAuth, error) {
	log.LogInfoWithFields("botauth", "Building bot authentication service", map[string]any{
		"baseURL":   cfg.BaseURL,
		"authority": cfg.Authority,
		"storage":   string(cfg.Storage),
	})

	key, err := sessiontoken.ParsePrivateKey(string(cfg.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}
	codec, err := sessiontoken.NewCodec(key, sessiontoken.WithTTL(cfg.SessionTokenTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create session token codec: %w", err)
	}

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	tokens, err := idp.NewClient(idp.Config{
		Authority:    cfg.Authority,
		ClientID:     cfg.ClientID,
		ClientSecret: string(cfg.ClientSecret),
		AppResource:  cfg.AppResource,
	}, tokencache.NewPersisted(store, tokencache.DefaultKey))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create identity provider client: %w", err)
	}

	metrics, err := instrumentation.New(instrumentation.Config{Enabled: cfg.MetricsEnabled})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	transport := conversation.NewLogTransport()
	loginDialog := login.NewDialog(store, transport, codec, tokens, &login.Defaults{
		RedirectURL: cfg.RedirectURL(),
		Store:       store,
		Tokens:      tokens,
		Resources:   cfg.PreAuthResources,
	})
	resourceDialog := resource.NewDialog(store, transport, tokens, loginDialog, metrics)
	router := conversation.NewRouter(bot.New(loginDialog, resourceDialog, transport, store))

	var limiter *server.RateLimiter
	if cfg.CallbackRateLimit > 0 {
		limiter = server.NewRateLimiter(cfg.CallbackRateLimit, cfg.CallbackBurst)
	}

	routes := server.Routes{
		Callback: bridge.NewHandler(codec, router,
			bridge.WithTimeout(cfg.CallbackTimeout),
			bridge.WithRecorder(metrics),
			bridge.WithBaseURL(cfg.BaseURL),
		),
		CallbackPath: cfg.CallbackPath,
		Limiter:      limiter,
		ClientIP: server.ClientIPResolver{
			TrustProxy:        cfg.TrustProxy,
			TrustedProxyCount: cfg.TrustedProxyCount,
		},
		Observer: metrics,
	}
	if cfg.MessagesEnabled {
		log.LogWarnWithFields("botauth", "Development message endpoint enabled", map[string]any{
			"path": "/api/messages",
		})
		routes.Messages = server.NewMessagesHandler(router, transport)
		routes.MessagesSecret = string(cfg.MessagesSecret)
	}
	handler := server.NewMux(routes)

	return &BotAuth{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Addr),
		storage:    store,
		limiter:    limiter,
	}, nil
}

// Handler returns the HTTP handler serving every route
func (b *BotAuth) Handler() http.Handler {
	return b.handler
}

// Run serves until SIGINT, SIGTERM or a server error, then shuts down
func (b *BotAuth) Run() error {
	log.LogInfoWithFields("botauth", "Starting bot authentication service", map[string]any{
		"addr":         b.config.Addr,
		"redirect_url": b.config.RedirectURL(),
	})

	errChan := make(chan error, 1)
	go func() {
		if err := b.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("botauth", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("botauth", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	return b.Shutdown(shutdownReason)
}

// Shutdown stops the HTTP server and releases storage
func (b *BotAuth) Shutdown(reason string) error {
	log.LogInfoWithFields("botauth", "Starting graceful shutdown", map[string]any{
		"reason":  reason,
		"timeout": shutdownTimeout.String(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := b.httpServer.Stop(ctx); err != nil {
		log.LogErrorWithFields("botauth", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	if b.limiter != nil {
		b.limiter.Stop()
	}
	if err := b.storage.Close(); err != nil {
		log.LogWarnWithFields("botauth", "Failed to close storage", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("botauth", "Shutdown complete", map[string]any{
		"reason": reason,
	})
	return nil
}

// setupStorage opens the configured store
func setupStorage(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.Storage {
	case config.StorageFirestore:
		store, err := storage.NewFirestoreStorage(ctx, cfg.GCPProject, cfg.FirestoreDatabase, cfg.FirestoreCollection)
		if err != nil {
			return nil, fmt.Errorf("failed to create Firestore storage: %w", err)
		}
		return store, nil
	case config.StorageSQLite:
		store, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite storage: %w", err)
		}
		return store, nil
	}

	log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{})
	return storage.NewMemoryStorage(), nil
}
