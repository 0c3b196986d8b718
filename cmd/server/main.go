// Questline - gamified goal tracking API server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkoval/questline/internal/api"
	"github.com/dkoval/questline/internal/chat"
	"github.com/dkoval/questline/internal/config"
	"github.com/dkoval/questline/internal/gate"
	"github.com/dkoval/questline/internal/identity"
	"github.com/dkoval/questline/internal/middleware"
	"github.com/dkoval/questline/internal/pipeline"
	"github.com/dkoval/questline/internal/relay"
	"github.com/dkoval/questline/internal/skilltree"
	"github.com/dkoval/questline/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "relay_port", cfg.RelayPort, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Initialize services.
	chatSvc := chat.NewService(repo)
	engine := skilltree.NewEngine(repo)
	limiter := gate.NewLimiter(cfg.Quota)
	correlations := pipeline.NewCorrelationTable(cfg.Pipeline.CorrelationTTL)
	streams := pipeline.NewStreamRegistry()
	relaySrv := relay.New(cfg.Pipeline.KeepaliveInterval)
	dispatcher := pipeline.NewDispatcher(cfg.WebhookURL, cfg.CallbackBase, cfg.Pipeline.HistoryLimit, cfg.Pipeline.DispatchTimeout)

	if cfg.WebhookURL == "" {
		slog.Warn("AI_WEBHOOK_URL not set, chat dispatch will be dropped")
	}

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, chatSvc, engine)
	pipelineHandler := pipeline.NewHandler(chatSvc, engine, repo, dispatcher, correlations, streams, relaySrv, cfg.Pipeline)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	allowedOrigins := []string{"*"}
	if !cfg.IsDevelopment() {
		allowedOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(allowedOrigins))

	// The AI callback is called by the external workflow; it carries no
	// user identity and must not consume quota.
	r.Group(func(r chi.Router) {
		r.Post("/api/ai/webhook", pipelineHandler.HandleCallback)
	})

	// Identity-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo))
		baseHandler.RegisterRoutes(r)

		r.Route("/api/ai", func(r chi.Router) {
			r.With(gate.Middleware(limiter)).Post("/chat", pipelineHandler.HandleChat)
			r.With(gate.Middleware(limiter)).Post("/stream", pipelineHandler.HandleProxyStream)
			r.Get("/sse", pipelineHandler.HandleSSE)
		})
	})

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// The relay listens on its own port so socket traffic and the internal
	// notify endpoint stay off the public API listener.
	relayHTTP := &http.Server{
		Addr:        ":" + cfg.RelayPort,
		Handler:     relaySrv.Routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	correlations.StartSweep(ctx)
	limiter.StartEviction(ctx)
	slog.Info("Background sweepers started", "correlation_ttl", cfg.Pipeline.CorrelationTTL)

	// Start servers.
	go func() {
		slog.Info("Relay listening", "addr", relayHTTP.Addr)
		if err := relayHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Relay server failed", "error", err)
			os.Exit(1)
		}
	}()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := relayHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("Relay forced to shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
