// The Bhakti Vault chat gateway server.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/TBVault/tbv-frontend-sub000/internal/api"
	"github.com/TBVault/tbv-frontend-sub000/internal/chat"
	"github.com/TBVault/tbv-frontend-sub000/internal/config"
	"github.com/TBVault/tbv-frontend-sub000/internal/identity"
	"github.com/TBVault/tbv-frontend-sub000/internal/middleware"
	"github.com/TBVault/tbv-frontend-sub000/internal/store"
	"github.com/TBVault/tbv-frontend-sub000/internal/transcript"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "chat_backend", cfg.ChatBackendURL)

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

	backend, err := chat.NewHTTPBackend(cfg.ChatBackendURL, nil, identity.ContextTokenSource{})
	if err != nil {
		slog.Error("Failed to initialize chat backend", "error", err)
		os.Exit(1)
	}

	assembler := chat.NewAssembler(backend,
		chat.WithLogger(slog.Default()),
		chat.WithStore(repo),
		chat.WithTopicHandler(api.SessionTitleHandler(repo, slog.Default())),
	)

	transcripts, err := transcript.NewClient(cfg.TranscriptServiceURL, nil, identity.ContextTokenSource{}, cfg.TranscriptCacheSize)
	if err != nil {
		slog.Error("Failed to initialize transcript client", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	apiHandler := api.NewHandler(assembler, repo, transcripts, cfg)
	defer apiHandler.Close()
	healthHandler := api.NewHealthHandler(repo, assembler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Authenticated chat, transcript and WebSocket routes.
	apiHandler.RegisterRoutes(r)

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	assembler.StartEvictionWorker(ctx, cfg.Session.SweepInterval, cfg.Session.IdleTTL, nil)

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
