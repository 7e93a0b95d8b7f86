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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/logging"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/search"
	"github.com/mikeboe/deep-research/pkg/server"
	"github.com/mikeboe/deep-research/pkg/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	v, err := config.NewViper(os.Getenv("DEEP_RESEARCH_CONFIG"))
	if err != nil {
		slog.Error("Failed to read config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(v)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Format, cfg.Log.Level)
	logging.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	store, err := openStore(ctx, cfg.Server.DatabaseURL, logger)
	if err != nil {
		logger.Error("Failed to open job store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	cache, err := search.OpenCache(ctx, cfg.Provider)
	if err != nil {
		logger.Error("Failed to open search cache", "error", err)
		os.Exit(1)
	}

	svc := server.NewService(store, cfg.Provider, logger)
	if cache != nil {
		defer cache.Close()
		svc.Options = append(svc.Options, research.WithSearchCache(cache))
	}
	handler := server.NewHandler(svc)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS Setup
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"}, // Allow all for dev
		AllowMethods:     []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Mcp-Session-Id"},
		ExposeHeaders:    []string{"Content-Length", "Mcp-Session-Id"},
		AllowCredentials: true,
	}))

	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Server.Port, "selection", cfg.Provider.Describe())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
	// Running jobs use their own context and finish on their own.
	svc.Wait()
}

// openStore connects to Postgres when a database URL is configured and falls
// back to an in-memory store otherwise.
func openStore(ctx context.Context, databaseURL string, logger *slog.Logger) (database.Store, error) {
	if databaseURL == "" {
		logger.Warn("DATABASE_URL not set, jobs are kept in memory")
		return database.NewMemoryStore(), nil
	}

	db, err := database.NewPostgresDB(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
