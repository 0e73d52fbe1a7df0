package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/openatlas/trail/internal/api"
	"github.com/openatlas/trail/internal/auth"
	"github.com/openatlas/trail/internal/config"
	"github.com/openatlas/trail/internal/db"
	"github.com/openatlas/trail/internal/export"
	"github.com/openatlas/trail/internal/historyloader"
	"github.com/openatlas/trail/internal/ingestion"
	"github.com/openatlas/trail/internal/middleware"
	"github.com/openatlas/trail/internal/registry"
	"github.com/openatlas/trail/internal/repository"
	"github.com/openatlas/trail/internal/tracker"
	"github.com/openatlas/trail/internal/wiki"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(".")
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	conn, err := db.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.Database, cfg.Migrations, logger); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	reg := registry.New()
	if err := wiki.RegisterAll(reg); err != nil {
		logger.Fatal("failed to register entity types", zap.Error(err))
	}

	stores := repository.NewPgxStores(conn)
	engine := tracker.New(reg, stores, cfg.Tracker, logger)
	loader := historyloader.NewHistoryLoader(stores.View().History)

	exportService := export.NewService(engine)
	ingestionService := ingestion.NewService(engine)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	logRequests := middleware.LoggingMiddleware(logger)
	wrap := func(h http.Handler) http.Handler {
		return corsHandler.Handler(logRequests(auth.Middleware(h)))
	}

	mux := http.NewServeMux()
	mux.Handle("/", wrap(api.NewHTTPHandler(engine, loader)))
	mux.Handle("/exports/history", wrap(export.NewHTTPHandler(exportService, stores)))
	mux.Handle("/ingestion", wrap(ingestion.NewHTTPHandler(ingestionService)))

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}
