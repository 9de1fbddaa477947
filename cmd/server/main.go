package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/alzheimers-api/internal/artifacts"
	"github.com/Brownie44l1/alzheimers-api/internal/audit"
	"github.com/Brownie44l1/alzheimers-api/internal/config"
	"github.com/Brownie44l1/alzheimers-api/internal/handlers"
	"github.com/Brownie44l1/alzheimers-api/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	var envFile string
	flag.StringVar(&envFile, "env", "", "path to load env from")
	flag.Parse()

	cfg, err := config.Load(envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	slog.SetDefault(cfg.Logger())

	if err := run(cfg); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// run owns every resource opened at startup so that their deferred cleanup
// happens before main exits, including on error.
func run(cfg *config.Config) error {
	var store handlers.PredictionStore
	if cfg.AuditDBPath != "" {
		auditStore, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		defer auditStore.Close()
		store = auditStore
		slog.Info("prediction history enabled", "path", cfg.AuditDBPath)
	}

	if cfg.ModelS3Bucket != "" {
		fetchModels(cfg)
	}

	slog.Info("loading models", "csv", cfg.CSVModelPath(), "image", cfg.ImageModelPath())
	models := model.LoadModels(cfg.OnnxRuntimeLib, cfg.CSVModelPath(), cfg.ImageModelPath())
	defer models.Close()

	// Only non-nil models are handed over, so a missing model stays a nil interface.
	var tabular handlers.TabularPredictor
	if models.Tabular != nil {
		tabular = models.Tabular
	}
	var imageModel handlers.ImagePredictor
	if models.Image != nil {
		imageModel = models.Image
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	handler := handlers.NewHandler(tabular, imageModel, store, cfg.MaxUploadBytes)
	handler.AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
	}()

	slog.Info("server starting", "port", cfg.Port, "csv_model", tabular != nil, "image_model", imageModel != nil)
	slog.Info("endpoints",
		"root", "GET /",
		"health", "GET /health",
		"csv", "POST /predict/csv",
		"image", "POST /predict/image",
		"history", "GET /predictions")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("could not listen on %s: %w", cfg.Port, err)
	}

	slog.Info("server stopped")
	return nil
}

// fetchModels pulls any model artifacts missing from the model directory.
// Failures only degrade the affected endpoint, like a missing local file.
func fetchModels(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client, err := artifacts.NewS3Client(ctx, artifacts.Config{
		S3EndpointURL:     cfg.S3EndpointURL,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3Region:          cfg.S3Region,
	})
	if err != nil {
		slog.Error("failed to create S3 client, using local models only", "error", err)
		return
	}

	fetcher := artifacts.NewFetcher(client, cfg.ModelS3Bucket, cfg.ModelS3Prefix)
	files := []string{
		cfg.CSVModelFile, model.MetadataFile(cfg.CSVModelFile),
		cfg.ImageModelFile, model.MetadataFile(cfg.ImageModelFile),
	}
	if err := fetcher.FetchMissing(ctx, cfg.ModelDir, files...); err != nil {
		slog.Error("failed to fetch some model artifacts", "bucket", cfg.ModelS3Bucket, "error", err)
	}
}
