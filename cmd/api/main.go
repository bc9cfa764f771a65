package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Shahir-47/grab-pic/internal/api"
	"github.com/Shahir-47/grab-pic/internal/api/handlers"
	"github.com/Shahir-47/grab-pic/internal/api/ws"
	"github.com/Shahir-47/grab-pic/internal/config"
	"github.com/Shahir-47/grab-pic/internal/extract"
	"github.com/Shahir-47/grab-pic/internal/guard"
	"github.com/Shahir-47/grab-pic/internal/matcher"
	"github.com/Shahir-47/grab-pic/internal/models"
	"github.com/Shahir-47/grab-pic/internal/observability"
	"github.com/Shahir-47/grab-pic/internal/queue"
	"github.com/Shahir-47/grab-pic/internal/storage"
	"github.com/Shahir-47/grab-pic/internal/vision"
	"github.com/Shahir-47/grab-pic/pkg/dto"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting grab-pic API service", "port", cfg.Server.Port)

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database, cfg.Extractor.EmbeddingDim)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureVectorIndex(context.Background()); err != nil {
		slog.Warn("ensure vector index", "error", err)
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.Ping(context.Background()); err != nil {
		slog.Warn("minio bucket check", "bucket", cfg.MinIO.Bucket, "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Broadcast processed-photo events to connected album views
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create event consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = consumer.ConsumeEvents(ctx, "api-events", func(ctx context.Context, msg jetstream.Msg) error {
		var event models.ProcessedEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			return err
		}

		hub.BroadcastEvent(&dto.WSEvent{
			Type:    "photo_processed",
			AlbumID: event.AlbumID,
			Data: dto.PhotoProcessed{
				PhotoID:    event.PhotoID,
				FacesFound: event.FacesFound,
			},
		})
		return nil
	})
	if err != nil {
		slog.Warn("start event consumer", "error", err)
	}

	// Embedding backend
	extractor, cleanup, err := buildExtractor(cfg.Extractor)
	if err != nil {
		slog.Error("init extractor", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	invoker := extract.NewInvoker(extractor, cfg.Extractor.Timeout)
	policy := matcher.PolicyFor(cfg.Search.HighRecall)
	search := matcher.New(invoker, db, policy)

	slog.Info("search policy",
		"threshold", policy.Threshold,
		"max_results", policy.MaxResults,
		"max_query_faces", policy.MaxQueryFaces,
		"enforce_detection", policy.EnforceDetection)

	// Handlers
	limiter := guard.NewRateLimiter(cfg.Guard.RateLimit, cfg.Guard.RateWindow)
	verifier := guard.NewTurnstileVerifier(cfg.Turnstile)
	searchHandler := handlers.NewSearchHandler(search, verifier, limiter, cfg.Guard)
	systemHandler := handlers.NewSystemHandler(map[string]handlers.Pinger{
		"postgres": db,
		"minio":    minioStore,
		"nats":     pingerFunc(func(context.Context) error { return producer.Ping() }),
	})

	router := api.NewRouter(searchHandler, systemHandler, hub)

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 4 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// buildExtractor selects the embedding backend from config: in-process
// ONNX models or the HTTP sidecar.
func buildExtractor(cfg config.ExtractorConfig) (extract.Extractor, func(), error) {
	if cfg.Mode == "remote" {
		slog.Info("using remote extractor", "endpoint", cfg.Endpoint)
		return extract.NewRemoteExtractor(cfg.Endpoint), func() {}, nil
	}

	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, nil, fmt.Errorf("init onnx runtime: %w", err)
	}

	local, err := vision.NewLocalExtractor(cfg)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, nil, err
	}

	slog.Info("using local extractor", "models_dir", cfg.ModelsDir)
	cleanup := func() {
		local.Close()
		ort.DestroyEnvironment()
	}
	return local, cleanup, nil
}

// getONNXLibPath returns the ONNX Runtime shared library path.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
