package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Shahir-47/grab-pic/internal/config"
	"github.com/Shahir-47/grab-pic/internal/extract"
	"github.com/Shahir-47/grab-pic/internal/observability"
	"github.com/Shahir-47/grab-pic/internal/queue"
	"github.com/Shahir-47/grab-pic/internal/storage"
	"github.com/Shahir-47/grab-pic/internal/vision"
	"github.com/Shahir-47/grab-pic/internal/worker"
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

	slog.Info("starting grab-pic ingestion worker",
		"extractor_mode", cfg.Extractor.Mode,
		"cpu_cores", runtime.NumCPU(),
	)

	// Embedding backend
	extractor, cleanup, err := buildExtractor(cfg.Extractor)
	if err != nil {
		slog.Error("init extractor", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	invoker := extract.NewInvoker(extractor, cfg.Extractor.Timeout)

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
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := consumer.SubscribePhotos(ctx, "photo-workers"); err != nil {
		slog.Error("subscribe to photo stream", "error", err)
		os.Exit(1)
	}

	w := worker.New(db, minioStore, invoker, producer, cfg.Guard.MaxPixels)

	go w.Run(ctx, consumer)
	slog.Info("ingestion loop started")

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("worker metrics listening", "addr", ":8082")
		if err := http.ListenAndServe(":8082", mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Periodically report queue depth
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
			}
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel()
	time.Sleep(2 * time.Second)
	slog.Info("worker stopped")
}

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

// getONNXLibPath returns the ONNX Runtime shared library path
// based on the operating system.
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
