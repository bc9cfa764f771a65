// Command requeue re-enqueues photos whose embeddings were never
// committed, for example after a redrive-policy exhaustion or a lost
// queue message.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/Shahir-47/grab-pic/internal/config"
	"github.com/Shahir-47/grab-pic/internal/models"
	"github.com/Shahir-47/grab-pic/internal/observability"
	"github.com/Shahir-47/grab-pic/internal/queue"
	"github.com/Shahir-47/grab-pic/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	limit := flag.Int("limit", 1000, "maximum number of photos to requeue")
	dryRun := flag.Bool("dry-run", false, "list candidates without publishing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	db, err := storage.NewPostgresStore(cfg.Database, cfg.Extractor.EmbeddingDim)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	ctx := context.Background()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Error("ensure nats streams", "error", err)
		os.Exit(1)
	}

	photos, err := db.ListUnprocessedPhotos(ctx, *limit)
	if err != nil {
		slog.Error("list unprocessed photos", "error", err)
		os.Exit(1)
	}

	if len(photos) == 0 {
		slog.Info("no unprocessed photos")
		return
	}

	requeued := 0
	for _, p := range photos {
		if *dryRun {
			slog.Info("would requeue", "photo_id", p.ID, "album_id", p.AlbumID)
			continue
		}
		task := models.PhotoTask{PhotoID: p.ID, StorageURL: p.StorageURL}
		if err := producer.PublishPhotoTask(ctx, task); err != nil {
			slog.Error("publish photo task", "photo_id", p.ID, "error", err)
			continue
		}
		requeued++
	}

	slog.Info("requeue complete", "candidates", len(photos), "requeued", requeued, "dry_run", *dryRun)
}
