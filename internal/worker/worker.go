// Package worker consumes the photo-task queue and persists face
// embeddings, one message at a time.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Shahir-47/grab-pic/internal/extract"
	"github.com/Shahir-47/grab-pic/internal/guard"
	"github.com/Shahir-47/grab-pic/internal/models"
	"github.com/Shahir-47/grab-pic/internal/observability"
	"github.com/Shahir-47/grab-pic/internal/queue"
)

// PhotoStore is the slice of the relational store the worker needs.
type PhotoStore interface {
	GetPhoto(ctx context.Context, id uuid.UUID) (*models.Photo, error)
	MarkProcessed(ctx context.Context, photoID uuid.UUID) error
	CommitPhotoEmbeddings(ctx context.Context, photoID uuid.UUID, embeddings []models.PhotoEmbedding) error
}

// ObjectFetcher downloads photo bytes to a local scratch path.
type ObjectFetcher interface {
	FetchToFile(ctx context.Context, key, destPath string) error
}

// Embedder extracts face embeddings under a deadline.
type Embedder interface {
	Extract(ctx context.Context, imagePath string, enforceDetection bool) ([]extract.Face, error)
}

// Notifier publishes processed-photo events. May be nil.
type Notifier interface {
	PublishProcessed(ctx context.Context, event interface{}) error
}

// Disposition tells the queue loop what to do with the message.
type Disposition int

const (
	// Ack removes the message: the unit of work completed, or the photo
	// was deliberately contained (poison pill).
	Ack Disposition = iota
	// Skip drops the message without a success ack: the photo no longer
	// exists, or the payload can never parse.
	Skip
	// Retry leaves the message unacknowledged so the visibility timeout
	// redelivers it.
	Retry
)

type Worker struct {
	store      PhotoStore
	fetcher    ObjectFetcher
	embedder   Embedder
	notifier   Notifier
	maxPixels  int64
	scratchDir string
}

func New(store PhotoStore, fetcher ObjectFetcher, embedder Embedder, notifier Notifier, maxPixels int64) *Worker {
	return &Worker{
		store:      store,
		fetcher:    fetcher,
		embedder:   embedder,
		notifier:   notifier,
		maxPixels:  maxPixels,
		scratchDir: os.TempDir(),
	}
}

// Run is the sequential consumer loop: long-poll one message, process
// it, decide its fate, repeat. One inference call and one transaction
// in flight at a time; a failing message never halts the loop.
func (w *Worker) Run(ctx context.Context, consumer *queue.Consumer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("fetch photo task", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg jetstream.Msg) {
	var task models.PhotoTask
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		// A malformed payload never parses better on redelivery.
		slog.Error("unmarshal photo task", "error", err)
		observability.PhotosProcessed.WithLabelValues("malformed").Inc()
		_ = msg.Term()
		return
	}

	disp, err := w.processSafely(ctx, task)
	switch disp {
	case Ack:
		if err != nil {
			slog.Warn("photo contained without embeddings", "photo_id", task.PhotoID, "reason", err)
			observability.PhotosProcessed.WithLabelValues("contained").Inc()
		} else {
			observability.PhotosProcessed.WithLabelValues("ok").Inc()
		}
		_ = msg.Ack()
	case Skip:
		slog.Info("photo task skipped", "photo_id", task.PhotoID)
		observability.PhotosProcessed.WithLabelValues("skipped").Inc()
		_ = msg.Term()
	case Retry:
		// Leave unacknowledged: redelivery after the visibility timeout.
		slog.Error("photo task failed, leaving for redelivery", "photo_id", task.PhotoID, "error", err)
		observability.PhotosProcessed.WithLabelValues("failed").Inc()
	}
}

// processSafely contains panics from the pipeline (ONNX bindings, image
// decoding) so one poisoned message cannot kill the consumer loop. The
// message is left for redelivery like any other transient failure.
func (w *Worker) processSafely(ctx context.Context, task models.PhotoTask) (disp Disposition, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing photo",
				"photo_id", task.PhotoID,
				"panic", r,
				"stack", string(debug.Stack()))
			disp = Retry
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessTask(ctx, task)
}

// ProcessTask runs the ingestion pipeline for one task:
// existence check, fetch, pixel guard, bounded inference, transactional
// persist. The scratch file is removed on every path.
func (w *Worker) ProcessTask(ctx context.Context, task models.PhotoTask) (Disposition, error) {
	photo, err := w.store.GetPhoto(ctx, task.PhotoID)
	if err != nil {
		return Retry, fmt.Errorf("photo lookup: %w", err)
	}
	if photo == nil {
		// Deleted before we got to it: nothing to fetch or process.
		return Skip, nil
	}

	scratch := filepath.Join(w.scratchDir, "grabpic-"+task.PhotoID.String())
	if err := w.fetcher.FetchToFile(ctx, task.StorageURL, scratch); err != nil {
		return Retry, fmt.Errorf("fetch photo: %w", err)
	}
	defer os.Remove(scratch)

	content, err := os.ReadFile(scratch)
	if err != nil {
		return Retry, fmt.Errorf("read scratch file: %w", err)
	}

	if err := guard.CheckPixelCount(content, w.maxPixels); err != nil {
		// Poison-pill containment: mark processed so a malicious
		// oversized image is not retried forever.
		if markErr := w.store.MarkProcessed(ctx, task.PhotoID); markErr != nil {
			return Retry, fmt.Errorf("mark poisoned photo processed: %w", markErr)
		}
		return Ack, err
	}

	// Permissive extraction: a timeout or extractor fault downgrades to
	// zero faces so one borderline photo never blocks the pipeline.
	faces, err := w.embedder.Extract(ctx, scratch, false)
	if err != nil {
		slog.Warn("extraction yielded no faces", "photo_id", task.PhotoID, "error", err)
		faces = nil
	}
	faces = extract.FilterDegenerate(faces)

	embeddings := make([]models.PhotoEmbedding, 0, len(faces))
	for _, f := range faces {
		embeddings = append(embeddings, models.PhotoEmbedding{
			PhotoID:   task.PhotoID,
			Embedding: f.Embedding,
			BoxArea:   f.Box,
		})
	}

	if err := w.store.CommitPhotoEmbeddings(ctx, task.PhotoID, embeddings); err != nil {
		return Retry, fmt.Errorf("persist embeddings: %w", err)
	}

	observability.FacesDetected.Add(float64(len(embeddings)))

	if w.notifier != nil {
		event := models.ProcessedEvent{
			PhotoID:    task.PhotoID,
			AlbumID:    photo.AlbumID,
			FacesFound: len(embeddings),
		}
		if err := w.notifier.PublishProcessed(ctx, event); err != nil {
			slog.Warn("publish processed event", "photo_id", task.PhotoID, "error", err)
		}
	}

	return Ack, nil
}
