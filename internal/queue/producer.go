package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	PhotosStreamName = "PHOTOS"
	PhotosSubject    = "photos.ingest"
	EventsStreamName = "EVENTS"
	EventsSubject    = "events.photo.processed"

	// VisibilityTimeout is how long a received-but-unacknowledged photo
	// task stays hidden before redelivery.
	VisibilityTimeout = 5 * time.Minute

	// MaxDeliveries bounds redelivery of a failing task (redrive policy).
	MaxDeliveries = 5
)

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Producer{nc: nc, js: js}, nil
}

// EnsureStreams creates the JetStream streams if they don't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:        PhotosStreamName,
			Subjects:    []string{PhotosSubject},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      24 * time.Hour,
			MaxMsgs:     1000000,
			Storage:     jetstream.FileStorage,
			Discard:     jetstream.DiscardOld,
			Duplicates:  30 * time.Second,
			Description: "Photo ingestion tasks",
		},
		{
			Name:        EventsStreamName,
			Subjects:    []string{EventsSubject},
			Retention:   jetstream.InterestPolicy,
			MaxAge:      time.Hour,
			MaxMsgs:     100000,
			Storage:     jetstream.FileStorage,
			Description: "Photo processed notifications",
		},
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		allOK := true
		for _, cfg := range streams {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
			cancel()
			if err != nil {
				allOK = false
				if attempt == maxAttempts {
					return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
				}
				slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
				break
			}
		}
		if allOK {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// PublishPhotoTask enqueues a photo for embedding extraction.
func (p *Producer) PublishPhotoTask(ctx context.Context, task interface{}) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal photo task: %w", err)
	}
	if _, err := p.js.Publish(ctx, PhotosSubject, payload); err != nil {
		return fmt.Errorf("publish photo task: %w", err)
	}
	return nil
}

// PublishProcessed publishes a photo-processed notification.
func (p *Producer) PublishProcessed(ctx context.Context, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal processed event: %w", err)
	}
	if _, err := p.js.Publish(ctx, EventsSubject, payload); err != nil {
		return fmt.Errorf("publish processed event: %w", err)
	}
	return nil
}

// QueueDepth returns the number of pending photo tasks.
func (p *Producer) QueueDepth(ctx context.Context) (uint64, error) {
	stream, err := p.js.Stream(ctx, PhotosStreamName)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
