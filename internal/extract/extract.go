// Package extract defines the embedding-extraction contract and the
// bounded invoker that enforces a wall-clock deadline around it.
package extract

import (
	"context"
	"errors"
	"time"

	"github.com/Shahir-47/grab-pic/internal/models"
)

// Face is one detected face: a fixed-dimension embedding plus its
// facial area in the source image.
type Face struct {
	Embedding []float32
	Box       models.FaceBox
}

var (
	// ErrNoFace is returned in strict mode when detection finds nothing.
	// It is an expected condition, not a transient fault.
	ErrNoFace = errors.New("no face detected")

	// ErrTimeout is returned when the extraction deadline elapsed,
	// distinct from a generic failure so callers can give an actionable
	// message.
	ErrTimeout = errors.New("inference timed out")
)

// Extractor extracts face embeddings from an image file on disk.
// When enforceDetection is true and no face is found, implementations
// return ErrNoFace; when false they return whatever partial detections
// exist, possibly none.
type Extractor interface {
	Extract(ctx context.Context, imagePath string, enforceDetection bool) ([]Face, error)
}

// Invoker wraps an Extractor with a hard deadline. The extractor has no
// native cancellation, so the call runs on a watchdog goroutine that is
// abandoned once the deadline passes; the deadline itself is disarmed
// on every exit path.
type Invoker struct {
	extractor Extractor
	timeout   time.Duration
}

func NewInvoker(extractor Extractor, timeout time.Duration) *Invoker {
	return &Invoker{extractor: extractor, timeout: timeout}
}

func (i *Invoker) Extract(ctx context.Context, imagePath string, enforceDetection bool) ([]Face, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type result struct {
		faces []Face
		err   error
	}
	done := make(chan result, 1)

	go func() {
		faces, err := i.extractor.Extract(ctx, imagePath, enforceDetection)
		done <- result{faces: faces, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return r.faces, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// FilterDegenerate drops detections with a zero-width or zero-height
// bounding box before they reach storage or ranking.
func FilterDegenerate(faces []Face) []Face {
	kept := faces[:0]
	for _, f := range faces {
		if f.Box.W > 0 && f.Box.H > 0 {
			kept = append(kept, f)
		}
	}
	return kept
}
