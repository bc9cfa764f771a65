package vision

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/Shahir-47/grab-pic/internal/config"
	"github.com/Shahir-47/grab-pic/internal/extract"
	"github.com/Shahir-47/grab-pic/internal/models"
	"github.com/Shahir-47/grab-pic/internal/observability"
)

// LocalExtractor runs the detection and embedding models in-process via
// ONNX Runtime. It implements extract.Extractor.
type LocalExtractor struct {
	detector *Detector
	embedder *Embedder
}

// NewLocalExtractor loads both ONNX models from the configured models
// directory. ort.InitializeEnvironment must have been called first.
func NewLocalExtractor(cfg config.ExtractorConfig) (*LocalExtractor, error) {
	det, err := NewDetector(filepath.Join(cfg.ModelsDir, "det_10g.onnx"), float32(cfg.DetectionThreshold))
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	emb, err := NewEmbedder(filepath.Join(cfg.ModelsDir, "w600k_r50.onnx"))
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	return &LocalExtractor{detector: det, embedder: emb}, nil
}

func (e *LocalExtractor) Extract(ctx context.Context, imagePath string, enforceDetection bool) ([]extract.Face, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	origW := bounds.Dx()
	origH := bounds.Dy()

	start := time.Now()
	detInput := preprocessForDetection(img, e.detector.inputW, e.detector.inputH)
	detections, err := e.detector.Detect(detInput, origW, origH)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())

	if len(detections) == 0 {
		if enforceDetection {
			return nil, extract.ErrNoFace
		}
		return nil, nil
	}

	faces := make([]extract.Face, 0, len(detections))
	for _, det := range detections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		crop := cropFace(img, det.BBox)
		if crop == nil {
			continue
		}

		start = time.Now()
		embInput := preprocessForEmbedding(crop, e.embedder.inputW, e.embedder.inputH)
		embedding, err := e.embedder.Extract(embInput)
		if err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
		observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())

		faces = append(faces, extract.Face{
			Embedding: embedding,
			Box: models.FaceBox{
				X: int(det.BBox[0]),
				Y: int(det.BBox[1]),
				W: int(det.BBox[2] - det.BBox[0]),
				H: int(det.BBox[3] - det.BBox[1]),
			},
		})
	}

	if enforceDetection && len(faces) == 0 {
		return nil, extract.ErrNoFace
	}
	return faces, nil
}

// Close releases both ONNX sessions.
func (e *LocalExtractor) Close() {
	if e.detector != nil {
		e.detector.Close()
	}
	if e.embedder != nil {
		e.embedder.Close()
	}
}
