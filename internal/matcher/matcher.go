// Package matcher turns a guest selfie into a ranked, deduplicated set
// of matching album photos.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/Shahir-47/grab-pic/internal/extract"
	"github.com/Shahir-47/grab-pic/internal/storage"
)

// Index answers similarity queries scoped to one album. Satisfied by
// *storage.PostgresStore.
type Index interface {
	SearchAlbum(ctx context.Context, albumID uuid.UUID, embedding []float32, threshold float64, limit int) ([]storage.PhotoMatch, error)
}

// Embedder extracts query embeddings under a deadline. Satisfied by
// *extract.Invoker.
type Embedder interface {
	Extract(ctx context.Context, imagePath string, enforceDetection bool) ([]extract.Face, error)
}

type Matcher struct {
	embedder Embedder
	index    Index
	policy   Policy
}

func New(embedder Embedder, index Index, policy Policy) *Matcher {
	return &Matcher{embedder: embedder, index: index, policy: policy}
}

// Search extracts query embeddings from the selfie at selfiePath, fans
// them out against the album's index, merges per-photo minimum
// distances, and returns the ranked photo ids. Distances are not
// exposed to callers.
func (m *Matcher) Search(ctx context.Context, albumID uuid.UUID, selfiePath string) ([]uuid.UUID, error) {
	faces, err := m.embedder.Extract(ctx, selfiePath, m.policy.EnforceDetection)
	if err != nil {
		return nil, err
	}

	queries := selectQueryFaces(faces, m.policy.MaxQueryFaces)
	if len(queries) == 0 {
		return nil, extract.ErrNoFace
	}

	// A photo matches if any query face is close to any stored face:
	// keep the smallest distance seen per photo across all queries.
	best := make(map[uuid.UUID]float64)
	for _, q := range queries {
		matches, err := m.index.SearchAlbum(ctx, albumID, q.Embedding, m.policy.Threshold, m.policy.MaxResults)
		if err != nil {
			return nil, fmt.Errorf("album search: %w", err)
		}
		for _, match := range matches {
			if d, ok := best[match.PhotoID]; !ok || match.Distance < d {
				best[match.PhotoID] = match.Distance
			}
		}
	}

	ranked := make([]storage.PhotoMatch, 0, len(best))
	for id, d := range best {
		ranked = append(ranked, storage.PhotoMatch{PhotoID: id, Distance: d})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Distance < ranked[j].Distance
	})

	if len(ranked) > m.policy.MaxResults {
		ranked = ranked[:m.policy.MaxResults]
	}

	ids := make([]uuid.UUID, len(ranked))
	for i, r := range ranked {
		ids[i] = r.PhotoID
	}
	return ids, nil
}

// selectQueryFaces drops degenerate and embedding-less detections, then
// keeps the top maxFaces by facial area. The largest face is the most
// likely subject, and the cap bounds query cost when a selfie also
// captures background people.
func selectQueryFaces(faces []extract.Face, maxFaces int) []extract.Face {
	usable := make([]extract.Face, 0, len(faces))
	for _, f := range extract.FilterDegenerate(faces) {
		if len(f.Embedding) > 0 {
			usable = append(usable, f)
		}
	}

	sort.Slice(usable, func(i, j int) bool {
		return usable[i].Box.Area() > usable[j].Box.Area()
	})

	if maxFaces > 0 && len(usable) > maxFaces {
		usable = usable[:maxFaces]
	}
	return usable
}
