package models

import (
	"time"

	"github.com/google/uuid"
)

// Photo is created by the upload flow and mutated only by the ingestion
// worker, which flips Processed to true exactly once.
type Photo struct {
	ID         uuid.UUID `json:"id" db:"id"`
	AlbumID    uuid.UUID `json:"album_id" db:"album_id"`
	StorageURL string    `json:"storage_url" db:"storage_url"`
	Processed  bool      `json:"processed" db:"processed"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// FaceBox is the detected facial area in pixel coordinates, stored as
// jsonb alongside the embedding.
type FaceBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Area returns the box area in pixels.
func (b FaceBox) Area() int {
	return b.W * b.H
}

type PhotoEmbedding struct {
	ID        uuid.UUID `json:"id" db:"id"`
	PhotoID   uuid.UUID `json:"photo_id" db:"photo_id"`
	Embedding []float32 `json:"embedding" db:"embedding"`
	BoxArea   FaceBox   `json:"box_area" db:"box_area"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
