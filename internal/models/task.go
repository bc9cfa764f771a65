package models

import "github.com/google/uuid"

// PhotoTask is the queue message enqueued by the upload flow for every
// new photo. Field names are part of the wire contract.
type PhotoTask struct {
	PhotoID    uuid.UUID `json:"photoId"`
	StorageURL string    `json:"storageUrl"`
}

// ProcessedEvent is published after a photo's embeddings are committed,
// so album views can update without polling.
type ProcessedEvent struct {
	PhotoID    uuid.UUID `json:"photo_id"`
	AlbumID    uuid.UUID `json:"album_id"`
	FacesFound int       `json:"faces_found"`
}
