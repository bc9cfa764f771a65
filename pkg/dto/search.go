package dto

import "github.com/google/uuid"

type SearchResponse struct {
	MatchedPhotoIDs []uuid.UUID `json:"matched_photo_ids"`
}

// WSEvent is the envelope pushed to WebSocket clients.
type WSEvent struct {
	Type    string         `json:"type"`
	AlbumID uuid.UUID      `json:"album_id"`
	Data    PhotoProcessed `json:"data"`
}

type PhotoProcessed struct {
	PhotoID    uuid.UUID `json:"photo_id"`
	FacesFound int       `json:"faces_found"`
}
