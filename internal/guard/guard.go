// Package guard validates untrusted guest input before any CPU or
// storage work runs: album id shape, declared and actual file type,
// size cap, pixel-count ceiling, bot verification, rate limiting.
package guard

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"regexp"

	_ "golang.org/x/image/webp"
)

// Sentinel errors for the rejection taxonomy. Handlers map these to
// status codes with errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrBotCheck    = errors.New("bot verification failed")
	ErrRateLimited = errors.New("rate limited")
)

var albumIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidateAlbumID checks the album id against a strict UUID shape.
// Malformed ids fail fast and never reach the store.
func ValidateAlbumID(id string) error {
	if !albumIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid album", ErrValidation)
	}
	return nil
}

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// ValidateContentType checks the declared MIME type against the
// allow-list. Advisory only: the header is spoofable, so callers must
// also run ValidateImageBytes on the actual payload.
func ValidateContentType(contentType string) error {
	if !allowedContentTypes[contentType] {
		return fmt.Errorf("%w: invalid file type, upload a JPEG, PNG, or WebP image", ErrValidation)
	}
	return nil
}

// ValidateImageBytes verifies the payload is a real image by checking
// magic bytes, regardless of what the Content-Type header claimed.
func ValidateImageBytes(content []byte) error {
	if len(content) < 12 {
		return fmt.Errorf("%w: file is not a valid image", ErrValidation)
	}
	switch {
	case bytes.HasPrefix(content, []byte{0xFF, 0xD8, 0xFF}): // JPEG
		return nil
	case bytes.HasPrefix(content, []byte("\x89PNG\r\n\x1a\n")): // PNG
		return nil
	case bytes.HasPrefix(content, []byte("RIFF")) && bytes.Equal(content[8:12], []byte("WEBP")):
		return nil
	}
	return fmt.Errorf("%w: file is not a valid image, upload a real JPEG, PNG, or WebP photo", ErrValidation)
}

// ReadCapped reads at most maxBytes+1 bytes so an oversized body is
// detected without buffering the whole payload. Empty payloads are
// rejected.
func ReadCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(content)) > maxBytes {
		return nil, fmt.Errorf("%w: file too large, maximum size is %d MB", ErrValidation, maxBytes/(1024*1024))
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrValidation)
	}
	return content, nil
}

// CheckPixelCount decodes only the image header to read width×height
// and rejects when the product exceeds maxPixels. This defends against
// decompression bombs that are small on the wire but enormous decoded.
func CheckPixelCount(content []byte, maxPixels int64) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("%w: unreadable image header", ErrValidation)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return fmt.Errorf("%w: image dimensions too large (%dx%d)", ErrValidation, cfg.Width, cfg.Height)
	}
	return nil
}
