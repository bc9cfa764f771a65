// Package handlers contains the HTTP endpoint implementations.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Shahir-47/grab-pic/internal/config"
	"github.com/Shahir-47/grab-pic/internal/extract"
	"github.com/Shahir-47/grab-pic/internal/guard"
	"github.com/Shahir-47/grab-pic/internal/observability"
	"github.com/Shahir-47/grab-pic/pkg/dto"
)

// Searcher answers a selfie query with ranked photo ids. Satisfied by
// *matcher.Matcher.
type Searcher interface {
	Search(ctx context.Context, albumID uuid.UUID, selfiePath string) ([]uuid.UUID, error)
}

type SearchHandler struct {
	searcher Searcher
	verifier *guard.TurnstileVerifier
	limiter  *guard.RateLimiter
	limits   config.GuardConfig
}

func NewSearchHandler(searcher Searcher, verifier *guard.TurnstileVerifier, limiter *guard.RateLimiter, limits config.GuardConfig) *SearchHandler {
	return &SearchHandler{
		searcher: searcher,
		verifier: verifier,
		limiter:  limiter,
		limits:   limits,
	}
}

// Search handles POST /search. Multipart form fields: album_id,
// file, turnstile_token. Responds with the matched photo ids in
// ascending distance order; distances stay internal.
func (h *SearchHandler) Search(c *gin.Context) {
	ip := clientIP(c)

	if err := h.limiter.Allow(ip); err != nil {
		h.reject(c, err)
		return
	}

	token := c.GetHeader("X-Turnstile-Token")
	if token == "" {
		token = c.PostForm("turnstile_token")
	}
	if err := h.verifier.Verify(c.Request.Context(), token, ip); err != nil {
		h.reject(c, err)
		return
	}

	albumIDRaw := c.PostForm("album_id")
	if err := guard.ValidateAlbumID(albumIDRaw); err != nil {
		h.reject(c, err)
		return
	}
	albumID, err := uuid.Parse(albumIDRaw)
	if err != nil {
		h.reject(c, guard.ErrValidation)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.reject(c, guard.ErrValidation)
		return
	}
	if err := guard.ValidateContentType(fileHeader.Header.Get("Content-Type")); err != nil {
		h.reject(c, err)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer file.Close()

	content, err := guard.ReadCapped(file, h.limits.MaxFileBytes)
	if err != nil {
		h.reject(c, err)
		return
	}
	if err := guard.ValidateImageBytes(content); err != nil {
		h.reject(c, err)
		return
	}
	if err := guard.CheckPixelCount(content, h.limits.MaxPixels); err != nil {
		h.reject(c, err)
		return
	}

	scratch := filepath.Join(os.TempDir(), "grabpic-selfie-"+uuid.NewString())
	if err := os.WriteFile(scratch, content, 0o600); err != nil {
		h.fail(c, err)
		return
	}
	defer os.Remove(scratch)

	start := time.Now()
	ids, err := h.searcher.Search(c.Request.Context(), albumID, scratch)
	if err != nil {
		h.reject(c, err)
		return
	}

	slog.Info("selfie search completed",
		"album_id", albumID,
		"matches", len(ids),
		"duration_ms", time.Since(start).Milliseconds())
	observability.SearchesTotal.WithLabelValues("ok").Inc()

	if ids == nil {
		ids = []uuid.UUID{}
	}
	c.JSON(http.StatusOK, dto.SearchResponse{MatchedPhotoIDs: ids})
}

// reject maps the error taxonomy to HTTP status codes.
func (h *SearchHandler) reject(c *gin.Context, err error) {
	var status int
	var label string
	switch {
	case errors.Is(err, guard.ErrRateLimited):
		status, label = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, guard.ErrBotCheck):
		status, label = http.StatusForbidden, "bot_check"
	case errors.Is(err, guard.ErrValidation):
		status, label = http.StatusBadRequest, "validation"
	case errors.Is(err, extract.ErrNoFace):
		status, label = http.StatusBadRequest, "no_face"
	case errors.Is(err, extract.ErrTimeout):
		status, label = http.StatusRequestTimeout, "timeout"
	default:
		h.fail(c, err)
		return
	}

	observability.SearchesTotal.WithLabelValues(label).Inc()
	c.JSON(status, gin.H{"error": userMessage(err)})
}

func (h *SearchHandler) fail(c *gin.Context, err error) {
	slog.Error("selfie search failed", "error", err)
	observability.SearchesTotal.WithLabelValues("error").Inc()
	c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed, please try again"})
}

// userMessage strips internal wrapping, keeping only the part of the
// message after the sentinel prefix when present.
func userMessage(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, ": "); idx >= 0 {
		return msg[idx+2:]
	}
	return msg
}

// clientIP resolves the caller address behind proxies: first entry of
// X-Forwarded-For, then X-Real-IP, then the peer address.
func clientIP(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if rip := c.GetHeader("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	return c.ClientIP()
}
