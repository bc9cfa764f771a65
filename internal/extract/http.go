package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Shahir-47/grab-pic/internal/models"
)

// RemoteExtractor calls the embedding sidecar service over HTTP. The
// sidecar owns the model; this client only ships bytes and decodes the
// per-face results.
type RemoteExtractor struct {
	endpoint string
	client   *http.Client
}

func NewRemoteExtractor(endpoint string) *RemoteExtractor {
	// No client timeout here: the bounded invoker owns the deadline via
	// the request context.
	return &RemoteExtractor{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

type remoteFace struct {
	Embedding []float32      `json:"embedding"`
	Box       models.FaceBox `json:"box"`
}

type remoteResponse struct {
	FacesFound int          `json:"faces_found"`
	Data       []remoteFace `json:"data"`
	Error      string       `json:"error"`
}

func (e *RemoteExtractor) Extract(ctx context.Context, imagePath string, enforceDetection bool) ([]Face, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy image: %w", err)
	}
	if err := mw.WriteField("enforce_detection", strconv.FormatBool(enforceDetection)); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/generate-embedding", &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call extractor: %w", err)
	}
	defer resp.Body.Close()

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode extractor response (status %d): %w", resp.StatusCode, err)
	}

	// The sidecar reports "nothing detected" as a client error when
	// detection is enforced.
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
		if enforceDetection {
			return nil, ErrNoFace
		}
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extractor returned status %d: %s", resp.StatusCode, decoded.Error)
	}

	faces := make([]Face, 0, len(decoded.Data))
	for _, rf := range decoded.Data {
		faces = append(faces, Face{Embedding: rf.Embedding, Box: rf.Box})
	}

	if enforceDetection && len(faces) == 0 {
		return nil, ErrNoFace
	}
	return faces, nil
}
