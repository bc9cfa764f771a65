package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeSelfie(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "selfie.jpg")
	if err := os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xE0}, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func sidecar(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate-embedding" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("file part missing: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteExtractorSuccess(t *testing.T) {
	srv := sidecar(t, http.StatusOK, `{
		"faces_found": 2,
		"data": [
			{"embedding": [0.1, 0.2], "box": {"x": 5, "y": 6, "w": 40, "h": 50}},
			{"embedding": [0.3, 0.4], "box": {"x": 60, "y": 6, "w": 30, "h": 35}}
		]
	}`)

	ext := NewRemoteExtractor(srv.URL)
	faces, err := ext.Extract(context.Background(), writeSelfie(t), true)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(faces) != 2 {
		t.Fatalf("got %d faces, want 2", len(faces))
	}
	if faces[0].Box.W != 40 || faces[0].Embedding[1] != 0.2 {
		t.Errorf("face not decoded: %+v", faces[0])
	}
}

func TestRemoteExtractorNoFaceStrict(t *testing.T) {
	srv := sidecar(t, http.StatusBadRequest, `{"error": "no face detected in image", "faces_found": 0}`)

	ext := NewRemoteExtractor(srv.URL)
	_, err := ext.Extract(context.Background(), writeSelfie(t), true)
	if !errors.Is(err, ErrNoFace) {
		t.Fatalf("want ErrNoFace, got %v", err)
	}
}

func TestRemoteExtractorNoFacePermissive(t *testing.T) {
	srv := sidecar(t, http.StatusBadRequest, `{"error": "no face detected in image", "faces_found": 0}`)

	ext := NewRemoteExtractor(srv.URL)
	faces, err := ext.Extract(context.Background(), writeSelfie(t), false)
	if err != nil {
		t.Fatalf("permissive mode should not error on no-face, got %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("got %d faces, want 0", len(faces))
	}
}

func TestRemoteExtractorServerError(t *testing.T) {
	srv := sidecar(t, http.StatusInternalServerError, `{"error": "model load failed"}`)

	ext := NewRemoteExtractor(srv.URL)
	_, err := ext.Extract(context.Background(), writeSelfie(t), true)
	if err == nil {
		t.Fatal("server error should fail extraction")
	}
	if errors.Is(err, ErrNoFace) {
		t.Errorf("server fault must not masquerade as no-face: %v", err)
	}
}
