package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Shahir-47/grab-pic/internal/api/handlers"
	"github.com/Shahir-47/grab-pic/internal/api/ws"
	"github.com/Shahir-47/grab-pic/internal/config"
	"github.com/Shahir-47/grab-pic/internal/guard"
)

type noopSearcher struct{}

func (noopSearcher) Search(ctx context.Context, albumID uuid.UUID, selfiePath string) ([]uuid.UUID, error) {
	return nil, nil
}

func newRouterForTest() *gin.Engine {
	gin.SetMode(gin.TestMode)
	limits := config.GuardConfig{MaxFileBytes: 1024, MaxPixels: 1_000_000, RateLimit: 10, RateWindow: time.Minute}
	search := handlers.NewSearchHandler(noopSearcher{},
		guard.NewTurnstileVerifier(config.TurnstileConfig{}),
		guard.NewRateLimiter(limits.RateLimit, limits.RateWindow),
		limits)
	system := handlers.NewSystemHandler(nil)
	return NewRouter(search, system, ws.NewHub())
}

// The paths below are the public contract; moving them breaks deployed
// clients.
func TestRouterRegistersContractRoutes(t *testing.T) {
	router := newRouterForTest()

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/search"},
		{http.MethodGet, "/ws"},
		{http.MethodGet, "/healthz"},
		{http.MethodGet, "/readyz"},
		{http.MethodGet, "/metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code == http.StatusNotFound {
				t.Errorf("%s %s is not registered", tt.method, tt.path)
			}
		})
	}
}

func TestRouterHealthz(t *testing.T) {
	router := newRouterForTest()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
