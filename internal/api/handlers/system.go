package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is a dependency the readiness probe can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type SystemHandler struct {
	deps map[string]Pinger
}

func NewSystemHandler(deps map[string]Pinger) *SystemHandler {
	return &SystemHandler{deps: deps}
}

// Healthz reports process liveness only.
func (h *SystemHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz pings every backing dependency and reports per-dependency
// status. Any failure turns the response 503.
func (h *SystemHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(gin.H, len(h.deps))
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}

	c.JSON(status, gin.H{"checks": checks})
}
