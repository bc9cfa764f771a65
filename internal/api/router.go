// Package api wires the HTTP surface: routes, middleware, WebSocket.
package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Shahir-47/grab-pic/internal/api/handlers"
	"github.com/Shahir-47/grab-pic/internal/api/ws"
)

// NewRouter builds the gin engine with all routes registered.
func NewRouter(search *handlers.SearchHandler, system *handlers.SystemHandler, hub *ws.Hub) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware())
	router.Use(cors.Default())

	router.GET("/healthz", system.Healthz)
	router.GET("/readyz", system.Readyz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/search", search.Search)
	router.GET("/ws", hub.HandleWS)

	return router
}
