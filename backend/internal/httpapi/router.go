// Package httpapi assembles the relay's gin routes.
package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/cloneot/yjs-playground/backend/internal/collab"
	"github.com/cloneot/yjs-playground/backend/internal/httpapi/handlers"
	"github.com/cloneot/yjs-playground/backend/internal/httpapi/middleware"
	"github.com/cloneot/yjs-playground/backend/internal/ws"
)

type RouterConfig struct {
	AuthSecret     string
	AllowedOrigins []string
}

func NewRouter(cfg RouterConfig, m *ws.Manager, svc collab.Service) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), middleware.CORS(cfg.AllowedOrigins))

	docs := handlers.NewDocuments(svc)
	g := r.Group("/collab")
	g.GET("/healthz", handlers.Healthz)
	g.GET("/ws", middleware.AuthMiddleware(cfg.AuthSecret), m.WebSocketConnect)
	g.GET("/docs/:doc", middleware.AuthMiddleware(cfg.AuthSecret), docs.GetDocument)
	return r
}
