package sync

import (
	"errors"
	"net/http"

	"github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"github.com/chirino/ai-proxy-monitor/internal/service"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the sync orchestrator routes under /api/sync.
func MountRoutes(r *gin.Engine, syncer *service.Syncer) {
	g := r.Group("/api/sync")

	g.POST("/init", func(c *gin.Context) {
		res, err := syncer.Initialize(c.Request.Context())
		respond(c, res, err, "initialize index")
	})
	g.POST("/sync", func(c *gin.Context) {
		res, err := syncer.Sync(c.Request.Context())
		respond(c, res, err, "sync conversations")
	})
	g.GET("/stats", func(c *gin.Context) {
		res, err := syncer.Stats(c.Request.Context())
		respond(c, res, err, "get sync stats")
	})
	g.DELETE("/index", func(c *gin.Context) {
		res, err := syncer.DeleteIndex(c.Request.Context())
		respond(c, res, err, "delete index")
	})
	g.POST("/reset", func(c *gin.Context) {
		res, err := syncer.Reset(c.Request.Context())
		respond(c, res, err, "reset conversations")
	})
}

func respond(c *gin.Context, res any, err error, action string) {
	if err != nil {
		handleError(c, err, action)
		return
	}
	c.JSON(http.StatusOK, res)
}

func handleError(c *gin.Context, err error, action string) {
	var notFound *docstore.NotFoundError
	var conflict *docstore.ConflictError

	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Sync already in progress", "message": err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Failed to " + action, "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + action, "message": err.Error()})
	}
}
