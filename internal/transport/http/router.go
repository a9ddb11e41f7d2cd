package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/transport/http/handler"
	"github.com/ErlanBelekov/krithi-import/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"

	sloggin "github.com/samber/slog-gin"
)

func NewRouter(logger *slog.Logger, batchHandler *handler.BatchHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")

	batches := v1.Group("/batches")
	batches.POST("", batchHandler.Create)
	batches.GET("", batchHandler.List)

	batch := batches.Group("/:id", middleware.Ref(domain.RefBatch))
	batch.GET("", batchHandler.GetByID)
	batch.GET("/jobs", batchHandler.ListJobs)
	batch.GET("/events", batchHandler.ListEvents)
	batch.POST("/pause", batchHandler.Pause)
	batch.POST("/resume", batchHandler.Resume)
	batch.POST("/cancel", batchHandler.Cancel)

	v1.GET("/jobs/:id/tasks", middleware.Ref(domain.RefJob), batchHandler.ListTasks)
	v1.POST("/tasks/:id/retry", middleware.Ref(domain.RefTask), batchHandler.RetryTask)

	return r
}
