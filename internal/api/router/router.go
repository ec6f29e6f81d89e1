package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NHSDigital/azure-fhir-server/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "export-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		exports := v1.Group("/exports")
		{
			exports.POST("", jobHandler.CreateJob)
			exports.GET("", jobHandler.ListJobs)
			exports.GET("/:job_id", jobHandler.GetJob)
			exports.POST("/:job_id/cancel", jobHandler.CancelJob)
			exports.DELETE("/:job_id", jobHandler.DeleteJob)
		}
	}

	return r
}
