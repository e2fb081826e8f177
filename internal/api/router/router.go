package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/carecall/internal/api/handler"
	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// Options tune the router
type Options struct {
	ServiceName  string
	AllowOrigins []string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.AllowOrigins))

	r.GET("/health", healthHandler(opts.ServiceName, deps.Checks))

	notificationHandler := handler.NewNotificationHandler(deps)

	v1 := r.Group("/api/v1")
	{
		notification := v1.Group("/notification")
		{
			notification.POST("/send-reminder", notificationHandler.SendReminder)
			notification.POST("/send-bulk", notificationHandler.SendBulk)
			notification.GET("/status/:jobId", notificationHandler.GetStatus)
			notification.GET("/jobs", notificationHandler.ListJobs)
		}
	}

	return r
}

func healthHandler(service string, checks map[string]handler.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		status := http.StatusOK
		results := gin.H{}
		for name, check := range checks {
			if err := check.HealthCheck(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		health := "healthy"
		if status != http.StatusOK {
			health = "unhealthy"
		}

		c.JSON(status, gin.H{
			"status":  health,
			"service": service,
			"checks":  results,
		})
	}
}
