package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/reelforge/reelforge-backend/internal/handlers"
	"github.com/reelforge/reelforge-backend/internal/platform/envutil"
)

type RouterConfig struct {
	ServiceName        string
	MediaDir           string
	RunsHandler        *handlers.RunsHandler
	WebhooksHandler    *handlers.WebhooksHandler
	JobsHandler        *handlers.JobsHandler
	DeadLettersHandler *handlers.DeadLettersHandler
	EventsHandler      *handlers.EventsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.ServiceName))

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			envutil.String("CORS_ORIGIN", "http://localhost:3000"),
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)
	if cfg.MediaDir != "" {
		router.StaticFS("/media", http.Dir(cfg.MediaDir))
	}

	api := router.Group("/api")
	{
		// Runs
		api.POST("/runs", cfg.RunsHandler.CreateRun)
		api.GET("/runs", cfg.RunsHandler.ListRuns)
		api.GET("/runs/:id", cfg.RunsHandler.GetRun)
		api.GET("/runs/:id/artifacts", cfg.RunsHandler.ListArtifacts)
		api.GET("/runs/:id/checkpoints", cfg.RunsHandler.ListCheckpoints)
		api.POST("/runs/:id/approve", cfg.RunsHandler.Approve)
		api.POST("/runs/:id/reject", cfg.RunsHandler.Reject)
		api.POST("/runs/:id/resume", cfg.RunsHandler.Resume)
		// Webhooks
		api.POST("/webhooks/:provider", cfg.WebhooksHandler.Receive)
		// Jobs
		api.GET("/jobs/:id", cfg.JobsHandler.GetJobByID)
		api.GET("/deadletters", cfg.DeadLettersHandler.List)
		api.POST("/deadletters/:id/replay", cfg.DeadLettersHandler.Replay)
		// SSE
		api.GET("/events/stream", cfg.EventsHandler.Stream)
	}

	return router
}
