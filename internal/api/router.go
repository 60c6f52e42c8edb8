package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Conceptual-Machines/nativeads-api/internal/api/handlers"
	"github.com/Conceptual-Machines/nativeads-api/internal/api/middleware"
	"github.com/Conceptual-Machines/nativeads-api/internal/config"
	"github.com/Conceptual-Machines/nativeads-api/internal/metrics"
	"github.com/Conceptual-Machines/nativeads-api/internal/session"
	"github.com/Conceptual-Machines/nativeads-api/internal/store"
)

// ImagesRoute is where the disk mirror is served
const ImagesRoute = "/images"

// Dependencies are the services the HTTP surface is wired to
type Dependencies struct {
	Config   *config.Config
	Version  string
	Repo     store.Repository
	Sessions *session.Manager
	Ideator  session.Ideator
	Runner   session.Runner
	Reviewer handlers.ImageReviewer
	Models   handlers.ModelAvailability
	Metrics  metrics.Recorder
}

func SetupRouter(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	router := gin.New()

	// Recovery middleware (must be first)
	router.Use(middleware.RecoverWithSentry())

	// Sentry middleware for error tracking
	router.Use(middleware.SentryMiddleware())

	// Request tracking and structured logging
	router.Use(middleware.RequestTracking(deps.Metrics))

	router.Use(middleware.CORS(cfg.AllowedOrigins))

	// Mirrored images when STORAGE_DRIVER=disk
	if cfg.StorageDriver == config.StorageDriverDisk {
		router.Static(ImagesRoute, cfg.MirrorDir)
	}

	healthHandler := handlers.NewHealthHandler(deps.Repo)
	router.GET("/health", healthHandler.HealthCheck)

	metricsHandler := handlers.NewMetricsHandler(deps.Version, cfg.StorageDriver, deps.Sessions.Len)
	router.GET("/api/metrics", metricsHandler.GetMetrics)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(cfg))
	{
		modelsHandler := handlers.NewModelsHandler(deps.Models, cfg.DefaultImageModel)
		v1.GET("/models", modelsHandler.ListModels)

		// Stateless endpoints; the client owns the transcript
		ideationHandler := handlers.NewIdeationHandler(deps.Ideator, deps.Repo)
		v1.POST("/ideate", ideationHandler.Ideate)

		generationHandler := handlers.NewGenerationHandler(deps.Runner, cfg.DefaultImageModel)
		v1.POST("/generate", generationHandler.Generate)

		reviewHandler := handlers.NewReviewHandler(deps.Reviewer)
		v1.POST("/reviews", reviewHandler.Review)

		// Server-hosted sessions
		sessionHandler := handlers.NewSessionHandler(deps.Sessions, cfg.AllowedOrigins)
		sessions := v1.Group("/sessions")
		sessions.POST("", sessionHandler.Create)
		sessions.GET("/:id", sessionHandler.Get)
		sessions.DELETE("/:id", sessionHandler.Delete)
		sessions.POST("/:id/submit", sessionHandler.Command(handlers.CommandSubmit))
		sessions.POST("/:id/answers", sessionHandler.Command(handlers.CommandAnswers))
		sessions.POST("/:id/skip", sessionHandler.Command(handlers.CommandSkip))
		sessions.POST("/:id/pick", sessionHandler.Command(handlers.CommandPick))
		sessions.POST("/:id/queue", sessionHandler.Command(handlers.CommandEnqueue))
		sessions.DELETE("/:id/queue/:index", sessionHandler.RemoveQueued)
		sessions.POST("/:id/approval", sessionHandler.Command(handlers.CommandApproval))
		sessions.POST("/:id/cancel", sessionHandler.Command(handlers.CommandCancel))
		sessions.POST("/:id/reideate", sessionHandler.Command(handlers.CommandReideate))
		sessions.PUT("/:id/settings", sessionHandler.Command(handlers.CommandSettings))
		sessions.GET("/:id/events", sessionHandler.Events)
		sessions.GET("/:id/ws", sessionHandler.Stream)

		// Saved chats and gallery
		chatHandler := handlers.NewChatHandler(deps.Repo)
		v1.GET("/chats", chatHandler.ListChats)
		v1.GET("/chats/:id", chatHandler.GetChat)
		v1.DELETE("/chats/:id", chatHandler.DeleteChat)
		v1.GET("/chats/:id/transcript", chatHandler.Transcript)
		v1.GET("/images", chatHandler.ListImages)

		personaHandler := handlers.NewPersonaHandler(deps.Repo)
		v1.GET("/personas", personaHandler.ListPersonas)
		v1.POST("/personas", personaHandler.CreatePersona)
		v1.DELETE("/personas/:id", personaHandler.DeletePersona)
	}

	return router
}
