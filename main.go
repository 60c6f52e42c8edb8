package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/ideation"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/loop"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/review"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/synthesis"
	"github.com/Conceptual-Machines/nativeads-api/internal/api"
	"github.com/Conceptual-Machines/nativeads-api/internal/config"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/media"
	"github.com/Conceptual-Machines/nativeads-api/internal/metrics"
	"github.com/Conceptual-Machines/nativeads-api/internal/observability"
	"github.com/Conceptual-Machines/nativeads-api/internal/services"
	"github.com/Conceptual-Machines/nativeads-api/internal/session"
	"github.com/Conceptual-Machines/nativeads-api/internal/storage"
	"github.com/Conceptual-Machines/nativeads-api/internal/store"
)

const (
	sentryFlushTimeout    = 2 * time.Second
	shutdownTimeout       = 30 * time.Second
	mediaFetchTimeout     = 30 * time.Second
	environmentProduction = "production"
)

// releaseVersion is set via ldflags during build
var releaseVersion = "dev"

// GetVersion returns the current release version
func GetVersion() string {
	return releaseVersion
}

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	initSentry(cfg)
	defer sentry.Flush(sentryFlushTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.InitializeLangfuse(ctx, cfg)
	recorder := newRecorder(ctx, cfg)

	repo, err := store.New(cfg)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal("Failed to open store: ", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Printf("⚠️  Failed to close store: %v", err)
		}
	}()

	fetcher := media.NewFetcher(mediaFetchTimeout)
	mirror, err := newMirror(ctx, cfg, fetcher)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal("Failed to configure image storage: ", err)
	}

	backends, err := synthesis.NewBackends(ctx, cfg.GeminiAPIKey, cfg.OpenAIAPIKey)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal("Failed to create image backends: ", err)
	}
	adapter := synthesis.NewAdapter(backends, mirror, cfg.DefaultImageModel, recorder)

	providers := llm.NewProviderFactory(cfg.OpenAIAPIKey, cfg.GeminiAPIKey, fetcher)
	provider := func(stage services.LLMStage) (llm.Provider, services.LLMParameters) {
		params := services.GetLLMParameters(cfg, stage)
		p, err := providers.GetProvider(ctx, params.Model, params.Provider)
		if err != nil {
			sentry.CaptureException(err)
			log.Fatalf("Failed to create %s provider for %s: %v", stage, params.Model, err)
		}
		return p, params
	}

	ideationProvider, ideationParams := provider(services.LLMStageIdeation)
	ideator, err := ideation.NewEngine(ideationProvider, ideationParams, cfg.IdeationTimeout, recorder)
	if err != nil {
		log.Fatal("Failed to create ideation engine: ", err)
	}

	reviewProvider, reviewParams := provider(services.LLMStageReview)
	reviewer, err := review.NewReviewer(reviewProvider, reviewParams, recorder)
	if err != nil {
		log.Fatal("Failed to create reviewer: ", err)
	}

	agentProvider, agentParams := provider(services.LLMStageAgent)
	controller := loop.NewController(agentProvider, adapter, agentParams, loop.Options{
		MaxSteps:    cfg.LoopMaxSteps,
		MaxAttempts: cfg.LoopMaxAttempts,
		Timeout:     cfg.LoopTimeout,
	}, recorder)

	manager := session.NewManager(ideator, controller, repo, session.Options{
		DefaultModel: cfg.DefaultImageModel,
		HistorySize:  cfg.SessionEventHistory,
		IdleTimeout:  cfg.SessionIdleTimeout,
	})
	go manager.Run(ctx)

	if cfg.Environment == environmentProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	router := api.SetupRouter(api.Dependencies{
		Config:   cfg,
		Version:  GetVersion(),
		Repo:     repo,
		Sessions: manager,
		Ideator:  ideator,
		Runner:   controller,
		Reviewer: reviewer,
		Models:   adapter,
		Metrics:  recorder,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("🚀 Starting server on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			log.Fatal("Failed to start server: ", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// sessions first so open event streams end before the server drains
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown: %v", err)
	}
}

func initSentry(cfg *config.Config) {
	if cfg.SentryDSN == "" {
		log.Println("⚠️  Sentry not configured (SENTRY_DSN not set)")
		return
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          "nativeads-api@" + releaseVersion,
		EnableTracing:    true,
		TracesSampleRate: 1.0,
		EnableLogs:       true,
		Debug:            cfg.Environment != environmentProduction,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			if event.Request != nil {
				event.Request.Headers = filterSensitiveHeaders(event.Request.Headers)
			}
			return event
		},
	}); err != nil {
		log.Printf("Failed to initialize Sentry: %v", err)
		return
	}
	log.Printf("✅ Sentry initialized (environment: %s, release: %s)", cfg.Environment, releaseVersion)
}

// newRecorder sends metrics to Sentry always and to CloudWatch in production
func newRecorder(ctx context.Context, cfg *config.Config) metrics.Recorder {
	recorders := []metrics.Recorder{metrics.NewSentryMetrics()}
	if cfg.Environment == environmentProduction {
		cw, err := metrics.NewClient(ctx, cfg.Environment)
		if err != nil {
			log.Printf("⚠️  CloudWatch metrics disabled: %v", err)
		} else {
			recorders = append(recorders, cw)
		}
	}
	return metrics.NewMulti(recorders...)
}

func newMirror(ctx context.Context, cfg *config.Config, loader storage.Loader) (storage.Mirror, error) {
	if cfg.StorageDriver == config.StorageDriverS3 {
		return storage.NewS3Mirror(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3PublicBaseURL, loader)
	}
	publicURL := strings.TrimRight(cfg.PublicBaseURL, "/") + api.ImagesRoute
	return storage.NewDiskMirror(cfg.MirrorDir, publicURL, loader)
}

func filterSensitiveHeaders(headers map[string]string) map[string]string {
	filtered := make(map[string]string, len(headers))
	sensitiveKeys := map[string]bool{
		"authorization": true,
		"cookie":        true,
		"x-api-key":     true,
	}
	for k, v := range headers {
		if sensitiveKeys[strings.ToLower(k)] {
			filtered[k] = "[REDACTED]"
		} else {
			filtered[k] = v
		}
	}
	return filtered
}
