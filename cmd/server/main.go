package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/db"
	"github.com/reelforge/reelforge-backend/internal/gates"
	"github.com/reelforge/reelforge-backend/internal/handlers"
	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/observability"
	"github.com/reelforge/reelforge-backend/internal/pipeline"
	"github.com/reelforge/reelforge-backend/internal/platform/envutil"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
	"github.com/reelforge/reelforge-backend/internal/realtime"
	"github.com/reelforge/reelforge-backend/internal/realtime/bus"
	"github.com/reelforge/reelforge-backend/internal/server"
	"github.com/reelforge/reelforge-backend/internal/services"
	"github.com/reelforge/reelforge-backend/internal/webhooks"
	"github.com/reelforge/reelforge-backend/internal/workflow"
)

func main() {
	// Logger
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "reelforge-backend",
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", "dev"),
	})

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	runRepo := repos.NewRunRepo(thePG, log)
	artifactRepo := repos.NewArtifactRepo(thePG, log)
	jobRepo := repos.NewJobRepo(thePG, log)
	deadLetterRepo := repos.NewDeadLetterRepo(thePG, log)
	checkpointRepo := repos.NewCheckpointRepo(thePG, log)
	completionRepo := repos.NewCompletionRepo(thePG, log)

	// Realtime
	hub := realtime.NewHub(log)
	var eventBus bus.Bus
	if envutil.String("REDIS_ADDR", "") != "" {
		eventBus, err = bus.NewRedisBus(log)
		if err != nil {
			log.Warn("Redis bus init failed, running local-only", "error", err)
			eventBus = nil
		} else {
			if err := eventBus.StartForwarder(ctx, hub.Broadcast); err != nil {
				log.Warn("Redis forwarder start failed", "error", err)
			}
			defer eventBus.Close()
		}
	}
	notifier := services.NewHubNotifier(hub, eventBus, log)

	// Providers
	log.Info("Setting up providers from main...")
	agent, generator, renderer, publisher, media := buildProviders(log)

	// Queue + engine
	enqueuer := jobs.NewEnqueuer(jobRepo, log)
	engine := workflow.NewEngine(workflow.EngineDeps{
		DB:          thePG,
		Log:         log,
		Runs:        runRepo,
		Artifacts:   artifactRepo,
		Checkpoints: checkpointRepo,
		Completions: completionRepo,
		Enqueuer:    enqueuer,
		Agent:       agent,
		Generator:   generator,
		Renderer:    renderer,
		Publisher:   publisher,
		Media:       media,
		Notifier:    notifier,
	})
	engine.PollDelay = envutil.Duration("POLL_DELAY", 30*time.Second)

	gateway := webhooks.NewGateway(thePG, log, runRepo, artifactRepo, completionRepo, enqueuer, media, engine)
	controller := gates.NewController(log, runRepo, artifactRepo, checkpointRepo, enqueuer, engine)
	controller.Permissive = envutil.Bool("GATE_PERMISSIVE_MODE", false)
	deadLetterService := jobs.NewDeadLetterService(deadLetterRepo, jobRepo, log)

	registry := jobs.NewRegistry()
	if err := pipeline.Register(registry, pipeline.Deps{
		Engine:    engine,
		Gateway:   gateway,
		Generator: generator,
		Renderer:  renderer,
		PollDelay: engine.PollDelay,
	}); err != nil {
		log.Fatal("Job registry wiring failed", "error", err)
	}

	// Workers
	hostname, _ := os.Hostname()
	workerCfg := jobs.DefaultWorkerConfig(fmt.Sprintf("%s-%d", hostname, os.Getpid()))
	workerCfg.Concurrency = int64(envutil.Int("WORKER_CONCURRENCY", 4))
	worker := jobs.NewWorker(thePG, log, jobRepo, deadLetterRepo, registry, workerCfg)
	worker.Start(ctx)

	// Handlers
	log.Info("Setting up handlers from main...")
	runsHandler := handlers.NewRunsHandler(log, runRepo, artifactRepo, checkpointRepo, enqueuer, controller, engine)
	webhooksHandler := handlers.NewWebhooksHandler(log, buildVerifiers(), enqueuer)
	jobsHandler := handlers.NewJobsHandler(jobRepo)
	deadLettersHandler := handlers.NewDeadLettersHandler(log, deadLetterService)
	eventsHandler := handlers.NewEventsHandler(log, hub)

	router := server.NewRouter(server.RouterConfig{
		ServiceName:        "reelforge-backend",
		MediaDir:           envutil.String("MEDIA_DIR", ""),
		RunsHandler:        runsHandler,
		WebhooksHandler:    webhooksHandler,
		JobsHandler:        jobsHandler,
		DeadLettersHandler: deadLettersHandler,
		EventsHandler:      eventsHandler,
	})

	port := envutil.String("PORT", "8080")
	log.Info("Server listening", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}

	if shutdownOtel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(shutdownCtx)
	}
}

// buildProviders selects real or fake collaborators per provider from env.
// Anything without a PROVIDER_MODE of "real" runs on the deterministic fakes.
func buildProviders(log *logger.Logger) (services.IdeaAgent, services.GenerationProvider, services.RenderProvider, services.PublishProvider, services.MediaStore) {
	var (
		agent     services.IdeaAgent          = &services.FakeIdeaAgent{Slots: envutil.Int("FAKE_CLIP_SLOTS", 2)}
		generator services.GenerationProvider = &services.FakeGenerationProvider{Sync: envutil.Bool("FAKE_GENERATION_SYNC", true)}
		renderer  services.RenderProvider     = &services.FakeRenderProvider{Sync: envutil.Bool("FAKE_RENDER_SYNC", true)}
		publisher services.PublishProvider    = &services.FakePublishProvider{Async: envutil.Bool("FAKE_PUBLISH_ASYNC", false)}
		media     services.MediaStore         = &services.PassthroughMediaStore{}
	)

	if envutil.String("GENERATION_MODE", "fake") == "real" {
		generator = services.NewHTTPGenerationProvider(
			envutil.String("GENERATION_BASE_URL", ""),
			envutil.String("GENERATION_API_KEY", ""),
			log,
		)
	}
	if envutil.String("RENDER_MODE", "fake") == "real" {
		renderer = services.NewHTTPRenderProvider(
			envutil.String("RENDER_BASE_URL", ""),
			envutil.String("RENDER_API_KEY", ""),
			log,
		)
	}
	if envutil.String("PUBLISH_MODE", "fake") == "real" {
		publisher = services.NewHTTPPublishProvider(
			envutil.String("PUBLISH_BASE_URL", ""),
			envutil.String("PUBLISH_API_KEY", ""),
			log,
		)
	}
	if dir := envutil.String("MEDIA_DIR", ""); dir != "" {
		store, err := services.NewLocalMediaStore(dir, envutil.String("MEDIA_SERVE_PREFIX", "/media"), log)
		if err != nil {
			log.Fatal("Media store init failed", "error", err)
		}
		media = store
	}
	return agent, generator, renderer, publisher, media
}

// buildVerifiers configures one verifier per webhook provider. A provider in
// real mode with no secret rejects every delivery; fake mode is for local
// development only.
func buildVerifiers() map[string]*webhooks.Verifier {
	build := func(prefix string) *webhooks.Verifier {
		return webhooks.NewVerifier(webhooks.VerifierConfig{
			Fake:   envutil.String(prefix+"_MODE", "fake") != "real",
			Scheme: envutil.String(prefix+"_WEBHOOK_SCHEME", webhooks.SchemeHMAC),
			Secret: envutil.String(prefix+"_WEBHOOK_SECRET", ""),
			Header: envutil.String(prefix+"_WEBHOOK_HEADER", ""),
		})
	}
	return map[string]*webhooks.Verifier{
		handlers.ProviderGeneration: build("GENERATION"),
		handlers.ProviderRender:     build("RENDER"),
	}
}
