// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/AleutianAI/hybridflow/cmd/hybridd/config"
	"github.com/AleutianAI/hybridflow/pkg/logging"
	"github.com/AleutianAI/hybridflow/services/hybrid/bridge"
	"github.com/AleutianAI/hybridflow/services/hybrid/intent"
	"github.com/AleutianAI/hybridflow/services/hybrid/llm"
	"github.com/AleutianAI/hybridflow/services/hybrid/orchestrator"
	"github.com/AleutianAI/hybridflow/services/hybrid/routes"
	"github.com/AleutianAI/hybridflow/services/hybrid/runtimes"
	"github.com/AleutianAI/hybridflow/services/hybrid/statestore"
	"github.com/AleutianAI/hybridflow/services/hybrid/tools"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("hybrid-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func buildStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (statestore.Store, error) {
	switch cfg.Backend {
	case "memory":
		slog.Warn("Running on the in-memory store. State is lost on restart.")
		return statestore.Instrument(statestore.NewMemoryStore()), nil
	case "badger":
		store, err := statestore.OpenBadgerStore(statestore.BadgerConfig{
			Path:       cfg.Badger.Path,
			SyncWrites: cfg.Badger.SyncWrites,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return statestore.Instrument(store), nil
	case "nats":
		primary, err := statestore.OpenNATSStore(ctx, statestore.NATSConfig{
			URL:      cfg.NATS.URL,
			Bucket:   cfg.NATS.Bucket,
			Replicas: cfg.NATS.Replicas,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Fallback {
			fbCfg := statestore.DefaultFallbackConfig()
			fbCfg.Logger = logger
			return statestore.Instrument(statestore.NewFallbackStore(primary, fbCfg)), nil
		}
		return statestore.Instrument(primary), nil
	default:
		return nil, errors.New("unknown store backend " + cfg.Backend)
	}
}

func buildLLMClient(backend string) (llm.Client, error) {
	switch backend {
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return llm.NewOllamaClient()
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		return llm.NewOpenAIClient()
	case "":
		slog.Info("No LLM backend configured. The LLM tier and conversational runtime are off.")
		return nil, nil
	default:
		return nil, errors.New("unknown llm backend " + backend)
	}
}

// routerConfigFrom applies the YAML router settings on top of the
// built-in defaults. Zero values keep the default for that knob.
func routerConfigFrom(cfg config.RouterConfig) intent.RouterConfig {
	routerCfg := intent.DefaultRouterConfig()
	if cfg.PatternThreshold > 0 {
		routerCfg.PatternThreshold = cfg.PatternThreshold
	}
	if cfg.SemanticThreshold > 0 {
		routerCfg.SemanticThreshold = cfg.SemanticThreshold
	}
	if cfg.LLMThreshold > 0 {
		routerCfg.LLMThreshold = cfg.LLMThreshold
	}
	if cfg.RouteTimeoutSeconds > 0 {
		routerCfg.RouteTimeout = time.Duration(cfg.RouteTimeoutSeconds) * time.Second
	}
	return routerCfg
}

// syncConfigFrom applies the YAML sync settings on top of the built-in
// defaults. Zero values keep the default for that knob.
func syncConfigFrom(cfg config.SyncConfig) bridge.SyncConfig {
	syncCfg := bridge.DefaultSyncConfig()
	if cfg.MaxSnapshots > 0 {
		syncCfg.MaxSnapshots = cfg.MaxSnapshots
	}
	if cfg.HistoryMaxEntries > 0 {
		syncCfg.HistoryMaxEntries = cfg.HistoryMaxEntries
	}
	if cfg.LockWaitSeconds > 0 {
		syncCfg.LockWait = time.Duration(cfg.LockWaitSeconds) * time.Second
	}
	if cfg.LockLeaseSeconds > 0 {
		syncCfg.LockLease = time.Duration(cfg.LockLeaseSeconds) * time.Second
	}
	if cfg.MaxRetries > 0 {
		syncCfg.MaxRetries = cfg.MaxRetries
	}
	return syncCfg
}

func buildRouter(ctx context.Context, cfg config.RouterConfig, client llm.Client,
	logger *slog.Logger) (*intent.Router, error) {

	pattern, err := intent.NewPatternMatcher(intent.DefaultPatternRules())
	if err != nil {
		return nil, err
	}
	routerCfg := routerConfigFrom(cfg)

	var semantic *intent.SemanticMatcher
	if cfg.Semantic {
		embedder := intent.NewOllamaEmbedder(logger)
		memCatalog := intent.NewMemoryCatalog(embedder, logger)
		if err := memCatalog.Warm(ctx, intent.DefaultCatalogUtterances()); err != nil {
			slog.Warn("failed to warm the exemplar catalog, semantic tier starts cold", "error", err)
		}
		var catalog intent.Catalog = memCatalog
		if cfg.Weaviate {
			if client := weaviateClient(); client != nil {
				catalog = intent.NewWeaviateCatalog(client, memCatalog, logger)
			}
		}
		semantic = intent.NewSemanticMatcher(embedder, catalog, logger)
	}

	var classifier *intent.LLMClassifier
	if client != nil {
		classifier, err = intent.NewLLMClassifier(client, routerCfg)
		if err != nil {
			return nil, err
		}
	}
	return intent.NewRouter(pattern, semantic, classifier, routerCfg, logger)
}

// weaviateClient builds a client from WEAVIATE_SERVICE_URL, or nil when
// the URL is absent or unusable.
func weaviateClient() *weaviate.Client {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Sanitize: Trim quotes and whitespace just in case Podman passes them literally
	weaviateURL = strings.Trim(weaviateURL, "\"' ")
	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Using the in-memory exemplar catalog.")
		return nil
	}
	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Using the in-memory exemplar catalog.",
			"url", weaviateURL, "error", err)
		return nil
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client", "error", err)
		return nil
	}
	return client
}

func runServe(cmd *cobra.Command, args []string) {
	if err := config.Load(); err != nil {
		log.Fatalf("FATAL: could not load the configuration: %v", err)
	}
	cfg := config.Global

	logger, closeLog, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Service: "hybridd",
		LogDir:  cfg.Logging.Dir,
	})
	if err != nil {
		log.Fatalf("FATAL: could not build the logger: %v", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		log.Fatalf("FATAL: could not open the %s state store: %v", cfg.Store.Backend, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close the state store", "error", err)
		}
	}()

	syncCfg := syncConfigFrom(cfg.Sync)
	syncer, err := bridge.NewSynchronizer(store, bridge.NewMapper(bridge.DefaultMapperConfig()),
		bridge.NewResolver(), syncCfg, logger)
	if err != nil {
		log.Fatalf("FATAL: could not create the synchronizer: %v", err)
	}

	registry := tools.NewRegistry()
	gate := tools.NewInProcessGate()
	execCfg := tools.DefaultExecutorConfig()
	if cfg.Executor.ApprovalWindowSeconds > 0 {
		execCfg.ApprovalWindow = time.Duration(cfg.Executor.ApprovalWindowSeconds) * time.Second
	}
	if cfg.Executor.ToolTimeoutSeconds > 0 {
		execCfg.ToolTimeout = time.Duration(cfg.Executor.ToolTimeoutSeconds) * time.Second
	}
	executor, err := tools.NewExecutor(registry, gate, syncer, execCfg, logger)
	if err != nil {
		log.Fatalf("FATAL: could not create the tool executor: %v", err)
	}
	audit := &tools.AuditHook{Logger: logger}
	executor.Use(audit)
	executor.After(audit)

	log.Println("Configuring the LLM Client")
	llmClient, err := buildLLMClient(cfg.Router.LLMBackend)
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	router, err := buildRouter(ctx, cfg.Router, llmClient, logger)
	if err != nil {
		log.Fatalf("FATAL: could not build the intent router: %v", err)
	}

	var conversational orchestrator.ConversationalRuntime
	if llmClient != nil {
		conversational, err = runtimes.NewLLMConversational(llmClient)
		if err != nil {
			log.Fatalf("FATAL: could not create the conversational runtime: %v", err)
		}
	}
	structured := runtimes.NewStepSequence()

	orchCfg := orchestrator.DefaultConfig()
	if cfg.Orchestrator.MaxActiveSessions != 0 {
		orchCfg.MaxActive = cfg.Orchestrator.MaxActiveSessions
	}
	if cfg.Orchestrator.MaxTurns > 0 {
		orchCfg.MaxTurns = cfg.Orchestrator.MaxTurns
	}
	admission := orchestrator.NewAdmission(store, orchCfg.Namespace, orchCfg.MaxActive)
	orch, err := orchestrator.New(router, syncer, executor, structured, conversational,
		admission, orchCfg, logger)
	if err != nil {
		log.Fatalf("FATAL: could not create the orchestrator: %v", err)
	}

	if cfg.Reaper.Enabled {
		reaperCfg := orchestrator.DefaultReaperConfig()
		reaperCfg.Namespace = orchCfg.Namespace
		reaperCfg.Logger = logger
		if cfg.Reaper.IdleTTLHours > 0 {
			reaperCfg.IdleTTL = time.Duration(cfg.Reaper.IdleTTLHours) * time.Hour
		}
		if cfg.Reaper.IntervalMinutes > 0 {
			reaperCfg.Interval = time.Duration(cfg.Reaper.IntervalMinutes) * time.Minute
		}
		go orchestrator.NewReaper(store, reaperCfg).Run(ctx)
	}

	engine := gin.Default()
	engine.Use(otelgin.Middleware("hybrid-service"))
	routes.SetupRoutes(engine, orch, syncer, gate, admission)
	log.Println("started up the container")

	server := &http.Server{Addr: ":" + cfg.Server.Port, Handler: engine}
	go func() {
		log.Println("Starting the hybrid server on port ", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
}
