package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxhome/command-resolver/internal/cache"
	"github.com/voxhome/command-resolver/internal/config"
	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/core/ports"
	execpkg "github.com/voxhome/command-resolver/internal/exec"
	"github.com/voxhome/command-resolver/internal/index"
	"github.com/voxhome/command-resolver/internal/infrastructure/chat/gemini"
	neo4jgraph "github.com/voxhome/command-resolver/internal/infrastructure/graph/neo4j"
	"github.com/voxhome/command-resolver/internal/infrastructure/homeassistant"
	"github.com/voxhome/command-resolver/internal/infrastructure/llm/ollama"
	natsqueue "github.com/voxhome/command-resolver/internal/infrastructure/queue/nats"
	"github.com/voxhome/command-resolver/internal/infrastructure/repository/postgres"
	"github.com/voxhome/command-resolver/internal/infrastructure/resilience"
	"github.com/voxhome/command-resolver/internal/observability/logging"
	"github.com/voxhome/command-resolver/internal/observability/metrics"
	"github.com/voxhome/command-resolver/internal/pipeline"
	"github.com/voxhome/command-resolver/internal/resolve"

	neo4jdriver "github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// App holds the wired object graph for one process.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Pipeline
	Processor ports.CommandResolver
	Engine    *cache.Engine
	Couplings ports.CouplingAdmin

	sessions *pipeline.SessionStore
	queue    *natsqueue.Queue

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger := logging.NewJSONLogger("command-resolver", cfg.LogLevel)
	m := metrics.NewPipeline()

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	aliases := postgres.NewAliasRepository(db)
	if err := aliases.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure alias schema: %w", err)
	}

	home := homeassistant.New(cfg.HomeAssistantURL, cfg.HomeAssistantToken)

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel)
	embedder := ollama.NewEmbedder(ollamaClient)
	parser := ollama.NewIntentParser(ollamaClient)
	reranker := ollama.NewReranker(cfg.RerankerURL, cfg.RerankerModel)

	idx := index.New(index.Config{
		Alpha:          cfg.HybridAlpha,
		NgramSize:      cfg.HybridNgramSize,
		HybridDisabled: !cfg.HybridEnabled,
		Logger:         logger,
		Metrics:        m,
	})
	snapshots := cache.NewFileSnapshotStore(cfg.CacheSnapshotPath)
	engine := cache.NewEngine(idx, embedder, reranker, snapshots, cache.Config{
		RerankerThreshold:     cfg.RerankerThreshold,
		VectorSearchTopK:      cfg.VectorSearchTopK,
		VectorSearchThreshold: cfg.VectorSearchThreshold,
		CacheMaxEntries:       cfg.CacheMaxEntries,
		MinLearnWords:         cfg.MinLearnWords,
		CacheOnly:             cfg.SkipStage1LLM,
		EmbeddingModel:        cfg.OllamaEmbedModel,
		Metrics:               m,
	}, logger)

	restored, err := engine.Restore(ctx)
	if err != nil {
		logger.Warn("cache_restore_failed", "error", err)
	}
	if restored == 0 || cfg.CacheRegenerate {
		if err := seedAnchors(ctx, engine, home, embedder, cfg.AnchorPatternsPath, logger); err != nil {
			logger.Warn("anchor_seed_failed", "error", err)
		}
	}

	var graph *neo4jgraph.CouplingGraph
	var couplings ports.CouplingGraph
	if cfg.Neo4jEnabled {
		driver, err := neo4jdriver.NewDriverWithContext(cfg.Neo4jURI,
			neo4jdriver.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init neo4j driver: %w", err)
		}
		graph = neo4jgraph.NewCouplingGraph(driver, cfg.Neo4jDatabase)
		couplings = graph
	}

	resolver := resolve.NewResolver(home, aliases, couplings, logger)
	verifier := execpkg.NewVerifier(home, home, logger,
		execpkg.WithVerifyWindow(time.Duration(cfg.VerifyTimeoutSeconds)*time.Second))

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts: cfg.LLMMaxRetries + 1,
	})

	stages := []pipeline.Stage{
		pipeline.NewNativeStage(home, resolver, logger),
		pipeline.NewCacheStage(engine, logger),
	}
	if !cfg.SkipStage1LLM {
		stages = append(stages, pipeline.NewLLMStage(parser, resolver, home, executor,
			time.Duration(cfg.LLMTimeoutSeconds)*time.Second, logger))
	}
	chatClient := gemini.New(cfg.GeminiAPIKey,
		gemini.WithModel(cfg.GeminiModel),
		gemini.WithRateLimit(cfg.GeminiRatePerMinute))
	stages = append(stages, pipeline.NewChatStage(chatClient, resolver, logger))

	orch := pipeline.NewOrchestrator(stages, m, logger)
	sessions := pipeline.NewSessionStore(time.Duration(cfg.SessionTTLMinutes) * time.Minute)

	var queue *natsqueue.Queue
	if cfg.NATSEnabled {
		queue, err = natsqueue.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, natsqueue.Options{
			ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig()),
			Logger:             logger,
		})
		if err != nil {
			// The queue only offloads learning; turns still learn inline
			// without it.
			logger.Warn("nats_unavailable", "error", err)
			queue = nil
		}
	}

	var learnQueue ports.LearnQueue
	if queue != nil {
		learnQueue = queue
	}

	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Orchestrator: orch,
		Sessions:     sessions,
		Verifier:     verifier,
		Registry:     home,
		Aliases:      aliases,
		Queue:        learnQueue,
		Engine:       engine,
		Metrics:      m,
		Logger:       logger,
		ChatModeTTL:  time.Duration(cfg.ChatModeTTLSeconds) * time.Second,
	})

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   m,
		Processor: processor,
		Engine:    engine,
		sessions:  sessions,
		queue:     queue,
		closeFn: func() {
			if queue != nil {
				queue.Close()
			}
			if graph != nil {
				_ = graph.Close(context.Background())
			}
			_ = db.Close()
		},
	}
	if graph != nil {
		app.Couplings = graph
	}
	return app, nil
}

// Start launches the background loops: the learn-event consumer and the
// session sweeper. It returns immediately; loops stop when ctx is done.
func (a *App) Start(ctx context.Context) {
	if a.queue != nil {
		go func() {
			err := a.queue.SubscribeVerifiedCommand(ctx, func(ctx context.Context, cmd domain.VerifiedCommand) error {
				return a.Engine.Learn(ctx, cmd)
			})
			if err != nil {
				a.Logger.Error("learn_subscriber_stopped", "error", err)
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.sessions.Sweep()
			}
		}
	}()
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func seedAnchors(
	ctx context.Context,
	engine *cache.Engine,
	registry ports.DeviceRegistry,
	embedder ports.Embedder,
	patternsPath string,
	logger *slog.Logger,
) error {
	patterns, err := cache.LoadPatterns(patternsPath)
	if err != nil {
		return fmt.Errorf("load anchor patterns: %w", err)
	}
	gen := cache.NewAnchorGenerator(registry, embedder, logger)
	anchors, err := gen.Generate(ctx, patterns)
	if err != nil {
		return fmt.Errorf("generate anchors: %w", err)
	}
	if err := engine.SeedAnchors(ctx, anchors); err != nil {
		return fmt.Errorf("seed anchors: %w", err)
	}
	logger.Info("anchors_seeded", "count", len(anchors))
	return nil
}
