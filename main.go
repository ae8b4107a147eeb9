package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/bloom"
	"github.com/graphweave/graphweave-engine/pkg/config"
	"github.com/graphweave/graphweave-engine/pkg/graph"
	"github.com/graphweave/graphweave-engine/pkg/kvstore"
	"github.com/graphweave/graphweave-engine/pkg/llm"
	"github.com/graphweave/graphweave-engine/pkg/logging"
	"github.com/graphweave/graphweave-engine/pkg/search"
	"github.com/graphweave/graphweave-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

// loadConfig prefers config.yaml when present and falls back to
// environment-only configuration otherwise.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat("config.yaml"); err == nil {
		return config.Load(Version)
	}
	return config.LoadFromEnv(Version)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("client_name", cfg.ClientName),
		zap.String("graph_uri", logging.SanitizeConnectionString(cfg.Graph.URI)),
		zap.String("redis_addr", cfg.Redis.Addr()),
		zap.Bool("llm_evaluator", cfg.LLM.IsAvailable()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := kvstore.NewRedisStore(ctx, kvstore.RedisOptions{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatal("failed to connect to redis",
			zap.String("error", logging.SanitizeError(err)))
	}
	defer kv.Close()

	graphStore, err := graph.NewNeo4jStore(ctx, graph.Neo4jOptions{
		URI:            cfg.Graph.URI,
		Username:       cfg.Graph.Username,
		Password:       cfg.Graph.Password,
		Database:       cfg.Graph.Database,
		ConnectTimeout: time.Duration(cfg.Graph.TimeoutSeconds) * time.Second,
		MaxPoolSize:    cfg.Graph.MaxPoolSize,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to graph store",
			zap.String("error", logging.SanitizeError(err)))
	}
	defer graphStore.Close(context.Background())

	filter := bloom.New(kv, bloom.Config{
		Key:    cfg.Bloom.Key,
		Bits:   cfg.Bloom.Bits,
		Hashes: cfg.Bloom.Hashes,
	}, logger)
	fuzzy := search.NewService(filter, graphStore, logger)

	jobs := services.NewJobManager(kv, cfg.Jobs, logger)
	heuristics := services.NewHeuristicEngine(graphStore, cfg.Heuristics, logger)

	var evaluator services.Evaluator
	if cfg.LLM.IsAvailable() {
		client, err := llm.NewClient(&llm.Config{
			Endpoint: cfg.LLM.Endpoint,
			Model:    cfg.LLM.Model,
			APIKey:   cfg.LLM.APIKey,
		}, logger)
		if err != nil {
			logger.Fatal("failed to create llm client", zap.Error(err))
		}
		breaker := llm.NewCircuitBreaker(llm.DefaultCircuitBreakerConfig())
		evaluator = services.NewLLMEvaluator(client, breaker, cfg.Heuristics, logger)
	} else {
		logger.Warn("no llm endpoint configured, using threshold evaluator")
		evaluator = services.NewThresholdEvaluator(cfg.Heuristics, logger)
	}

	freshFor := time.Duration(cfg.Ingest.FreshnessSeconds) * time.Second
	candidates := services.NewCandidateService(
		kv, graphStore, heuristics, evaluator, jobs,
		cfg.Heuristics, cfg.ClientName, freshFor, logger)
	ingest := services.NewIngestService(
		kv, graphStore, fuzzy, jobs, cfg.Ingest, cfg.ClientName, logger)

	if err := fuzzy.Rebuild(ctx); err != nil {
		logger.Warn("initial index rebuild failed, continuing with empty index", zap.Error(err))
	}

	scheduler := services.NewScheduler(cfg.Scheduler, logger)
	logger.Info("starting graphweave-engine", zap.String("version", cfg.Version))
	scheduler.Run(ctx, ingest, func(ctx context.Context) error {
		if _, err := ingest.SweepStale(ctx); err != nil {
			logger.Warn("staleness sweep failed", zap.Error(err))
		}

		jobID, err := jobs.CreateJob(ctx, 0)
		if err != nil {
			return err
		}
		return candidates.Reconcile(ctx, jobID)
	})

	logger.Info("shutdown complete")
}
