package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jonathan/apply-agent/internal/config"
	"github.com/jonathan/apply-agent/internal/extraction"
	"github.com/jonathan/apply-agent/internal/fetch"
	"github.com/jonathan/apply-agent/internal/generation"
	"github.com/jonathan/apply-agent/internal/llm"
	"github.com/jonathan/apply-agent/internal/metrics"
	"github.com/jonathan/apply-agent/internal/orchestrator"
	"github.com/jonathan/apply-agent/internal/profile"
	"github.com/jonathan/apply-agent/internal/store"
)

// components is the wired object graph shared by serve and submit.
type components struct {
	store    store.Store
	cache    generation.Cache
	client   llm.Client
	orch     *orchestrator.Orchestrator
	metrics  *metrics.Metrics
	closeFns []func()
}

func (c *components) close() {
	for i := len(c.closeFns) - 1; i >= 0; i-- {
		c.closeFns[i]()
	}
}

// buildComponents assembles the pipeline from configuration. An empty DB
// DSN selects the in-memory store; an empty Redis address selects the
// in-process answer cache.
func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{}

	if cfg.Gemini.APIKey == "" {
		return nil, fmt.Errorf("gemini.api_key (or APPLY_AGENT_GEMINI_API_KEY) is required")
	}
	client, err := llm.NewClient(ctx, llm.DefaultGeminiConfig(), cfg.Gemini.APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}
	c.client = client
	c.closeFns = append(c.closeFns, func() { _ = client.Close() })

	var st store.Store
	var profiles profile.Provider
	if cfg.DB.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		c.closeFns = append(c.closeFns, pool.Close)
		st = store.NewPostgresStoreWithPool(pool)
		profiles = profile.NewPostgresProvider(pool)
	} else {
		logger.Warn("no database configured, using in-memory store")
		st = store.NewMemoryStore()
		profiles = &profile.Static{}
	}
	c.store = st

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("pinging redis: %w", err)
		}
		c.closeFns = append(c.closeFns, func() { _ = rdb.Close() })
		c.cache = generation.NewRedisCache(rdb, cfg.CacheTTL())
	} else {
		c.cache = generation.NewMemoryCache()
	}

	opts := fetch.DefaultOptions()
	opts.Timeout = cfg.FetchTimeout()
	if cfg.Fetch.UserAgent != "" {
		opts.UserAgent = cfg.Fetch.UserAgent
	}
	fetcher := fetch.NewFetcher(fetch.FetcherConfig{
		Options:       opts,
		RenderTimeout: cfg.RenderTimeout(),
		Logger:        logger,
	})

	c.metrics = metrics.New(prometheus.DefaultRegisterer)
	c.orch = orchestrator.New(
		st,
		fetcher,
		extraction.NewAdapter(client),
		profiles,
		generation.NewGenerator(client),
		c.cache,
		orchestrator.Config{
			MaxConcurrentGenerations: int64(cfg.Pipeline.MaxConcurrentGenerations),
			TaskAttemptCeiling:       cfg.Pipeline.TaskAttemptCeiling,
			CallTimeout:              cfg.CallTimeout(),
		},
		logger,
		c.metrics,
	)
	return c, nil
}
