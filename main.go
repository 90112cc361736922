// astra is the deep-research service: an HTTP API that plans a query into
// sub-questions, researches them concurrently across web search providers
// under shared budgets, writes a cited report through dual quality gates,
// and streams the whole run over SSE and WebSocket.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/astra-studio/astra/internal/config"
	"github.com/astra-studio/astra/internal/db"
	"github.com/astra-studio/astra/internal/health"
	"github.com/astra-studio/astra/internal/httpapi"
	"github.com/astra-studio/astra/internal/llm"
	"github.com/astra-studio/astra/internal/pipeline"
	"github.com/astra-studio/astra/internal/planner"
	"github.com/astra-studio/astra/internal/quality"
	"github.com/astra-studio/astra/internal/research"
	"github.com/astra-studio/astra/internal/scoring"
	"github.com/astra-studio/astra/internal/search"
	"github.com/astra-studio/astra/internal/streaming"
	"github.com/astra-studio/astra/internal/threads"
	"github.com/astra-studio/astra/internal/tracing"
	"github.com/astra-studio/astra/internal/writer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger); err != nil {
		logger.Warn("Tracing init failed", zap.Error(err))
	}

	// Provider pacing discovers its limits file through this env var.
	if p := cfg.Search.RateLimitsPath; p != "" && os.Getenv("PROVIDERS_CONFIG_PATH") == "" {
		os.Setenv("PROVIDERS_CONFIG_PATH", p)
	}

	tiers := scoring.NewTierRegistry(logger)
	if err := tiers.LoadFile(cfg.Scoring.DomainsPath); err != nil {
		logger.Warn("Domain tier file not loaded; built-in tiers in effect",
			zap.String("path", cfg.Scoring.DomainsPath), zap.Error(err))
	} else if err := tiers.Watch(); err != nil {
		logger.Warn("Domain tier hot reload unavailable", zap.Error(err))
	}

	modelClient := llm.New(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		Temperature:    cfg.LLM.Temperature,
		RequestTimeout: cfg.LLM.RequestTimeout,
		MaxRetries:     cfg.LLM.MaxRetries,
	}, logger)

	httpClient := &http.Client{Timeout: cfg.Search.HTTPTimeout}
	providers, providerNames := buildProviders(cfg.Search, httpClient, logger)
	wikipedia := search.NewWikipedia(cfg.Search.WikipediaUserAgent, httpClient, logger)
	router := search.NewRouter(providers, wikipedia, search.RouterConfig{
		MaxPerDomain: cfg.Search.MaxPerDomain,
		CacheSize:    cfg.Search.CacheSize,
		CacheTTL:     cfg.Search.CacheTTL,
	}, logger)

	runner := pipeline.New(pipeline.Deps{
		Planner:  planner.New(modelClient, cfg.Research, logger),
		Engine:   research.New(router, wikipedia, modelClient, cfg.Research, cfg.Search, tiers, logger),
		Coverage: quality.NewCoverageGate(cfg.Quality, tiers, logger),
		Reports:  quality.NewReportGate(modelClient, logger),
		Writer:   writer.New(modelClient, cfg.Research, logger),
		Intents:  scoring.KeywordClassifier{},
	}, cfg.Research, logger)

	// Thread store: Redis when reachable, in-memory otherwise.
	var store threads.Store
	var redisStore *threads.RedisStore
	if cfg.Memory.RedisAddr != "" {
		rs, err := threads.NewRedisStore(threads.RedisOptions{
			Addr:     cfg.Memory.RedisAddr,
			Password: cfg.Memory.RedisPassword,
			DB:       cfg.Memory.RedisDB,
			TTL:      cfg.Memory.ThreadTTL,
		}, logger)
		if err != nil {
			logger.Warn("Redis thread store unavailable; threads will not survive restarts",
				zap.String("addr", cfg.Memory.RedisAddr), zap.Error(err))
		} else {
			redisStore = rs
		}
	}
	if redisStore != nil {
		store = redisStore
	} else {
		store = threads.NewMemoryStore()
	}

	archive, err := db.Open(cfg.Database, logger)
	if err != nil {
		logger.Warn("Run archive unavailable; runs will not be archived", zap.Error(err))
	}

	events := streaming.NewManager(cfg.Streaming.RingCapacity)

	hm := health.NewManager(logger)
	if redisStore != nil {
		if err := hm.Register(health.NewRedisChecker(redisStore)); err != nil {
			logger.Warn("Redis health checker not registered", zap.Error(err))
		}
	}
	if archive != nil {
		if err := hm.Register(health.NewPostgresChecker(archive)); err != nil {
			logger.Warn("Postgres health checker not registered", zap.Error(err))
		}
	}
	if err := hm.Register(health.NewProvidersChecker(providerNames)); err != nil {
		logger.Warn("Providers health checker not registered", zap.Error(err))
	}
	hm.Start()

	api := httpapi.NewServer(runner, store, events, archive, cfg.Streaming, logger)

	mux := http.NewServeMux()
	hm.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	apiMux := http.NewServeMux()
	api.RegisterRoutes(apiMux)
	mux.Handle("/", api.Wrap(apiMux))

	srv := &http.Server{
		Addr:           ":" + strconv.Itoa(cfg.Service.Port),
		Handler:        mux,
		ReadTimeout:    cfg.Service.ReadTimeout,
		WriteTimeout:   cfg.Service.WriteTimeout,
		IdleTimeout:    cfg.Service.IdleTimeout,
		MaxHeaderBytes: cfg.Service.MaxHeaderBytes,
	}

	go func() {
		logger.Info("astra listening",
			zap.Int("port", cfg.Service.Port),
			zap.Strings("search_providers", providerNames),
			zap.Bool("redis_threads", redisStore != nil),
			zap.Bool("run_archive", archive != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown incomplete", zap.Error(err))
	}

	hm.Stop()
	if err := archive.Close(); err != nil {
		logger.Error("Run archive close failed", zap.Error(err))
	}
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			logger.Error("Thread store close failed", zap.Error(err))
		}
	}
	tiers.Close()
}

// buildProviders assembles the primary search ladder from configuration.
// Order matters: the router interleaves primaries round-robin, so Tavily
// leads, then Exa, then Firecrawl. The returned names feed the providers
// health checker; the keyless encyclopedia fallback is not counted.
func buildProviders(cfg config.SearchConfig, client *http.Client, logger *zap.Logger) ([]search.Provider, []string) {
	var providers []search.Provider
	if cfg.TavilyAPIKey != "" {
		providers = append(providers, search.NewTavily(cfg.TavilyAPIKey, client, logger))
	}
	if cfg.EnableExa && cfg.ExaAPIKey != "" {
		providers = append(providers, search.NewExa(cfg.ExaAPIKey, client, logger))
	}
	if cfg.EnableFirecrawl && cfg.FirecrawlAPIKey != "" {
		providers = append(providers, search.NewFirecrawl(cfg.FirecrawlAPIKey, client, logger))
	}
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	return providers, names
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}
