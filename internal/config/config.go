// Package config loads the service configuration from defaults, an optional
// YAML file, and environment overrides, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Hard ceilings that user configuration can never raise.
const (
	HardMaxSubQuestions          = 6
	HardMaxQueriesPerSubQuestion = 4
)

// SourcePolicyHybridTrustedFirst inserts a trusted-domain search phase ahead
// of broad search for business-intent runs.
const SourcePolicyHybridTrustedFirst = "hybrid_trusted_first"

// Config is the root configuration for the astra service.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Research  ResearchConfig  `mapstructure:"research"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Streaming StreamingConfig `mapstructure:"streaming"`
}

// ServiceConfig contains HTTP server settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// LLMConfig configures the OpenAI-compatible model client.
type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Temperature    float32       `mapstructure:"temperature"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// SearchConfig configures the web search providers and the shared run budget
// for provider calls.
type SearchConfig struct {
	TavilyAPIKey       string        `mapstructure:"tavily_api_key"`
	ExaAPIKey          string        `mapstructure:"exa_api_key"`
	FirecrawlAPIKey    string        `mapstructure:"firecrawl_api_key"`
	EnableExa          bool          `mapstructure:"enable_exa"`
	EnableFirecrawl    bool          `mapstructure:"enable_firecrawl"`
	WikipediaUserAgent string        `mapstructure:"wikipedia_user_agent"`
	MaxCallsPerRun     int           `mapstructure:"max_calls_per_run"`
	MaxPerDomain       int           `mapstructure:"max_per_domain"`
	FailFastOnQuota    bool          `mapstructure:"fail_fast_on_quota"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	CacheSize          int           `mapstructure:"cache_size"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	RateLimitsPath     string        `mapstructure:"rate_limits_path"`
}

// ResearchConfig bounds the evidence collection stage.
type ResearchConfig struct {
	MaxSubQuestions              int     `mapstructure:"max_sub_questions"`
	MaxQueriesPerSubQuestion     int     `mapstructure:"max_queries_per_subquestion"`
	MaxResultsPerQuery           int     `mapstructure:"max_results_per_query"`
	HistoricalMaxResultsPerQuery int     `mapstructure:"historical_max_results_per_query"`
	MaxAcceptedSourcesTotal      int     `mapstructure:"max_accepted_sources_total"`
	MaxAcceptedPerSubQuestion    int     `mapstructure:"max_accepted_per_subquestion"`
	MaxDomainRepeat              int     `mapstructure:"max_domain_repeat"`
	MaxConcurrency               int     `mapstructure:"max_concurrency"`
	SourcePolicy                 string  `mapstructure:"source_policy"`
	EnableRefinement             bool    `mapstructure:"enable_refinement"`
	MaxRefinementLoops           int     `mapstructure:"max_refinement_loops"`
	BusinessAcceptThreshold      float64 `mapstructure:"business_accept_threshold"`
	HistoricalAcceptThreshold    float64 `mapstructure:"historical_accept_threshold"`
	// Comma-separated sub-question ids that fail deterministically.
	// Fault injection hook for exercising partial-failure behavior.
	SimulatedFailureSubQuestions string `mapstructure:"simulated_failure_subquestions"`
}

// SimulatedFailures parses the fault-injection list into a set.
func (r ResearchConfig) SimulatedFailures() map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(r.SimulatedFailureSubQuestions, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}

// QualityConfig bounds the coverage gate.
type QualityConfig struct {
	MinTotalSources int     `mapstructure:"min_total_sources"`
	MinTrustedRatio float64 `mapstructure:"min_trusted_ratio"`
}

// ScoringConfig points at the domain tier registry.
type ScoringConfig struct {
	DomainsPath string `mapstructure:"domains_path"`
}

// MemoryConfig configures the Redis-backed thread store.
type MemoryConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	ThreadTTL     time.Duration `mapstructure:"thread_ttl"`
}

// DatabaseConfig configures the optional Postgres run archive. An empty URL
// disables archiving.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Enabled reports whether run archiving is configured.
func (d DatabaseConfig) Enabled() bool { return strings.TrimSpace(d.URL) != "" }

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// StreamingConfig configures the in-process event bus.
type StreamingConfig struct {
	RingCapacity      int           `mapstructure:"ring_capacity"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// DefaultConfig returns the built-in configuration. Every knob the loader
// understands has its default declared here.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:        8080,
			ReadTimeout: 30 * time.Second,
			// SSE responses stream for the whole run, so the write
			// timeout stays disabled.
			WriteTimeout:    0,
			IdleTimeout:     120 * time.Second,
			GracefulTimeout: 30 * time.Second,
			MaxHeaderBytes:  1 << 20,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Development: false,
		},
		LLM: LLMConfig{
			Model:          "gpt-4.1-mini",
			Temperature:    0.2,
			RequestTimeout: 60 * time.Second,
			MaxRetries:     2,
		},
		Search: SearchConfig{
			EnableExa:          true,
			EnableFirecrawl:    true,
			WikipediaUserAgent: "AstraDeepResearchStudio/1.0 (research-assistant; contact: local-dev)",
			MaxCallsPerRun:     40,
			MaxPerDomain:       2,
			FailFastOnQuota:    true,
			HTTPTimeout:        20 * time.Second,
			CacheSize:          256,
			CacheTTL:           5 * time.Minute,
			RateLimitsPath:     "config/providers.yaml",
		},
		Research: ResearchConfig{
			MaxSubQuestions:              6,
			MaxQueriesPerSubQuestion:     2,
			MaxResultsPerQuery:           3,
			HistoricalMaxResultsPerQuery: 5,
			MaxAcceptedSourcesTotal:      15,
			MaxAcceptedPerSubQuestion:    4,
			MaxDomainRepeat:              2,
			MaxConcurrency:               4,
			SourcePolicy:                 SourcePolicyHybridTrustedFirst,
			EnableRefinement:             true,
			MaxRefinementLoops:           1,
			BusinessAcceptThreshold:      0.44,
			HistoricalAcceptThreshold:    0.38,
		},
		Quality: QualityConfig{
			MinTotalSources: 8,
			MinTrustedRatio: 0.60,
		},
		Scoring: ScoringConfig{
			DomainsPath: "config/domains.yaml",
		},
		Memory: MemoryConfig{
			RedisAddr: "localhost:6379",
			RedisDB:   0,
			ThreadTTL: 72 * time.Hour,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "astra",
			SampleRatio:  1.0,
		},
		Streaming: StreamingConfig{
			RingCapacity:      256,
			SubscriberBuffer:  64,
			HeartbeatInterval: 15 * time.Second,
		},
	}
}

// bindEnvAliases wires the environment variables operators actually set to
// their config keys. The ASTRA_ prefixed form of every key works as well via
// AutomaticEnv.
func bindEnvAliases(v *viper.Viper) {
	aliases := [][2]string{
		{"service.port", "PORT"},
		{"logging.level", "LOG_LEVEL"},
		{"llm.api_key", "OPENAI_API_KEY"},
		{"llm.base_url", "OPENAI_BASE_URL"},
		{"llm.model", "LLM_MODEL"},
		{"llm.temperature", "LLM_TEMPERATURE"},
		{"search.tavily_api_key", "TAVILY_API_KEY"},
		{"search.exa_api_key", "EXA_API_KEY"},
		{"search.firecrawl_api_key", "FIRECRAWL_API_KEY"},
		{"search.enable_exa", "ENABLE_EXA"},
		{"search.enable_firecrawl", "ENABLE_FIRECRAWL"},
		{"search.wikipedia_user_agent", "WIKIPEDIA_USER_AGENT"},
		{"search.max_calls_per_run", "SEARCH_MAX_CALLS_PER_RUN"},
		{"search.fail_fast_on_quota", "FAIL_FAST_ON_QUOTA"},
		{"research.max_sub_questions", "MAX_SUB_QUESTIONS"},
		{"research.max_queries_per_subquestion", "MAX_QUERIES_PER_SUBQUESTION"},
		{"research.max_results_per_query", "MAX_RESULTS_PER_QUERY"},
		{"research.max_accepted_sources_total", "MAX_ACCEPTED_SOURCES_TOTAL"},
		{"research.max_accepted_per_subquestion", "MAX_ACCEPTED_PER_SUBQUESTION"},
		{"research.max_domain_repeat", "MAX_DOMAIN_REPEAT"},
		{"research.max_concurrency", "MAX_CONCURRENCY"},
		{"research.source_policy", "SOURCE_POLICY"},
		{"research.enable_refinement", "ENABLE_REFINEMENT"},
		{"research.max_refinement_loops", "MAX_REFINEMENT_LOOPS"},
		{"research.simulated_failure_subquestions", "SIMULATE_RESEARCH_FAILURE_SUBQS"},
		{"quality.min_total_sources", "QUALITY_MIN_TOTAL_SOURCES"},
		{"quality.min_trusted_ratio", "MIN_TRUSTED_RATIO"},
		{"memory.redis_addr", "REDIS_ADDR"},
		{"memory.redis_password", "REDIS_PASSWORD"},
		{"database.url", "DATABASE_URL"},
		{"tracing.enabled", "TRACING_ENABLED"},
		{"tracing.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT"},
	}
	replacer := strings.NewReplacer(".", "_")
	for _, a := range aliases {
		_ = v.BindEnv(a[0], "ASTRA_"+strings.ToUpper(replacer.Replace(a[0])), a[1])
	}
}

// Load builds the effective configuration. A .env file in the working
// directory is folded into the process environment first. The YAML file at
// CONFIG_PATH (default config/astra.yaml) is optional; a missing file is not
// an error, a malformed one is.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("ASTRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/astra.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		// Only fail when the file exists but cannot be parsed.
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("service.port", d.Service.Port)
	v.SetDefault("service.read_timeout", d.Service.ReadTimeout)
	v.SetDefault("service.write_timeout", d.Service.WriteTimeout)
	v.SetDefault("service.idle_timeout", d.Service.IdleTimeout)
	v.SetDefault("service.graceful_timeout", d.Service.GracefulTimeout)
	v.SetDefault("service.max_header_bytes", d.Service.MaxHeaderBytes)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.request_timeout", d.LLM.RequestTimeout)
	v.SetDefault("llm.max_retries", d.LLM.MaxRetries)
	v.SetDefault("search.tavily_api_key", d.Search.TavilyAPIKey)
	v.SetDefault("search.exa_api_key", d.Search.ExaAPIKey)
	v.SetDefault("search.firecrawl_api_key", d.Search.FirecrawlAPIKey)
	v.SetDefault("search.enable_exa", d.Search.EnableExa)
	v.SetDefault("search.enable_firecrawl", d.Search.EnableFirecrawl)
	v.SetDefault("search.wikipedia_user_agent", d.Search.WikipediaUserAgent)
	v.SetDefault("search.max_calls_per_run", d.Search.MaxCallsPerRun)
	v.SetDefault("search.max_per_domain", d.Search.MaxPerDomain)
	v.SetDefault("search.fail_fast_on_quota", d.Search.FailFastOnQuota)
	v.SetDefault("search.http_timeout", d.Search.HTTPTimeout)
	v.SetDefault("search.cache_size", d.Search.CacheSize)
	v.SetDefault("search.cache_ttl", d.Search.CacheTTL)
	v.SetDefault("search.rate_limits_path", d.Search.RateLimitsPath)
	v.SetDefault("research.max_sub_questions", d.Research.MaxSubQuestions)
	v.SetDefault("research.max_queries_per_subquestion", d.Research.MaxQueriesPerSubQuestion)
	v.SetDefault("research.max_results_per_query", d.Research.MaxResultsPerQuery)
	v.SetDefault("research.historical_max_results_per_query", d.Research.HistoricalMaxResultsPerQuery)
	v.SetDefault("research.max_accepted_sources_total", d.Research.MaxAcceptedSourcesTotal)
	v.SetDefault("research.max_accepted_per_subquestion", d.Research.MaxAcceptedPerSubQuestion)
	v.SetDefault("research.max_domain_repeat", d.Research.MaxDomainRepeat)
	v.SetDefault("research.max_concurrency", d.Research.MaxConcurrency)
	v.SetDefault("research.source_policy", d.Research.SourcePolicy)
	v.SetDefault("research.enable_refinement", d.Research.EnableRefinement)
	v.SetDefault("research.max_refinement_loops", d.Research.MaxRefinementLoops)
	v.SetDefault("research.business_accept_threshold", d.Research.BusinessAcceptThreshold)
	v.SetDefault("research.historical_accept_threshold", d.Research.HistoricalAcceptThreshold)
	v.SetDefault("research.simulated_failure_subquestions", d.Research.SimulatedFailureSubQuestions)
	v.SetDefault("quality.min_total_sources", d.Quality.MinTotalSources)
	v.SetDefault("quality.min_trusted_ratio", d.Quality.MinTrustedRatio)
	v.SetDefault("scoring.domains_path", d.Scoring.DomainsPath)
	v.SetDefault("memory.redis_addr", d.Memory.RedisAddr)
	v.SetDefault("memory.redis_password", d.Memory.RedisPassword)
	v.SetDefault("memory.redis_db", d.Memory.RedisDB)
	v.SetDefault("memory.thread_ttl", d.Memory.ThreadTTL)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
	v.SetDefault("streaming.ring_capacity", d.Streaming.RingCapacity)
	v.SetDefault("streaming.subscriber_buffer", d.Streaming.SubscriberBuffer)
	v.SetDefault("streaming.heartbeat_interval", d.Streaming.HeartbeatInterval)
}

// Normalize clamps user-supplied values into their allowed ranges.
func (c *Config) Normalize() {
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		c.Service.Port = 8080
	}
	if c.Research.MaxSubQuestions < 1 {
		c.Research.MaxSubQuestions = 1
	}
	if c.Research.MaxSubQuestions > HardMaxSubQuestions {
		c.Research.MaxSubQuestions = HardMaxSubQuestions
	}
	if c.Research.MaxQueriesPerSubQuestion < 1 {
		c.Research.MaxQueriesPerSubQuestion = 1
	}
	if c.Research.MaxQueriesPerSubQuestion > HardMaxQueriesPerSubQuestion {
		c.Research.MaxQueriesPerSubQuestion = HardMaxQueriesPerSubQuestion
	}
	if c.Research.MaxConcurrency < 1 {
		c.Research.MaxConcurrency = 1
	}
	if c.Research.MaxRefinementLoops < 0 {
		c.Research.MaxRefinementLoops = 0
	}
	if c.Search.MaxCallsPerRun < 1 {
		c.Search.MaxCallsPerRun = 1
	}
	if c.Search.MaxPerDomain < 1 {
		c.Search.MaxPerDomain = 1
	}
	if c.LLM.Temperature < 0 {
		c.LLM.Temperature = 0
	}
	if c.LLM.Temperature > 2 {
		c.LLM.Temperature = 2
	}
	if c.Quality.MinTrustedRatio < 0 {
		c.Quality.MinTrustedRatio = 0
	}
	if c.Quality.MinTrustedRatio > 1 {
		c.Quality.MinTrustedRatio = 1
	}
	if c.Tracing.SampleRatio < 0 {
		c.Tracing.SampleRatio = 0
	}
	if c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	if c.Streaming.RingCapacity < 16 {
		c.Streaming.RingCapacity = 16
	}
	if c.Streaming.SubscriberBuffer < 1 {
		c.Streaming.SubscriberBuffer = 1
	}
}

// Validate rejects values Normalize cannot repair.
func (c *Config) Validate() error {
	var problems []string
	if c.Research.MaxResultsPerQuery < 1 {
		problems = append(problems, "research.max_results_per_query must be >= 1")
	}
	if c.Research.MaxAcceptedSourcesTotal < 1 {
		problems = append(problems, "research.max_accepted_sources_total must be >= 1")
	}
	if c.Research.MaxAcceptedPerSubQuestion < 1 {
		problems = append(problems, "research.max_accepted_per_subquestion must be >= 1")
	}
	if c.Research.MaxDomainRepeat < 1 {
		problems = append(problems, "research.max_domain_repeat must be >= 1")
	}
	if c.Research.BusinessAcceptThreshold < 0 || c.Research.BusinessAcceptThreshold > 1 {
		problems = append(problems, "research.business_accept_threshold must be in [0,1]")
	}
	if c.Research.HistoricalAcceptThreshold < 0 || c.Research.HistoricalAcceptThreshold > 1 {
		problems = append(problems, "research.historical_accept_threshold must be in [0,1]")
	}
	if c.Quality.MinTotalSources < 1 {
		problems = append(problems, "quality.min_total_sources must be >= 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
