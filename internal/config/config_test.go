package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, "gpt-4.1-mini", cfg.LLM.Model)
	assert.InDelta(t, 0.2, float64(cfg.LLM.Temperature), 1e-6)
	assert.Equal(t, 6, cfg.Research.MaxSubQuestions)
	assert.Equal(t, 2, cfg.Research.MaxQueriesPerSubQuestion)
	assert.Equal(t, 3, cfg.Research.MaxResultsPerQuery)
	assert.Equal(t, 5, cfg.Research.HistoricalMaxResultsPerQuery)
	assert.Equal(t, 15, cfg.Research.MaxAcceptedSourcesTotal)
	assert.Equal(t, 4, cfg.Research.MaxAcceptedPerSubQuestion)
	assert.Equal(t, 2, cfg.Research.MaxDomainRepeat)
	assert.Equal(t, 4, cfg.Research.MaxConcurrency)
	assert.Equal(t, SourcePolicyHybridTrustedFirst, cfg.Research.SourcePolicy)
	assert.True(t, cfg.Research.EnableRefinement)
	assert.Equal(t, 1, cfg.Research.MaxRefinementLoops)
	assert.Equal(t, 40, cfg.Search.MaxCallsPerRun)
	assert.True(t, cfg.Search.FailFastOnQuota)
	assert.Equal(t, 8, cfg.Quality.MinTotalSources)
	assert.InDelta(t, 0.60, cfg.Quality.MinTrustedRatio, 1e-6)
	assert.False(t, cfg.Database.Enabled())
	assert.Equal(t, 15*time.Second, cfg.Streaming.HeartbeatInterval)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MAX_SUB_QUESTIONS", "4")
	t.Setenv("SOURCE_POLICY", "open")
	t.Setenv("SEARCH_MAX_CALLS_PER_RUN", "12")
	t.Setenv("ASTRA_MEMORY_REDIS_ADDR", "redis:6380")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 4, cfg.Research.MaxSubQuestions)
	assert.Equal(t, "open", cfg.Research.SourcePolicy)
	assert.Equal(t, 12, cfg.Search.MaxCallsPerRun)
	assert.Equal(t, "redis:6380", cfg.Memory.RedisAddr)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "astra.yaml")
	body := `
research:
  max_sub_questions: 5
  max_refinement_loops: 2
search:
  max_calls_per_run: 20
quality:
  min_total_sources: 6
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Research.MaxSubQuestions)
	assert.Equal(t, 2, cfg.Research.MaxRefinementLoops)
	assert.Equal(t, 20, cfg.Search.MaxCallsPerRun)
	assert.Equal(t, 6, cfg.Quality.MinTotalSources)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "astra.yaml")
	require.NoError(t, os.WriteFile(path, []byte("research: [not: valid"), 0o644))
	t.Setenv("CONFIG_PATH", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestEnvOverridesBeatYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "astra.yaml")
	require.NoError(t, os.WriteFile(path, []byte("research:\n  max_concurrency: 2\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("MAX_CONCURRENCY", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Research.MaxConcurrency)
}

func TestSimulatedFailures(t *testing.T) {
	r := ResearchConfig{SimulatedFailureSubQuestions: "sq2, sq4,,"}
	set := r.SimulatedFailures()
	assert.Len(t, set, 2)
	assert.Contains(t, set, "sq2")
	assert.Contains(t, set, "sq4")
	assert.Empty(t, ResearchConfig{}.SimulatedFailures())
}

func TestNormalizeClampsToHardCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Research.MaxSubQuestions = 50
	cfg.Research.MaxQueriesPerSubQuestion = 9
	cfg.Research.MaxConcurrency = 0
	cfg.Search.MaxCallsPerRun = -1
	cfg.Normalize()

	assert.Equal(t, HardMaxSubQuestions, cfg.Research.MaxSubQuestions)
	assert.Equal(t, HardMaxQueriesPerSubQuestion, cfg.Research.MaxQueriesPerSubQuestion)
	assert.Equal(t, 1, cfg.Research.MaxConcurrency)
	assert.Equal(t, 1, cfg.Search.MaxCallsPerRun)
}

func TestValidateRejectsBrokenValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Research.MaxResultsPerQuery = 0
	cfg.Research.BusinessAcceptThreshold = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_results_per_query")
	assert.Contains(t, err.Error(), "business_accept_threshold")
}
