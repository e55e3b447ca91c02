package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "standard", cfg.SecurityLevel)
	assert.True(t, cfg.EnableCaching)
	assert.Equal(t, 30*time.Second, cfg.MaxValidationTime.Std())
	assert.Equal(t, 2, cfg.LLMRetryAttempts)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
security_level: high
enable_caching: false
cache_ttl: 120
llm_timeout: 5s
ml_confidence_threshold: 0.8
security_thresholds:
  standard: 0.7
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "high", cfg.SecurityLevel)
	assert.False(t, cfg.EnableCaching)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL.Std(), "bare numbers are seconds")
	assert.Equal(t, 5*time.Second, cfg.LLMTimeout.Std(), "duration strings are accepted")
	assert.InDelta(t, 0.8, cfg.MLConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.7, cfg.SecurityThresholds["standard"], 1e-9)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "security_level: low\nllm_model: from-file\n")
	t.Setenv("TBH_SECURITY_LEVEL", "maximum")
	t.Setenv("TBH_LLM_TIMEOUT", "7s")
	t.Setenv("TBH_ENABLE_CACHING", "false")
	t.Setenv("TBH_MAX_CACHE_SIZE", "50")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "maximum", cfg.SecurityLevel)
	assert.Equal(t, "from-file", cfg.LLMModel)
	assert.Equal(t, 7*time.Second, cfg.LLMTimeout.Std())
	assert.False(t, cfg.EnableCaching)
	assert.Equal(t, 50, cfg.MaxCacheSize)
}

func TestConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "security_level: high\n")
	t.Setenv("TBH_CONFIG_PATH", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "high", cfg.SecurityLevel)
}

func TestMalformedEnvValueKeepsDefault(t *testing.T) {
	t.Setenv("TBH_MAX_CACHE_SIZE", "not-a-number")
	t.Setenv("TBH_CACHE_TTL", "also wrong")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().MaxCacheSize, cfg.MaxCacheSize)
	assert.Equal(t, Default().CacheTTL, cfg.CacheTTL)
}

func TestInvalidConfigRejected(t *testing.T) {
	path := writeConfig(t, "ml_confidence_threshold: 3.5\n")
	_, err := Load(path)
	assert.Error(t, err)

	path = writeConfig(t, "security_thresholds:\n  custom: 1.7\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestUnparseableFileRejected(t *testing.T) {
	path := writeConfig(t, "security_level: [unterminated\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatchReloadsValidConfig(t *testing.T) {
	path := writeConfig(t, "security_level: standard\n")

	changes := make(chan Config, 4)
	stop, err := Watch(path, nil, func(cfg Config) { changes <- cfg })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("security_level: maximum\n"), 0o644))

	select {
	case cfg := <-changes:
		assert.Equal(t, "maximum", cfg.SecurityLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("config reload not observed")
	}
}

func TestWatchKeepsPreviousOnInvalidReload(t *testing.T) {
	path := writeConfig(t, "security_level: standard\n")

	changes := make(chan Config, 4)
	stop, err := Watch(path, nil, func(cfg Config) { changes <- cfg })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("ml_confidence_threshold: 9.9\n"), 0o644))

	select {
	case cfg := <-changes:
		t.Fatalf("invalid config was delivered: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
