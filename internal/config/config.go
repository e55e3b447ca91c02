// Package config loads engine configuration from defaults, an optional YAML
// file, and TBH_-prefixed environment variables, in that order. A file can
// be watched for hot reload; an invalid reload keeps the previous config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace for environment overrides.
const EnvPrefix = "TBH_"

// Duration is a time.Duration that accepts Go duration strings ("500ms")
// or bare seconds (300, 0.5) in YAML and environment values.
type Duration time.Duration

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, perr := parseDuration(raw)
		if perr != nil {
			return perr
		}
		*d = parsed
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return err
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if parsed, err := time.ParseDuration(raw); err == nil {
		return Duration(parsed), nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration %q", raw)
}

// Config is the full engine configuration record.
type Config struct {
	SecurityLevel string `yaml:"security_level" validate:"required"`

	EnableCaching bool     `yaml:"enable_caching"`
	CacheTTL      Duration `yaml:"cache_ttl"`
	MaxCacheSize  int      `yaml:"max_cache_size" validate:"min=0"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db" validate:"min=0"`

	UseParallelValidation bool     `yaml:"use_parallel_validation"`
	MaxValidationTime     Duration `yaml:"max_validation_time"`
	EnableSmartRouting    bool     `yaml:"enable_smart_routing"`

	RegexTimeout     Duration `yaml:"regex_timeout"`
	RegexMaxPatterns int      `yaml:"regex_max_patterns" validate:"min=0"`

	MLConfidenceThreshold float64 `yaml:"ml_confidence_threshold" validate:"min=0,max=1"`
	MLModelPath           string  `yaml:"ml_model_path"`
	MLEnableTraining      bool    `yaml:"ml_enable_training"`

	LLMEndpoint      string   `yaml:"llm_endpoint"`
	LLMAPIKey        string   `yaml:"llm_api_key"`
	LLMModel         string   `yaml:"llm_model"`
	LLMMaxTokens     int      `yaml:"llm_max_tokens" validate:"min=0"`
	LLMTemperature   float64  `yaml:"llm_temperature" validate:"min=0,max=2"`
	LLMTimeout       Duration `yaml:"llm_timeout"`
	LLMRetryAttempts int      `yaml:"llm_retry_attempts" validate:"min=0"`
	LLMRetryDelay    Duration `yaml:"llm_retry_delay"`

	EnableMetrics            bool     `yaml:"enable_metrics"`
	MetricsExportInterval    Duration `yaml:"metrics_export_interval"`
	MetricsExportPath        string   `yaml:"metrics_export_path"`
	EnablePerformanceLogging bool     `yaml:"enable_performance_logging"`

	EnableProductionValidation bool   `yaml:"enable_production_validation"`
	PatternSnapshotPath        string `yaml:"pattern_snapshot_path"`

	// SecurityThresholds overrides the injection threshold per profile name.
	SecurityThresholds map[string]float64 `yaml:"security_thresholds" validate:"dive,min=0,max=1"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		SecurityLevel:         "standard",
		EnableCaching:         true,
		CacheTTL:              Duration(5 * time.Minute),
		MaxCacheSize:          10000,
		UseParallelValidation: true,
		MaxValidationTime:     Duration(30 * time.Second),
		EnableSmartRouting:    true,
		RegexTimeout:          Duration(5 * time.Second),
		MLConfidenceThreshold: 0.7,
		LLMModel:              "sentinel-adjudicator-v2",
		LLMMaxTokens:          512,
		LLMTimeout:            Duration(15 * time.Second),
		LLMRetryAttempts:      2,
		LLMRetryDelay:         Duration(500 * time.Millisecond),
		EnableMetrics:         true,
		MetricsExportInterval: Duration(time.Minute),
	}
}

// Load builds the configuration: defaults, then the YAML file (the path
// argument, or TBH_CONFIG_PATH when empty), then environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG_PATH")
	}
	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration record.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.SecurityLevel = getEnv("SECURITY_LEVEL", cfg.SecurityLevel)
	cfg.EnableCaching = getBoolEnv("ENABLE_CACHING", cfg.EnableCaching)
	cfg.CacheTTL = getDurationEnv("CACHE_TTL", cfg.CacheTTL)
	cfg.MaxCacheSize = getIntEnv("MAX_CACHE_SIZE", cfg.MaxCacheSize)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getIntEnv("REDIS_DB", cfg.RedisDB)

	cfg.UseParallelValidation = getBoolEnv("PARALLEL_VALIDATION", cfg.UseParallelValidation)
	cfg.MaxValidationTime = getDurationEnv("MAX_VALIDATION_TIME", cfg.MaxValidationTime)
	cfg.EnableSmartRouting = getBoolEnv("SMART_ROUTING", cfg.EnableSmartRouting)

	cfg.RegexTimeout = getDurationEnv("REGEX_TIMEOUT", cfg.RegexTimeout)
	cfg.RegexMaxPatterns = getIntEnv("REGEX_MAX_PATTERNS", cfg.RegexMaxPatterns)

	cfg.MLConfidenceThreshold = getFloatEnv("ML_CONFIDENCE_THRESHOLD", cfg.MLConfidenceThreshold)
	cfg.MLModelPath = getEnv("ML_MODEL_PATH", cfg.MLModelPath)
	cfg.MLEnableTraining = getBoolEnv("ML_ENABLE_TRAINING", cfg.MLEnableTraining)

	cfg.LLMEndpoint = getEnv("LLM_ENDPOINT", cfg.LLMEndpoint)
	cfg.LLMAPIKey = getEnv("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMModel = getEnv("LLM_MODEL", cfg.LLMModel)
	cfg.LLMMaxTokens = getIntEnv("LLM_MAX_TOKENS", cfg.LLMMaxTokens)
	cfg.LLMTemperature = getFloatEnv("LLM_TEMPERATURE", cfg.LLMTemperature)
	cfg.LLMTimeout = getDurationEnv("LLM_TIMEOUT", cfg.LLMTimeout)
	cfg.LLMRetryAttempts = getIntEnv("LLM_RETRY_ATTEMPTS", cfg.LLMRetryAttempts)
	cfg.LLMRetryDelay = getDurationEnv("LLM_RETRY_DELAY", cfg.LLMRetryDelay)

	cfg.EnableMetrics = getBoolEnv("ENABLE_METRICS", cfg.EnableMetrics)
	cfg.MetricsExportInterval = getDurationEnv("METRICS_EXPORT_INTERVAL", cfg.MetricsExportInterval)
	cfg.MetricsExportPath = getEnv("METRICS_EXPORT_PATH", cfg.MetricsExportPath)
	cfg.EnablePerformanceLogging = getBoolEnv("PERFORMANCE_LOGGING", cfg.EnablePerformanceLogging)
	cfg.EnableProductionValidation = getBoolEnv("ENABLE_PRODUCTION_VALIDATION", cfg.EnableProductionValidation)
	cfg.PatternSnapshotPath = getEnv("PATTERN_SNAPSHOT_PATH", cfg.PatternSnapshotPath)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		return v
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return parsed
}

func getIntEnv(key string, fallback int) int {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return parsed
}

func getFloatEnv(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// getDurationEnv accepts Go duration strings and bare numbers of seconds.
func getDurationEnv(key string, fallback Duration) Duration {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return fallback
	}
	parsed, err := parseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// Watch reloads the file on modification and hands valid configs to
// onChange; invalid or unreadable versions are dropped with a warning so
// the previous configuration stays in effect. The returned stop function
// ends watching.
func Watch(path string, logger *logrus.Logger, onChange func(Config)) (func(), error) {
	if logger == nil {
		logger = logrus.New()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg := Default()
				if err := loadFile(&cfg, path); err != nil {
					logger.WithError(err).Warn("Config reload failed, keeping previous")
					continue
				}
				applyEnv(&cfg)
				if err := cfg.Validate(); err != nil {
					logger.WithError(err).Warn("Config reload invalid, keeping previous")
					continue
				}
				logger.WithField("path", path).Info("Configuration reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Config watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
