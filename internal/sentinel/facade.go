// Package sentinel is the public entry point of the validation engine. The
// Facade assembles the stage validators, the adaptive engine, the verdict
// cache, and metrics from one configuration record, and exposes the
// validate operations plus health and metrics views. It never returns an
// error from validation: every failure mode becomes a verdict.
package sentinel

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"dev.helix.sentinel/internal/adaptive"
	"dev.helix.sentinel/internal/adjudicator"
	"dev.helix.sentinel/internal/cache"
	"dev.helix.sentinel/internal/config"
	"dev.helix.sentinel/internal/metrics"
	"dev.helix.sentinel/internal/ml"
	"dev.helix.sentinel/internal/pipeline"
	"dev.helix.sentinel/internal/profile"
	"dev.helix.sentinel/internal/recommend"
	"dev.helix.sentinel/internal/rules"
	"dev.helix.sentinel/internal/validation"
)

// Health is the facade's liveness view.
type Health struct {
	Status          string  `json:"status"`
	LLMBreakerState string  `json:"llm_breaker_state"`
	CacheSize       int     `json:"cache_size"`
	PatternCount    int     `json:"pattern_count"`
	RecentErrorRate float64 `json:"recent_error_rate"`
}

// Facade owns every engine component. Construct it once with New and share
// it; all methods are safe for concurrent use.
type Facade struct {
	cfg      config.Config
	profiles *profile.Registry
	regex    *rules.Validator
	ml       *ml.Validator
	llm      *adjudicator.Client
	engine   *adaptive.Engine
	cache    *cache.Cache
	pipeline *pipeline.Pipeline
	metrics  *metrics.Collector
	promReg  *prometheus.Registry
	logger   *logrus.Logger

	statsMu   sync.Mutex
	lastStats cache.Stats

	exportDone chan struct{}
	exportWG   sync.WaitGroup
}

// New assembles the engine from a configuration record. The LLM stage is
// only wired when an endpoint is configured; the cache only when caching is
// enabled. A configured pattern snapshot is restored if present.
func New(cfg config.Config, logger *logrus.Logger) (*Facade, error) {
	if logger == nil {
		logger = logrus.New()
	}

	f := &Facade{
		cfg:      cfg,
		profiles: profile.NewRegistry(logger),
		regex: rules.NewValidator(rules.Config{
			Timeout:     cfg.RegexTimeout.Std(),
			MaxPatterns: cfg.RegexMaxPatterns,
		}, logger),
		ml: ml.NewValidator(ml.Config{
			Enabled:   true,
			ModelPath: cfg.MLModelPath,
			// Production deployments classify with a vetted artifact, never
			// the demo seed weights.
			RequireArtifact:     cfg.EnableProductionValidation,
			ConfidenceThreshold: cfg.MLConfidenceThreshold,
		}, logger),
		engine:     adaptive.NewEngine(logger),
		logger:     logger,
		exportDone: make(chan struct{}),
	}

	// A nil *adjudicator.Client must stay an untyped nil in the pipeline,
	// otherwise its availability check dereferences a nil receiver.
	var llmStage pipeline.Adjudicator
	if cfg.LLMEndpoint != "" {
		f.llm = adjudicator.NewClient(adjudicator.Config{
			Endpoint:      cfg.LLMEndpoint,
			APIKey:        cfg.LLMAPIKey,
			Model:         cfg.LLMModel,
			MaxTokens:     cfg.LLMMaxTokens,
			Temperature:   cfg.LLMTemperature,
			Timeout:       cfg.LLMTimeout.Std(),
			RetryAttempts: cfg.LLMRetryAttempts,
			RetryDelay:    cfg.LLMRetryDelay.Std(),
			Breaker:       adjudicator.DefaultBreakerConfig(),
		}, logger)
		llmStage = f.llm
	}

	if cfg.EnableCaching {
		f.cache = cache.New(cache.Config{
			Capacity: cfg.MaxCacheSize,
			TTL:      cfg.CacheTTL.Std(),
			Redis: cache.RedisConfig{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			},
		}, logger)
	}

	f.pipeline = pipeline.New(pipeline.Config{
		MaxValidationTime:   cfg.MaxValidationTime.Std(),
		LLMTimeout:          cfg.LLMTimeout.Std(),
		DisableSmartRouting: !cfg.EnableSmartRouting,
		DisableParallel:     !cfg.UseParallelValidation,
	}, f.regex, f.ml, llmStage, f.engine, f.cache, logger)

	f.metrics, f.promReg = metrics.NewCollector()

	if cfg.PatternSnapshotPath != "" {
		if err := f.restorePatterns(cfg.PatternSnapshotPath); err != nil {
			return nil, err
		}
	}
	f.metrics.PatternCount.Set(float64(f.engine.PatternCount()))

	if cfg.EnableMetrics && cfg.MetricsExportPath != "" {
		f.exportWG.Add(1)
		go f.exportLoop(cfg.MetricsExportPath, cfg.MetricsExportInterval.Std())
	}

	logger.WithFields(logrus.Fields{
		"profile":  cfg.SecurityLevel,
		"rules":    f.regex.RuleCount(),
		"patterns": f.engine.PatternCount(),
		"caching":  cfg.EnableCaching,
		"llm":      cfg.LLMEndpoint != "",
	}).Info("Sentinel validation engine ready")
	return f, nil
}

// ValidatePrompt validates inbound user or agent prompt text. An empty
// profile name uses the configured security level.
func (f *Facade) ValidatePrompt(ctx context.Context, text, principalID, profileName string) validation.Verdict {
	return f.Validate(ctx, validation.Request{
		Text:        text,
		PrincipalID: principalID,
		Kind:        validation.KindPrompt,
		ProfileName: profileName,
	})
}

// ValidateOutput validates model or tool output before it is released.
func (f *Facade) ValidateOutput(ctx context.Context, text, principalID, profileName string) validation.Verdict {
	return f.Validate(ctx, validation.Request{
		Text:        text,
		PrincipalID: principalID,
		Kind:        validation.KindOutput,
		ProfileName: profileName,
	})
}

// ValidateOperation validates a proposed agent operation, which additionally
// enables the operation-authenticity rules when the profile carries expert
// validation.
func (f *Facade) ValidateOperation(ctx context.Context, text, principalID, profileName string) validation.Verdict {
	return f.Validate(ctx, validation.Request{
		Text:        text,
		PrincipalID: principalID,
		Kind:        validation.KindOperation,
		ProfileName: profileName,
	})
}

// ValidateAgentMessage validates a message exchanged between agents. The
// sender is the behavioral principal and rides along as a context tag for
// pattern matching.
func (f *Facade) ValidateAgentMessage(ctx context.Context, text, senderID, profileName string) validation.Verdict {
	return f.Validate(ctx, validation.Request{
		Text:        text,
		PrincipalID: senderID,
		Kind:        validation.KindInterAgent,
		ProfileName: profileName,
		ContextTags: []string{"agent:" + senderID},
	})
}

// Validate runs one request through the pipeline. Panics anywhere below are
// converted into an insecure internal_error verdict; blank input short
// circuits to secure.
func (f *Facade) Validate(ctx context.Context, req validation.Request) (verdict validation.Verdict) {
	start := time.Now()
	prof := f.profileFor(req.ProfileName)

	defer func() {
		if r := recover(); r != nil {
			f.logger.WithFields(logrus.Fields{
				"panic":     r,
				"kind":      req.Kind,
				"principal": req.PrincipalID,
			}).Error("Validation panicked, failing closed")
			verdict = validation.Insecure(validation.MethodError, 1.0, "",
				validation.SeverityHigh, validation.ReasonInternalError)
			verdict.ElapsedMS = time.Since(start).Milliseconds()
		}
		f.observe(req.Kind, prof.Name, verdict, time.Since(start))
	}()

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	if strings.TrimSpace(req.Text) == "" {
		verdict = validation.Secure(validation.MethodRegex, 1.0)
		verdict.ElapsedMS = time.Since(start).Milliseconds()
		return verdict
	}

	verdict = f.pipeline.Validate(ctx, req, prof)

	// Curated rule hits double as high-precision training labels for the
	// classifier when online training is enabled.
	if f.cfg.MLEnableTraining && !verdict.IsSecure && verdict.Method == validation.MethodRegex {
		f.ml.Train(req.Text, true)
	}
	return recommend.Enrich(verdict, req.Text)
}

// profileFor resolves a profile name, defaulting to the configured security
// level, and applies any configured per-profile injection threshold override.
func (f *Facade) profileFor(name string) profile.Profile {
	if strings.TrimSpace(name) == "" {
		name = f.cfg.SecurityLevel
	}
	prof := f.profiles.Resolve(name)
	if t, ok := f.cfg.SecurityThresholds[prof.Name]; ok {
		prof.Thresholds.InjectionScore = t
	}
	return prof
}

func (f *Facade) observe(kind validation.Kind, profileName string, v validation.Verdict, elapsed time.Duration) {
	f.metrics.Observe(kind, profileName, v, elapsed)
	f.metrics.PatternCount.Set(float64(f.engine.PatternCount()))
	if f.llm != nil {
		open := 0.0
		if f.llm.BreakerState() == adjudicator.StateOpen {
			open = 1
		}
		f.metrics.BreakerState.Set(open)
	}
	f.syncCacheCounters()

	if f.cfg.EnablePerformanceLogging {
		f.logger.WithFields(logrus.Fields{
			"kind":       kind,
			"profile":    profileName,
			"secure":     v.IsSecure,
			"method":     v.Method,
			"elapsed_ms": elapsed.Milliseconds(),
		}).Debug("Validation completed")
	}
}

// syncCacheCounters mirrors the cache's own counters into the monotonic
// Prometheus series by adding the delta since the last observation.
func (f *Facade) syncCacheCounters() {
	if f.cache == nil {
		return
	}
	s := f.cache.Stats()
	f.statsMu.Lock()
	f.metrics.CacheHits.Add(float64(s.Hits - f.lastStats.Hits))
	f.metrics.CacheMisses.Add(float64(s.Misses - f.lastStats.Misses))
	f.lastStats = s
	f.statsMu.Unlock()
}

// RegisterProfile registers a custom security profile.
func (f *Facade) RegisterProfile(name string, thresholds profile.Thresholds, checks profile.Checks, description string) error {
	return f.profiles.RegisterCustom(name, thresholds, checks, description)
}

// Profiles exposes the profile registry.
func (f *Facade) Profiles() *profile.Registry { return f.profiles }

// RecordOutcome feeds true/false-positive feedback about a learned pattern
// back into the adaptive engine.
func (f *Facade) RecordOutcome(patternID string, truePositive bool) {
	f.engine.RecordOutcome(patternID, truePositive)
}

// RecentHistory returns the newest attack history records.
func (f *Facade) RecentHistory(n int) []adaptive.HistoryRecord {
	return f.engine.RecentHistory(n)
}

// BlockedByCategory aggregates the attack history by threat category.
func (f *Facade) BlockedByCategory() map[validation.Category]int {
	return f.engine.BlockedByCategory()
}

// Metrics returns a copy of the counter snapshot.
func (f *Facade) Metrics() metrics.Snapshot { return f.metrics.Snapshot() }

// PrometheusRegistry exposes the registry for exposition serving.
func (f *Facade) PrometheusRegistry() *prometheus.Registry { return f.promReg }

// CacheStats returns verdict cache counters, zero when caching is disabled.
func (f *Facade) CacheStats() cache.Stats { return f.pipeline.CacheStats() }

// HealthCheck reports component health. The breaker state is "disabled"
// when no LLM endpoint is configured.
func (f *Facade) HealthCheck() Health {
	h := Health{
		Status:          "ok",
		LLMBreakerState: "disabled",
		PatternCount:    f.engine.PatternCount(),
		RecentErrorRate: f.metrics.RecentErrorRate(),
	}
	if f.llm != nil {
		h.LLMBreakerState = string(f.llm.BreakerState())
	}
	if f.cache != nil {
		h.CacheSize = f.cache.Len()
	}
	if h.RecentErrorRate > 0.5 || h.LLMBreakerState == string(adjudicator.StateOpen) {
		h.Status = "degraded"
	}
	return h
}

// SavePatterns writes the learned pattern store to the configured snapshot
// path. A temp-file rename keeps a crash from truncating the snapshot.
func (f *Facade) SavePatterns() error {
	if f.cfg.PatternSnapshotPath == "" {
		return nil
	}
	tmp := f.cfg.PatternSnapshotPath + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating pattern snapshot: %w", err)
	}
	if err := f.engine.SnapshotPatterns(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing pattern snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, f.cfg.PatternSnapshotPath)
}

func (f *Facade) restorePatterns(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening pattern snapshot: %w", err)
	}
	defer file.Close()

	if err := f.engine.RestorePatterns(file); err != nil {
		return fmt.Errorf("restoring pattern snapshot: %w", err)
	}
	f.logger.WithFields(logrus.Fields{
		"path":     path,
		"patterns": f.engine.PatternCount(),
	}).Info("Restored pattern snapshot")
	return nil
}

// exportLoop appends one metrics snapshot line per interval, NDJSON style.
func (f *Facade) exportLoop(path string, interval time.Duration) {
	defer f.exportWG.Done()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.exportDone:
			return
		case <-ticker.C:
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				f.logger.WithError(err).Warn("Metrics export open failed")
				continue
			}
			if err := f.metrics.Export(file); err != nil {
				f.logger.WithError(err).Warn("Metrics export write failed")
			}
			file.Close()
		}
	}
}

// Close persists learned patterns, stops the export loop, and releases the
// cache backends.
func (f *Facade) Close() error {
	close(f.exportDone)
	f.exportWG.Wait()

	err := f.SavePatterns()
	if f.cache != nil {
		if cerr := f.cache.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
