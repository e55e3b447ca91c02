// Package pipeline composes the validation stages into a single verdict:
// cache lookup, regex scan, smart-routed ML and LLM classification, and the
// adaptive engine, merged fail-closed.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.sentinel/internal/adaptive"
	"dev.helix.sentinel/internal/cache"
	"dev.helix.sentinel/internal/profile"
	"dev.helix.sentinel/internal/validation"
)

// Config tunes pipeline routing and deadlines.
type Config struct {
	// MaxValidationTime bounds one request end to end.
	MaxValidationTime time.Duration
	// MLTimeout and LLMTimeout bound the individual content stages.
	MLTimeout  time.Duration
	LLMTimeout time.Duration
	// ShortInputLimit is the length under which only ML runs.
	ShortInputLimit int
	// LLMConsultConfidence triggers a follow-up adjudication when the ML
	// stage answers below it.
	LLMConsultConfidence float64
	// FailOpen returns secure instead of blocking when stages time out or
	// none are available. Off by default: the engine fails closed.
	FailOpen bool
	// DisableSmartRouting consults every available content stage instead of
	// routing by input length and vocabulary.
	DisableSmartRouting bool
	// DisableParallel runs ML and LLM sequentially when both are needed.
	DisableParallel bool
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		MaxValidationTime:    30 * time.Second,
		MLTimeout:            2 * time.Second,
		LLMTimeout:           15 * time.Second,
		ShortInputLimit:      200,
		LLMConsultConfidence: 0.75,
	}
}

// RegexValidator is the lexical rule stage.
type RegexValidator interface {
	Scan(ctx context.Context, text string, prof profile.Profile, kind validation.Kind) validation.Verdict
}

// Classifier is the ML stage.
type Classifier interface {
	Available() bool
	Verdict(ctx context.Context, text string, blockThreshold float64) (validation.Verdict, error)
}

// Adjudicator is the LLM stage.
type Adjudicator interface {
	Available() bool
	Adjudicate(ctx context.Context, text, contextNote string) (validation.Verdict, error)
}

// Learner is the adaptive stage.
type Learner interface {
	Evaluate(ctx context.Context, req validation.Request, injectionThreshold float64) adaptive.Outcome
	RecordOutcome(patternID string, truePositive bool)
}

// Pipeline owns the validators and the verdict cache.
type Pipeline struct {
	config  Config
	regex   RegexValidator
	ml      Classifier
	llm     Adjudicator
	learner Learner
	cache   *cache.Cache
	logger  *logrus.Logger
}

// New assembles a pipeline. Cache may be nil to disable caching.
func New(config Config, regex RegexValidator, ml Classifier, llm Adjudicator,
	learner Learner, verdictCache *cache.Cache, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultConfig()
	if config.MaxValidationTime <= 0 {
		config.MaxValidationTime = def.MaxValidationTime
	}
	if config.MLTimeout <= 0 {
		config.MLTimeout = def.MLTimeout
	}
	if config.LLMTimeout <= 0 {
		config.LLMTimeout = def.LLMTimeout
	}
	if config.ShortInputLimit <= 0 {
		config.ShortInputLimit = def.ShortInputLimit
	}
	if config.LLMConsultConfidence <= 0 {
		config.LLMConsultConfidence = def.LLMConsultConfidence
	}
	return &Pipeline{
		config:  config,
		regex:   regex,
		ml:      ml,
		llm:     llm,
		learner: learner,
		cache:   verdictCache,
		logger:  logger,
	}
}

// stage orders verdicts for the merge; lower runs earlier.
type stageVerdict struct {
	order   int
	verdict validation.Verdict
}

// Validate runs one request through the stages enabled by the profile.
func (p *Pipeline) Validate(ctx context.Context, req validation.Request, prof profile.Profile) validation.Verdict {
	start := time.Now()

	if p.cache != nil {
		if verdict, ok := p.cache.Get(ctx, prof.Name, req.Kind, req.Text); ok {
			verdict.ElapsedMS = time.Since(start).Milliseconds()
			return verdict
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.MaxValidationTime)
	defer cancel()

	var stages []stageVerdict

	// Stage 1: regex. Its verdict is fail-closed on scan timeout already.
	if prof.Checks.CriticalExploits || prof.Checks.SystemCommands {
		rv := p.regex.Scan(ctx, req.Text, prof, req.Kind)
		stages = append(stages, stageVerdict{0, rv})
	}

	// Stage 2: content analysis, smart-routed between ML and LLM.
	if prof.Checks.ContentAnalysis && secureSoFar(stages) {
		stages = append(stages, p.runContentStages(ctx, req, prof)...)
	}

	// Stage 3: adaptive, always, so learning happens even on blocked input.
	out := p.learner.Evaluate(ctx, req, prof.Thresholds.InjectionScore)
	stages = append(stages, stageVerdict{3, out.Verdict})

	if !secureSoFar(stages[:len(stages)-1]) {
		for _, id := range out.MatchedIDs {
			p.learner.RecordOutcome(id, true)
		}
	}

	final := p.merge(stages)
	final.ElapsedMS = time.Since(start).Milliseconds()
	if final.AnomalyScore == nil {
		final.AnomalyScore = out.Verdict.AnomalyScore
	}

	if p.cache != nil && cacheable(final) {
		p.cache.Set(ctx, prof.Name, req.Kind, req.Text, final)
	}
	return final
}

// CacheStats exposes verdict cache counters, zero when caching is off.
func (p *Pipeline) CacheStats() cache.Stats {
	if p.cache == nil {
		return cache.Stats{}
	}
	return p.cache.Stats()
}

func secureSoFar(stages []stageVerdict) bool {
	for _, s := range stages {
		if !s.verdict.IsSecure {
			return false
		}
	}
	return true
}

// cacheable excludes verdicts that only describe degraded infrastructure.
func cacheable(v validation.Verdict) bool {
	switch v.Reason {
	case validation.ReasonStageTimeout, validation.ReasonScanTimeout,
		validation.ReasonAdjudicatorUnavailable, validation.ReasonAllStagesUnavailable,
		validation.ReasonInternalError:
		return false
	}
	return true
}

// runContentStages decides between ML only, LLM only, or both in parallel.
// Unavailable stages are excluded from the merge; a timed-out stage fails
// closed unless the pipeline is configured fail-open.
func (p *Pipeline) runContentStages(ctx context.Context, req validation.Request, prof profile.Profile) []stageVerdict {
	short := len(req.Text) < p.config.ShortInputLimit
	ambiguous := len(adaptive.SuspiciousTokens(req.Text)) > 0
	mlUp := p.ml != nil && p.ml.Available()
	llmUp := p.llm != nil && p.llm.Available()

	threshold := prof.Thresholds.InjectionScore

	needBoth := mlUp && llmUp && (p.config.DisableSmartRouting || (!short && ambiguous))
	if needBoth && !p.config.DisableParallel {
		return p.runParallel(ctx, req, threshold)
	}

	var stages []stageVerdict
	consultLLM := !mlUp || needBoth

	if mlUp {
		v, ok := p.runML(ctx, req.Text, threshold)
		if ok {
			stages = append(stages, stageVerdict{1, v})
			if !v.IsSecure && v.Confidence >= threshold {
				consultLLM = false
			} else if v.IsSecure && v.Confidence < p.config.LLMConsultConfidence && !short {
				consultLLM = true
			}
		} else {
			consultLLM = true
		}
	}

	if consultLLM && llmUp {
		if v, ok := p.runLLM(ctx, req.Text); ok {
			stages = append(stages, stageVerdict{2, v})
		}
	}
	return stages
}

// runParallel races ML and LLM; the first blocking verdict at or above the
// profile threshold wins and cancels the other stage.
func (p *Pipeline) runParallel(ctx context.Context, req validation.Request, threshold float64) []stageVerdict {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		sv stageVerdict
		ok bool
	}
	results := make(chan result, 2)

	go func() {
		v, ok := p.runML(ctx, req.Text, threshold)
		results <- result{stageVerdict{1, v}, ok}
	}()
	go func() {
		v, ok := p.runLLM(ctx, req.Text)
		results <- result{stageVerdict{2, v}, ok}
	}()

	var stages []stageVerdict
	for i := 0; i < 2; i++ {
		r := <-results
		if !r.ok {
			continue
		}
		stages = append(stages, r.sv)
		if !r.sv.verdict.IsSecure && r.sv.verdict.Confidence >= threshold {
			cancel()
			return stages
		}
	}
	return stages
}

// runML executes the ML stage. The second return is false when the stage
// must be excluded from the merge.
func (p *Pipeline) runML(ctx context.Context, text string, threshold float64) (validation.Verdict, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.config.MLTimeout)
	defer cancel()

	v, err := p.ml.Verdict(ctx, text, threshold)
	if err != nil {
		return p.stageFailure("ml", validation.MethodML, err)
	}
	return v, true
}

// runLLM executes the LLM stage.
func (p *Pipeline) runLLM(ctx context.Context, text string) (validation.Verdict, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.config.LLMTimeout)
	defer cancel()

	v, err := p.llm.Adjudicate(ctx, text, "")
	if err != nil {
		return p.stageFailure("llm", validation.MethodLLM, err)
	}
	return v, true
}

// stageFailure maps a stage error to merge input: timeouts fail closed
// (unless fail-open), anything else means the stage is unavailable.
func (p *Pipeline) stageFailure(stage string, method validation.Method, err error) (validation.Verdict, bool) {
	timedOut := errors.Is(err, context.DeadlineExceeded)
	if timedOut && !p.config.FailOpen {
		p.logger.WithField("stage", stage).Warn("Validation stage timed out, failing closed")
		return validation.Insecure(method, 1.0, "", validation.SeverityHigh,
			validation.ReasonStageTimeout), true
	}
	if !timedOut {
		p.logger.WithError(err).WithField("stage", stage).Debug("Validation stage unavailable")
	}
	return validation.Verdict{}, false
}

// merge folds the stage verdicts: secure only if every stage agreed, method
// from the earliest blocking stage (hybrid when none blocked), confidence
// the max blocking or min secure confidence.
func (p *Pipeline) merge(stages []stageVerdict) validation.Verdict {
	if len(stages) == 0 {
		if p.config.FailOpen {
			v := validation.Secure(validation.MethodHybrid, 0)
			v.Reason = validation.ReasonAllStagesUnavailable
			return v
		}
		return validation.Insecure(validation.MethodHybrid, 1.0, "",
			validation.SeverityHigh, validation.ReasonAllStagesUnavailable)
	}

	var primary *stageVerdict
	patterns := 0
	for i := range stages {
		sv := &stages[i]
		patterns += sv.verdict.PatternsChecked
		if sv.verdict.IsSecure {
			continue
		}
		if primary == nil || sv.order < primary.order {
			primary = sv
		}
	}

	if primary != nil {
		final := primary.verdict
		for _, sv := range stages {
			if !sv.verdict.IsSecure && sv.verdict.Confidence > final.Confidence {
				final.Confidence = sv.verdict.Confidence
			}
		}
		final.PatternsChecked = patterns
		return final
	}

	final := validation.Secure(validation.MethodHybrid, stages[0].verdict.Confidence)
	for _, sv := range stages {
		if sv.verdict.Confidence < final.Confidence {
			final.Confidence = sv.verdict.Confidence
		}
		if sv.verdict.AnomalyScore != nil {
			final.AnomalyScore = sv.verdict.AnomalyScore
		}
	}
	final.PatternsChecked = patterns
	return final
}
