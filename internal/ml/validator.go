package ml

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.sentinel/internal/validation"
)

// ErrUnavailable is returned when no usable model is loaded. The pipeline
// treats it as validator_unavailable and routes around the stage.
var ErrUnavailable = errors.New("ml validator unavailable")

// Config tunes the ML stage.
type Config struct {
	// Enabled toggles the stage entirely.
	Enabled bool
	// ModelPath points at a JSON model artifact. Empty means the compiled-in
	// seed model.
	ModelPath string
	// RequireArtifact disables the seed-model fallback: without a loadable
	// artifact the stage reports unavailable and the pipeline routes around.
	RequireArtifact bool
	// ConfidenceThreshold is the posterior above which the stage blocks.
	ConfidenceThreshold float64
}

// DefaultConfig returns the default ML stage configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		ConfidenceThreshold: 0.7,
	}
}

// Result is the classifier output for one input.
type Result struct {
	ProbInsecure float64             `json:"prob_insecure"`
	Category     validation.Category `json:"category,omitempty"`
	Rationale    []string            `json:"rationale,omitempty"`
}

// trainingRate is the step size for online weight updates. Feature TFs are
// normalized, so effective per-feature steps stay small.
const trainingRate = 5.0

// Validator is the ML classification stage. The lock serializes online
// training against concurrent classification.
type Validator struct {
	mu        sync.RWMutex
	model     *Model
	threshold float64
	logger    *logrus.Logger
}

// NewValidator builds the ML stage. A configured-but-unloadable artifact is
// not fatal: the validator comes up unavailable and logs once.
func NewValidator(config Config, logger *logrus.Logger) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = DefaultConfig().ConfidenceThreshold
	}

	v := &Validator{threshold: config.ConfidenceThreshold, logger: logger}
	if !config.Enabled {
		return v
	}

	if config.ModelPath == "" {
		if config.RequireArtifact {
			logger.Warn("No ML model artifact configured, stage disabled")
			return v
		}
		v.model = SeedModel()
		return v
	}

	model, err := LoadModel(config.ModelPath)
	if err != nil {
		logger.WithError(err).WithField("path", config.ModelPath).
			Warn("ML model artifact unavailable, stage disabled")
		return v
	}
	v.model = model
	return v
}

// Available reports whether the stage can classify.
func (v *Validator) Available() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.model != nil
}

// Threshold returns the blocking posterior threshold.
func (v *Validator) Threshold() float64 {
	return v.threshold
}

// Classify scores the text. Deterministic for a given set of weights.
func (v *Validator) Classify(ctx context.Context, text string) (Result, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.model == nil {
		return Result{}, ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	features := Features(text)
	prob := sigmoid(v.model.score(features))

	res := Result{ProbInsecure: prob}
	if cats := v.model.categoryScores(features); len(cats) > 0 {
		best, bestScore := "", 0.0
		for cat, s := range cats {
			if s > bestScore || (s == bestScore && cat < best) {
				best, bestScore = cat, s
			}
		}
		res.Category = validation.Category(best)
	}
	res.Rationale = v.rationale(features, 5)
	return res, nil
}

// Verdict converts a classification into a stage verdict against the profile
// injection threshold.
func (v *Validator) Verdict(ctx context.Context, text string, blockThreshold float64) (validation.Verdict, error) {
	start := time.Now()

	res, err := v.Classify(ctx, text)
	if err != nil {
		return validation.Verdict{}, err
	}

	var verdict validation.Verdict
	if res.ProbInsecure >= blockThreshold && res.ProbInsecure >= v.threshold {
		verdict = validation.Insecure(validation.MethodML, res.ProbInsecure, res.Category,
			validation.SeverityHigh, "classifier flagged input")
	} else {
		verdict = validation.Secure(validation.MethodML, 1.0-res.ProbInsecure)
	}
	verdict.ElapsedMS = time.Since(start).Milliseconds()
	return verdict, nil
}

// Train applies one online gradient step for a labeled example, nudging the
// weights of every feature present toward the label. Updates are in-memory
// only; a loaded artifact on disk is never rewritten. No-op when the stage
// is unavailable.
func (v *Validator) Train(text string, insecure bool) {
	features := Features(text)
	if len(features) == 0 {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.model == nil {
		return
	}

	label := 0.0
	if insecure {
		label = 1.0
	}
	grad := label - sigmoid(v.model.score(features))
	for f, tf := range features {
		v.model.Weights[f] += trainingRate * grad * tf
	}
}

// rationale returns the top-k tokens by positive contribution to the margin.
func (v *Validator) rationale(features map[string]float64, k int) []string {
	type contrib struct {
		feature string
		value   float64
	}

	var cs []contrib
	for f, tf := range features {
		if w, ok := v.model.Weights[f]; ok && w > 0 {
			cs = append(cs, contrib{f, w * tf})
		}
	}
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].value != cs[j].value {
			return cs[i].value > cs[j].value
		}
		return cs[i].feature < cs[j].feature
	})

	if len(cs) > k {
		cs = cs[:k]
	}
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.feature
	}
	return out
}
