package rules

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.sentinel/internal/profile"
	"dev.helix.sentinel/internal/validation"
)

// maxScanBytes caps the input seen by the regex engine. Longer inputs are
// truncated for scanning purposes only.
const maxScanBytes = 100 * 1024

// Config tunes the regex stage.
type Config struct {
	// Timeout is the hard cap for a single scan; exceeding it fails closed.
	Timeout time.Duration
	// MaxPatterns limits how many curated rules are evaluated (0 = all).
	MaxPatterns int
}

// DefaultConfig returns the default regex stage configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     5 * time.Second,
		MaxPatterns: 0,
	}
}

// Validator is the lexical scanning stage. Rules are compiled once at
// construction; construction panics on a malformed curated pattern, which is
// deliberate (startup must abort).
type Validator struct {
	rules  []Rule
	config Config
	logger *logrus.Logger
}

// NewValidator builds the regex stage with the curated rule set.
func NewValidator(config Config, logger *logrus.Logger) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	rules := curatedRules()
	if config.MaxPatterns > 0 && config.MaxPatterns < len(rules) {
		rules = rules[:config.MaxPatterns]
	}

	return &Validator{
		rules:  rules,
		config: config,
		logger: logger,
	}
}

// RuleCount returns the number of active rules.
func (v *Validator) RuleCount() int {
	return len(v.rules)
}

// thresholdFor maps a rule family to the profile threshold it is compared
// against. Sensitive-data rules use the dedicated threshold, everything else
// rides the injection threshold.
func thresholdFor(family validation.Category, t profile.Thresholds) float64 {
	if family == validation.CategorySensitiveData {
		return t.SensitiveData
	}
	return t.InjectionScore
}

type scanOutcome struct {
	verdict validation.Verdict
	checked int
}

// Scan runs the input through every enabled rule and returns a verdict. The
// first match whose confidence seed clears the profile threshold blocks.
// A scan exceeding the configured timeout fails closed with scan_timeout.
func (v *Validator) Scan(ctx context.Context, text string, prof profile.Profile, kind validation.Kind) validation.Verdict {
	start := time.Now()

	if text == "" {
		verdict := validation.Secure(validation.MethodRegex, 1.0)
		verdict.ElapsedMS = time.Since(start).Milliseconds()
		return verdict
	}
	if len(text) > maxScanBytes {
		text = text[:maxScanBytes]
	}

	done := make(chan scanOutcome, 1)
	go func() {
		done <- v.scan(text, prof, kind)
	}()

	timer := time.NewTimer(v.config.Timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		out.verdict.ElapsedMS = time.Since(start).Milliseconds()
		out.verdict.PatternsChecked = out.checked
		return out.verdict
	case <-ctx.Done():
	case <-timer.C:
	}

	v.logger.WithField("elapsed", time.Since(start)).Warn("Regex scan timed out, failing closed")
	verdict := validation.Insecure(validation.MethodRegex, 1.0, "", validation.SeverityHigh, validation.ReasonScanTimeout)
	verdict.ElapsedMS = time.Since(start).Milliseconds()
	return verdict
}

func (v *Validator) scan(text string, prof profile.Profile, kind validation.Kind) scanOutcome {
	checked := 0
	for i := range v.rules {
		r := &v.rules[i]

		if !r.Gate.Enabled(prof.Checks) {
			continue
		}
		if r.OperationOnly && kind != validation.KindOperation {
			continue
		}
		if r.OutputOnly && kind != validation.KindOutput {
			continue
		}
		if r.Confidence < thresholdFor(r.Family, prof.Thresholds) {
			continue
		}

		checked++
		m := r.re.FindString(text)
		if m == "" {
			continue
		}
		if r.post != nil && !r.post(m) {
			continue
		}

		verdict := validation.Insecure(validation.MethodRegex, r.Confidence, r.Family, r.Severity, r.Reason)
		return scanOutcome{verdict: verdict, checked: checked}
	}

	return scanOutcome{verdict: validation.Secure(validation.MethodRegex, 1.0), checked: checked}
}
