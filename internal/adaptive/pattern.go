// Package adaptive implements the learning layer of the validation engine: a
// store of detection patterns whose confidence evolves with observed outcomes,
// per-principal behavioral profiles that yield anomaly scores, and an engine
// that combines the two and synthesizes new patterns from anomalous inputs.
package adaptive

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"time"

	"dev.helix.sentinel/internal/validation"
)

// Source records where a pattern came from.
type Source string

const (
	SourceSeed        Source = "seed"
	SourceThreatIntel Source = "threat_intel"
	SourceNovel       Source = "novel"
	SourceUser        Source = "user"
)

const (
	defaultDecayFactor    = 0.95
	defaultAdaptationRate = 0.1

	// Recomputed confidence is clamped into this band. Patterns below the
	// activity floor are inert but never deleted.
	confidenceCeiling = 0.98
	confidenceFloor   = 0.05
	activityFloor     = 0.10

	// maxContextBoost bounds the per-request bump from matching context tags.
	maxContextBoost     = 0.2
	contextBoostPerTag  = 0.1
	effectiveConfidence = 0.99
)

// Pattern is one learned or seeded detection signature. Counter and
// confidence mutations go through observe and recompute only, so the
// invariants (confidence band, monotone counters) live in one place.
type Pattern struct {
	ID                 string              `json:"id"`
	Expression         string              `json:"expression"`
	AttackVector       string              `json:"attack_vector"`
	Category           validation.Category `json:"category"`
	Severity           validation.Severity `json:"severity"`
	Confidence         float64             `json:"confidence"`
	FirstSeen          time.Time           `json:"first_seen"`
	LastSeen           time.Time           `json:"last_seen"`
	Frequency          int64               `json:"frequency"`
	TruePositives      int64               `json:"true_positives"`
	FalsePositives     int64               `json:"false_positives"`
	Source             Source              `json:"source"`
	ContextTags        []string            `json:"context_tags,omitempty"`
	BehaviorIndicators map[string]float64  `json:"behavior_indicators,omitempty"`
	DecayFactor        float64             `json:"decay_factor"`
	AdaptationRate     float64             `json:"adaptation_rate"`

	re *regexp.Regexp
}

// PatternID derives the content-hash identifier for an expression.
func PatternID(expression string) string {
	sum := sha256.Sum256([]byte(expression))
	return hex.EncodeToString(sum[:8])
}

// Active reports whether the pattern still participates in matching.
func (p *Pattern) Active() bool {
	return p.Confidence >= activityFloor
}

// observe registers one match against the pattern.
func (p *Pattern) observe(now time.Time) {
	p.Frequency++
	p.LastSeen = now
}

// recompute rebuilds confidence from the observed outcome counters:
// accuracy, temporal decay, frequency boost, and context richness.
func (p *Pattern) recompute(now time.Time) {
	total := p.TruePositives + p.FalsePositives
	if total == 0 {
		return
	}
	accuracy := float64(p.TruePositives) / float64(total)

	ageDays := now.Sub(p.LastSeen).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decay := math.Pow(p.DecayFactor, ageDays)

	boost := 1 + p.AdaptationRate*math.Log1p(float64(p.Frequency))
	if boost > 1.5 {
		boost = 1.5
	}

	richness := 1 + 0.05*math.Min(float64(len(p.ContextTags)), 4)

	conf := accuracy * decay * boost * richness
	if conf > confidenceCeiling {
		conf = confidenceCeiling
	}
	if conf < confidenceFloor {
		conf = confidenceFloor
	}
	p.Confidence = conf
}

// contextBoost returns the bounded confidence bump for overlapping tags.
func (p *Pattern) contextBoost(tags []string) float64 {
	if len(p.ContextTags) == 0 || len(tags) == 0 {
		return 0
	}
	own := make(map[string]struct{}, len(p.ContextTags))
	for _, t := range p.ContextTags {
		own[t] = struct{}{}
	}
	boost := 0.0
	for _, t := range tags {
		if _, ok := own[t]; ok {
			boost += contextBoostPerTag
			if boost >= maxContextBoost {
				return maxContextBoost
			}
		}
	}
	return boost
}

// effective returns the per-request confidence including the context boost.
func (p *Pattern) effective(tags []string) float64 {
	return math.Min(effectiveConfidence, p.Confidence+p.contextBoost(tags))
}
