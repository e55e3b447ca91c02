package adaptive

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.sentinel/internal/ml"
	"dev.helix.sentinel/internal/validation"
)

const (
	// anomalyWeight scales how much an anomalous principal lowers the
	// matching threshold for this request.
	anomalyWeight = 0.2
	// synthesisAnomalyFloor is the anomaly above which a non-matching
	// request with enough suspicious vocabulary spawns a novel pattern.
	synthesisAnomalyFloor = 0.25
	minSynthesisTokens    = 2
)

// Outcome is the engine's full result for one request: the adaptive stage
// verdict plus the learning byproducts the pipeline feeds back.
type Outcome struct {
	Verdict     validation.Verdict
	Anomaly     float64
	MatchedIDs  []string
	Synthesized string
	ContextTags []string
}

// Engine combines the pattern and behavior stores for context-aware
// matching and learning. One lock serializes all store mutations, which is
// also what orders a single principal's behavior updates.
type Engine struct {
	mu       sync.Mutex
	patterns *PatternStore
	behavior *BehaviorStore
	history  *History
	logger   *logrus.Logger
	now      func() time.Time
}

// NewEngine creates an engine with the shipped seed families loaded.
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		patterns: NewPatternStore(logger),
		behavior: NewBehaviorStore(logger),
		history:  NewHistory(),
		logger:   logger,
		now:      time.Now,
	}
	loaded := LoadSeeds(e.patterns)
	logger.WithField("patterns", loaded).Info("Adaptive engine seeded")
	return e
}

// Evaluate runs the adaptive stage for one request against the profile's
// injection threshold: score the principal's anomaly, match patterns at the
// anomaly-adjusted threshold, learn a novel pattern from an anomalous miss,
// and fold the observation into the behavioral profile and attack history.
// The request itself is never blocked by synthesis alone.
func (e *Engine) Evaluate(ctx context.Context, req validation.Request, injectionThreshold float64) Outcome {
	start := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	keywords := ml.Tokenize(req.Text)
	activity := validation.Activity{
		ContentKind: string(req.Kind),
		Keywords:    keywords,
		Timestamp:   start,
		SessionID:   req.SessionID,
		Hints:       req.BehaviorHints,
	}

	anomaly := e.behavior.ScoreAnomaly(req.PrincipalID, activity)
	adjusted := clamp01(injectionThreshold - anomalyWeight*anomaly)

	tokens := SuspiciousTokens(req.Text)
	tags := append(append([]string{}, req.ContextTags...), suspiciousTags(tokens)...)

	matches, checked := e.patterns.Match(req.Text, tags, adjusted)

	out := Outcome{Anomaly: anomaly, ContextTags: tags}
	rec := HistoryRecord{
		TextPrefix: req.Text,
		Timestamp:  start,
		Method:     validation.MethodAdaptive,
	}

	if len(matches) > 0 {
		primary := matches[0]
		for _, m := range matches {
			out.MatchedIDs = append(out.MatchedIDs, m.PatternID)
		}
		verdict := validation.Insecure(validation.MethodAdaptive, primary.EffectiveConfidence,
			primary.Category, primary.Severity, "learned pattern matched: "+primary.AttackVector)
		verdict.PatternsChecked = checked
		verdict.AnomalyScore = &out.Anomaly
		verdict.ElapsedMS = e.now().Sub(start).Milliseconds()
		out.Verdict = verdict

		rec.Blocked = true
		rec.PatternID = primary.PatternID
		rec.Category = primary.Category
	} else {
		if anomaly > synthesisAnomalyFloor && len(tokens) >= minSynthesisTokens {
			fam := familyByName(tokens[0].Family)
			id, err := e.patterns.SynthesizeNovel(tokens, tokens[0].Family,
				fam.severity, fam.category, tags, anomaly)
			if err == nil {
				out.Synthesized = id
				e.logger.WithFields(logrus.Fields{
					"pattern_id": id,
					"principal":  req.PrincipalID,
					"anomaly":    anomaly,
					"tokens":     len(tokens),
				}).Info("Synthesized novel pattern from anomalous request")
			}
		}
		verdict := validation.Secure(validation.MethodAdaptive, clamp01(1-anomaly))
		verdict.PatternsChecked = checked
		verdict.AnomalyScore = &out.Anomaly
		verdict.ElapsedMS = e.now().Sub(start).Milliseconds()
		out.Verdict = verdict
	}

	e.behavior.Update(req.PrincipalID, activity, anomaly)
	e.history.Append(rec)
	return out
}

// RecordOutcome feeds caller or pipeline feedback about matched patterns
// back into their confidence.
func (e *Engine) RecordOutcome(patternID string, truePositive bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns.RecordOutcome(patternID, truePositive)
}

// PatternCount returns the number of stored patterns.
func (e *Engine) PatternCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patterns.Count()
}

// PatternsBySource returns copies of all patterns with the given source.
func (e *Engine) PatternsBySource(source Source) []Pattern {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patterns.BySource(source)
}

// Pattern returns a copy of one pattern.
func (e *Engine) Pattern(id string) (Pattern, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patterns.Get(id)
}

// RecentHistory returns up to n recent observations, newest first.
func (e *Engine) RecentHistory(n int) []HistoryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Recent(n)
}

// HistoryLen returns the number of records in the attack history.
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Len()
}

// BlockedByCategory tallies blocked history records per category.
func (e *Engine) BlockedByCategory() map[validation.Category]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.BlockedByCategory()
}

// BehaviorProfile returns a copy of a principal's profile.
func (e *Engine) BehaviorProfile(principalID string) (BehavioralProfile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.behavior.Profile(principalID)
}

// SnapshotPatterns serializes the pattern store, one JSON object per line.
func (e *Engine) SnapshotPatterns(w io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patterns.Snapshot(w)
}

// RestorePatterns loads a snapshot stream into the pattern store.
func (e *Engine) RestorePatterns(r io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patterns.Restore(r)
}
