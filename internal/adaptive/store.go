package adaptive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.sentinel/internal/validation"
)

// Match is one pattern hit for a single request.
type Match struct {
	PatternID           string
	AttackVector        string
	Category            validation.Category
	Severity            validation.Severity
	EffectiveConfidence float64
	Source              Source
	FirstSeen           time.Time
}

// PatternStore holds all detection patterns keyed by content hash, with a
// category index. It is not internally locked: the owning Engine serializes
// every call under its lock.
type PatternStore struct {
	patterns    map[string]*Pattern
	byCategory  map[validation.Category][]string
	quarantined map[string]struct{}
	logger      *logrus.Logger
	now         func() time.Time
}

// NewPatternStore creates an empty store.
func NewPatternStore(logger *logrus.Logger) *PatternStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &PatternStore{
		patterns:    make(map[string]*Pattern),
		byCategory:  make(map[validation.Category][]string),
		quarantined: make(map[string]struct{}),
		logger:      logger,
		now:         time.Now,
	}
}

// Insert compiles and adds a pattern. A pattern whose expression fails to
// compile is quarantined: logged once and skipped on every future insert.
// Inserting an id that already exists keeps the learned counters.
func (s *PatternStore) Insert(p Pattern) error {
	return s.insert(p, false)
}

func (s *PatternStore) insert(p Pattern, replace bool) error {
	if p.ID == "" {
		p.ID = PatternID(p.Expression)
	}
	if _, ok := s.quarantined[p.ID]; ok {
		return fmt.Errorf("pattern %s is quarantined", p.ID)
	}
	existing, exists := s.patterns[p.ID]
	if exists && !replace {
		existing.ContextTags = p.ContextTags
		return nil
	}

	re, err := regexp.Compile(p.Expression)
	if err != nil {
		s.quarantined[p.ID] = struct{}{}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"pattern_id": p.ID,
			"source":     p.Source,
		}).Warn("Pattern failed to compile, quarantined")
		return fmt.Errorf("compiling pattern %s: %w", p.ID, err)
	}

	if p.DecayFactor <= 0 {
		p.DecayFactor = defaultDecayFactor
	}
	if p.AdaptationRate <= 0 {
		p.AdaptationRate = defaultAdaptationRate
	}
	if p.FirstSeen.IsZero() {
		p.FirstSeen = s.now()
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = p.FirstSeen
	}
	p.re = re

	s.patterns[p.ID] = &p
	if !exists {
		s.byCategory[p.Category] = append(s.byCategory[p.Category], p.ID)
	}
	return nil
}

// ByCategory returns copies of all patterns indexed under a category.
func (s *PatternStore) ByCategory(category validation.Category) []Pattern {
	ids := s.byCategory[category]
	out := make([]Pattern, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.patterns[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Match tests every active pattern against the text and returns all hits
// whose effective confidence (base plus context boost) reaches the threshold,
// ordered by effective confidence, severity, then first seen. Matched
// patterns are touched (frequency, last seen). The second result is the
// number of patterns evaluated.
func (s *PatternStore) Match(text string, contextTags []string, threshold float64) ([]Match, int) {
	now := s.now()
	checked := 0
	var matches []Match

	for _, p := range s.patterns {
		if !p.Active() {
			continue
		}
		checked++
		if !p.re.MatchString(text) {
			continue
		}
		p.observe(now)

		eff := p.effective(contextTags)
		if eff < threshold {
			continue
		}
		matches = append(matches, Match{
			PatternID:           p.ID,
			AttackVector:        p.AttackVector,
			Category:            p.Category,
			Severity:            p.Severity,
			EffectiveConfidence: eff,
			Source:              p.Source,
			FirstSeen:           p.FirstSeen,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.EffectiveConfidence != b.EffectiveConfidence {
			return a.EffectiveConfidence > b.EffectiveConfidence
		}
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		return a.PatternID < b.PatternID
	})
	return matches, checked
}

// RecordOutcome registers caller feedback for a pattern and recomputes its
// confidence.
func (s *PatternStore) RecordOutcome(id string, truePositive bool) {
	p, ok := s.patterns[id]
	if !ok {
		return
	}
	if truePositive {
		p.TruePositives++
	} else {
		p.FalsePositives++
	}
	p.recompute(s.now())
}

// SynthesizeNovel builds a proximity pattern from the strongest suspicious
// tokens of an anomalous input and inserts it with source novel. The initial
// confidence scales with the anomaly score. Returns the new pattern id.
func (s *PatternStore) SynthesizeNovel(tokens []SuspiciousToken, attackVector string,
	severity validation.Severity, category validation.Category,
	contextTags []string, anomaly float64) (string, error) {

	if len(tokens) < 2 {
		return "", fmt.Errorf("synthesis needs at least 2 suspicious tokens, got %d", len(tokens))
	}

	expr := proximityExpression(tokens[0].Token, tokens[1].Token)
	indicators := map[string]float64{"anomaly_at_synthesis": anomaly}
	for i, t := range tokens {
		if i >= 3 {
			break
		}
		indicators["token:"+t.Token] = float64(t.Weight) / 100
	}

	p := Pattern{
		ID:                 PatternID(expr),
		Expression:         expr,
		AttackVector:       attackVector,
		Category:           category,
		Severity:           severity,
		Confidence:         0.6 + 0.2*anomaly,
		Source:             SourceNovel,
		ContextTags:        contextTags,
		BehaviorIndicators: indicators,
	}
	if err := s.Insert(p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// proximityExpression matches two anchor tokens within a bounded window, in
// either order.
func proximityExpression(a, b string) string {
	qa, qb := regexp.QuoteMeta(a), regexp.QuoteMeta(b)
	return fmt.Sprintf(`(?is)(?:%s.{0,400}%s|%s.{0,400}%s)`, qa, qb, qb, qa)
}

// Get returns a copy of a pattern by id.
func (s *PatternStore) Get(id string) (Pattern, bool) {
	p, ok := s.patterns[id]
	if !ok {
		return Pattern{}, false
	}
	return *p, true
}

// Count returns the number of stored patterns, active or not.
func (s *PatternStore) Count() int {
	return len(s.patterns)
}

// BySource returns copies of all patterns with the given source.
func (s *PatternStore) BySource(source Source) []Pattern {
	var out []Pattern
	for _, p := range s.patterns {
		if p.Source == source {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot writes every pattern as one JSON object per line, ordered by id.
func (s *PatternStore) Snapshot(w io.Writer) error {
	ids := make([]string, 0, len(s.patterns))
	for id := range s.patterns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	enc := json.NewEncoder(w)
	for _, id := range ids {
		if err := enc.Encode(s.patterns[id]); err != nil {
			return fmt.Errorf("encoding pattern %s: %w", id, err)
		}
	}
	return nil
}

// Restore loads patterns from a Snapshot stream. Unparseable lines abort;
// uncompilable patterns are quarantined and skipped, as on Insert.
func (s *PatternStore) Restore(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var p Pattern
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return fmt.Errorf("snapshot line %d: %w", line, err)
		}
		// Snapshot state wins over whatever was learned since.
		if err := s.insert(p, true); err != nil {
			continue
		}
	}
	return scanner.Err()
}
