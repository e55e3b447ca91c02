package adaptive

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.sentinel/internal/validation"
)

func newTestStore(t *testing.T) *PatternStore {
	t.Helper()
	return NewPatternStore(nil)
}

func TestInsertAndMatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(Pattern{
		Expression:   `(?i)drop\s+table`,
		AttackVector: "sql-drop",
		Category:     validation.CategorySQLInjection,
		Severity:     validation.SeverityHigh,
		Confidence:   0.9,
		Source:       SourceSeed,
	}))

	matches, checked := s.Match("'; DROP TABLE users; --", nil, 0.75)
	require.Len(t, matches, 1)
	assert.Equal(t, 1, checked)
	assert.Equal(t, validation.CategorySQLInjection, matches[0].Category)
	assert.InDelta(t, 0.9, matches[0].EffectiveConfidence, 1e-9)

	matches, _ = s.Match("select a friendly greeting", nil, 0.75)
	assert.Empty(t, matches)
}

func TestMatchRespectsThreshold(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(Pattern{
		Expression: `(?i)drop\s+table`,
		Category:   validation.CategorySQLInjection,
		Severity:   validation.SeverityHigh,
		Confidence: 0.9,
		Source:     SourceSeed,
	}))

	matches, _ := s.Match("DROP TABLE users", nil, 0.95)
	assert.Empty(t, matches, "confidence below threshold must not emit")
}

func TestMatchContextBoostIsBounded(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(Pattern{
		Expression:  `(?i)drop\s+table`,
		Category:    validation.CategorySQLInjection,
		Severity:    validation.SeverityHigh,
		Confidence:  0.5,
		Source:      SourceSeed,
		ContextTags: []string{"a", "b", "c", "d"},
	}))

	// All four tags overlap but the boost caps at 0.2.
	matches, _ := s.Match("DROP TABLE users", []string{"a", "b", "c", "d"}, 0.6)
	require.Len(t, matches, 1)
	assert.InDelta(t, 0.7, matches[0].EffectiveConfidence, 1e-9)
}

func TestMatchOrdering(t *testing.T) {
	s := newTestStore(t)
	early := time.Now().Add(-time.Hour)
	require.NoError(t, s.Insert(Pattern{
		Expression: `(?i)drop`, Category: validation.CategorySQLInjection,
		Severity: validation.SeverityMedium, Confidence: 0.8, Source: SourceSeed,
	}))
	require.NoError(t, s.Insert(Pattern{
		Expression: `(?i)table`, Category: validation.CategorySQLInjection,
		Severity: validation.SeverityCritical, Confidence: 0.8, Source: SourceSeed,
		FirstSeen: early,
	}))
	require.NoError(t, s.Insert(Pattern{
		Expression: `(?i)users`, Category: validation.CategorySQLInjection,
		Severity: validation.SeverityHigh, Confidence: 0.95, Source: SourceSeed,
	}))

	matches, _ := s.Match("drop table users", nil, 0.5)
	require.Len(t, matches, 3)
	assert.InDelta(t, 0.95, matches[0].EffectiveConfidence, 1e-9, "highest confidence first")
	assert.Equal(t, validation.SeverityCritical, matches[1].Severity, "severity breaks confidence ties")
}

func TestMatchTouchesPattern(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(Pattern{
		Expression: `(?i)drop\s+table`, Category: validation.CategorySQLInjection,
		Severity: validation.SeverityHigh, Confidence: 0.9, Source: SourceSeed,
	}))
	id := PatternID(`(?i)drop\s+table`)

	s.Match("DROP TABLE users", nil, 0.5)
	s.Match("DROP TABLE accounts", nil, 0.5)

	p, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, int64(2), p.Frequency)
}

func TestRecordOutcomeRecomputesConfidence(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(Pattern{
		Expression:  `(?i)drop\s+table`,
		Category:    validation.CategorySQLInjection,
		Severity:    validation.SeverityHigh,
		Confidence:  0.7,
		Source:      SourceNovel,
		ContextTags: []string{"a"},
	}))
	id := PatternID(`(?i)drop\s+table`)

	s.RecordOutcome(id, true)
	p, _ := s.Get(id)
	assert.InDelta(t, 0.98, p.Confidence, 1e-9, "perfect accuracy clamps at the ceiling")

	s.RecordOutcome(id, false)
	p, _ = s.Get(id)
	assert.Less(t, p.Confidence, 0.6, "a false positive halves accuracy")
	assert.GreaterOrEqual(t, p.Confidence, confidenceFloor)
	assert.Equal(t, int64(1), p.TruePositives)
	assert.Equal(t, int64(1), p.FalsePositives)
}

func TestInactivePatternIsRetainedButSkipped(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(Pattern{
		Expression: `(?i)drop\s+table`, Category: validation.CategorySQLInjection,
		Severity: validation.SeverityHigh, Confidence: 0.9, Source: SourceNovel,
	}))
	id := PatternID(`(?i)drop\s+table`)

	// Enough false positives push confidence to the floor, below activity.
	for i := 0; i < 20; i++ {
		s.RecordOutcome(id, false)
	}
	p, ok := s.Get(id)
	require.True(t, ok, "patterns are never deleted")
	assert.False(t, p.Active())

	matches, checked := s.Match("DROP TABLE users", nil, 0.0)
	assert.Empty(t, matches)
	assert.Zero(t, checked, "inert patterns are not evaluated")
}

func TestCompileFailureQuarantines(t *testing.T) {
	s := newTestStore(t)
	bad := Pattern{Expression: `([unclosed`, Category: validation.CategoryEvasion,
		Severity: validation.SeverityLow, Confidence: 0.5, Source: SourceUser}

	require.Error(t, s.Insert(bad))
	assert.Zero(t, s.Count())

	err := s.Insert(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quarantined")
}

func TestSynthesizeNovelMatchesBothOrderings(t *testing.T) {
	s := newTestStore(t)
	tokens := SuspiciousTokens("call eval over the __builtins__ map")
	require.GreaterOrEqual(t, len(tokens), 2)

	id, err := s.SynthesizeNovel(tokens, "code_execution", validation.SeverityHigh,
		validation.CategoryCodeExecution, []string{"suspicious:code_execution"}, 0.3)
	require.NoError(t, err)

	p, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, SourceNovel, p.Source)
	assert.InDelta(t, 0.66, p.Confidence, 1e-9)

	for _, text := range []string{
		"call eval over the __builtins__ map",
		"read __builtins__ then pass it to eval",
	} {
		matches, _ := s.Match(text, nil, 0.6)
		assert.NotEmpty(t, matches, "synthesized pattern must match %q", text)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NotZero(t, LoadSeeds(s))
	id := s.BySource(SourceThreatIntel)[0].ID
	s.RecordOutcome(id, true)

	var buf bytes.Buffer
	require.NoError(t, s.Snapshot(&buf))

	restored := newTestStore(t)
	require.NoError(t, restored.Restore(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, s.Count(), restored.Count())

	p, ok := restored.Get(id)
	require.True(t, ok)
	assert.Equal(t, int64(1), p.TruePositives)
	assert.InDelta(t, 0.98, p.Confidence, 1e-9)
}

func TestSeedFamiliesLoad(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, len(SeedPatterns()), LoadSeeds(s))
	assert.NotEmpty(t, s.ByCategory(validation.CategoryJailbreak))
	assert.NotEmpty(t, s.ByCategory(validation.CategoryReconnaissance))
}

func TestHistoryRingBound(t *testing.T) {
	h := NewHistory()
	for i := 0; i < historyCapacity+5; i++ {
		h.Append(HistoryRecord{TextPrefix: fmt.Sprintf("req-%d", i), Blocked: i%2 == 0})
	}
	assert.Equal(t, historyCapacity, h.Len())

	recent := h.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, fmt.Sprintf("req-%d", historyCapacity+4), recent[0].TextPrefix)
	assert.Equal(t, fmt.Sprintf("req-%d", historyCapacity+3), recent[1].TextPrefix)
}

func TestHistoryTruncatesPrefix(t *testing.T) {
	h := NewHistory()
	h.Append(HistoryRecord{TextPrefix: string(make([]byte, 2000))})
	assert.Len(t, h.Recent(1)[0].TextPrefix, maxPrefixLen)
}
