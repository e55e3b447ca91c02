package adaptive

import (
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.sentinel/internal/validation"
)

const (
	emaAlpha        = 0.3
	maxKeywords     = 20
	freqBandLow     = 1.0 / 3.0
	freqBandHigh    = 3.0
	anomalyKindPart = 0.3
	anomalyFreqPart = 0.4
	anomalyWordPart = 0.3
	anomalyHintPart = 0.2
)

// BehavioralProfile is the rolling behavioral state for one principal. The
// keyword list is a FIFO capped at maxKeywords; session patterns and request
// frequency are exponential moving averages.
type BehavioralProfile struct {
	PrincipalID         string             `json:"principal_id"`
	TypicalContentKinds map[string]bool    `json:"typical_content_kinds"`
	CommonKeywords      []string           `json:"common_keywords"`
	EMARequestFrequency float64            `json:"ema_request_frequency"`
	RiskScore           float64            `json:"risk_score"`
	SessionPatterns     map[string]float64 `json:"session_patterns"`
	LastUpdated         time.Time          `json:"last_updated"`

	observations int64
}

func (p *BehavioralProfile) knowsKeyword(word string) bool {
	for _, k := range p.CommonKeywords {
		if k == word {
			return true
		}
	}
	return false
}

// BehaviorStore keeps one BehavioralProfile per principal. Like the pattern
// store it relies on the owning Engine's lock for serialization; that is
// what guarantees a principal's anomaly score reflects its previous request.
type BehaviorStore struct {
	profiles map[string]*BehavioralProfile
	logger   *logrus.Logger
	now      func() time.Time
}

// NewBehaviorStore creates an empty store.
func NewBehaviorStore(logger *logrus.Logger) *BehaviorStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &BehaviorStore{
		profiles: make(map[string]*BehavioralProfile),
		logger:   logger,
		now:      time.Now,
	}
}

// ScoreAnomaly rates how unlike the principal's history this activity is,
// as the sum of bounded contributions: an unseen content kind, a request
// rate outside the [1/3x, 3x] band around the frequency EMA, a keyword set
// that is mostly unknown, and the strongest caller-supplied hint. History
// contributions with no baseline yet are skipped, except the content kind,
// which counts for a fresh principal.
// Scoring is read-only: profiles are created by Update, never by a lookup.
func (s *BehaviorStore) ScoreAnomaly(principalID string, activity validation.Activity) float64 {
	score := hintPart(activity.Hints)
	profile, ok := s.profiles[principalID]
	if !ok {
		// No history baseline; only the unseen content kind counts.
		return score + anomalyKindPart
	}

	if !profile.TypicalContentKinds[activity.ContentKind] {
		score += anomalyKindPart
	}

	if profile.EMARequestFrequency > 0 && !profile.LastUpdated.IsZero() {
		rate := instantaneousRate(profile.LastUpdated, activity.Timestamp)
		if rate > 0 {
			ratio := rate / profile.EMARequestFrequency
			if ratio < freqBandLow || ratio > freqBandHigh {
				score += anomalyFreqPart
			}
		}
	}

	if len(profile.CommonKeywords) > 0 && len(activity.Keywords) > 0 {
		known := 0
		for _, w := range activity.Keywords {
			if profile.knowsKeyword(w) {
				known++
			}
		}
		if known*2 < len(activity.Keywords) {
			score += anomalyWordPart
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Update folds one activity into the principal's profile: content kinds are
// appended, unseen keywords enter the FIFO, and the frequency and session
// EMAs advance. The anomaly observed for this request feeds the risk score.
func (s *BehaviorStore) Update(principalID string, activity validation.Activity, anomaly float64) {
	profile := s.profile(principalID)

	profile.TypicalContentKinds[activity.ContentKind] = true

	for _, w := range activity.Keywords {
		if profile.knowsKeyword(w) {
			continue
		}
		profile.CommonKeywords = append(profile.CommonKeywords, w)
		if len(profile.CommonKeywords) > maxKeywords {
			profile.CommonKeywords = profile.CommonKeywords[len(profile.CommonKeywords)-maxKeywords:]
		}
	}

	if !profile.LastUpdated.IsZero() {
		if rate := instantaneousRate(profile.LastUpdated, activity.Timestamp); rate > 0 {
			if profile.EMARequestFrequency == 0 {
				profile.EMARequestFrequency = rate
			} else {
				profile.EMARequestFrequency = emaAlpha*rate + (1-emaAlpha)*profile.EMARequestFrequency
			}
		}
	}

	for key := range profile.SessionPatterns {
		profile.SessionPatterns[key] *= 1 - emaAlpha
	}
	profile.SessionPatterns[activity.ContentKind] += emaAlpha

	profile.RiskScore = clamp01(emaAlpha*anomaly + (1-emaAlpha)*profile.RiskScore)
	profile.LastUpdated = activity.Timestamp
	profile.observations++
}

// Profile returns a copy of the principal's profile.
func (s *BehaviorStore) Profile(principalID string) (BehavioralProfile, bool) {
	p, ok := s.profiles[principalID]
	if !ok {
		return BehavioralProfile{}, false
	}
	return *p, true
}

// Count returns the number of tracked principals.
func (s *BehaviorStore) Count() int {
	return len(s.profiles)
}

func (s *BehaviorStore) profile(principalID string) *BehavioralProfile {
	p, ok := s.profiles[principalID]
	if !ok {
		p = &BehavioralProfile{
			PrincipalID:         principalID,
			TypicalContentKinds: make(map[string]bool),
			SessionPatterns:     make(map[string]float64),
		}
		s.profiles[principalID] = p
	}
	return p
}

// hintPart converts caller-supplied behavior hints into a bounded anomaly
// contribution: the strongest hint, clamped to [0,1], scaled by its share.
func hintPart(hints map[string]float64) float64 {
	top := 0.0
	for _, v := range hints {
		if v > top {
			top = v
		}
	}
	if top > 1 {
		top = 1
	}
	return anomalyHintPart * top
}

// instantaneousRate converts the gap since the previous request into
// requests per minute, capped so sub-millisecond gaps stay finite.
func instantaneousRate(prev, now time.Time) float64 {
	gap := now.Sub(prev)
	if gap <= 0 {
		gap = time.Millisecond
	}
	rate := float64(time.Minute) / float64(gap)
	if rate > 60000 {
		rate = 60000
	}
	return rate
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
