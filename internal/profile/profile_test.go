package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBuiltins(t *testing.T) {
	r := NewRegistry(nil)

	tests := []struct {
		name           string
		wantInjection  float64
		wantAllChecks  bool
		wantCritExpl   bool
		wantSysCmds    bool
	}{
		{Minimal, 0.98, false, true, false},
		{Low, 0.85, false, true, true},
		{Standard, 0.75, true, true, true},
		{High, 0.40, true, true, true},
		{Maximum, 0.20, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := r.Resolve(tt.name)
			assert.Equal(t, KindBuiltin, p.Kind)
			assert.InDelta(t, tt.wantInjection, p.Thresholds.InjectionScore, 1e-9)
			assert.Equal(t, tt.wantCritExpl, p.Checks.CriticalExploits)
			assert.Equal(t, tt.wantSysCmds, p.Checks.SystemCommands)
			assert.Equal(t, tt.wantAllChecks, p.Checks.ContentAnalysis)
		})
	}
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	r := NewRegistry(nil)
	assert.Equal(t, Standard, r.Resolve("STANDARD").Name)
	assert.Equal(t, Maximum, r.Resolve("  Maximum ").Name)
}

func TestResolveUnknownFallsBackToStandard(t *testing.T) {
	r := NewRegistry(nil)
	p := r.Resolve("no-such-profile")
	assert.Equal(t, Standard, p.Name)
}

func TestMonotoneLattice(t *testing.T) {
	// Blocking strictness must grow monotonically across the built-ins:
	// every threshold that gates blocking must be non-increasing, and no
	// check enabled by a looser profile may be disabled by a stricter one.
	r := NewRegistry(nil)
	order := BuiltinNames()

	for i := 1; i < len(order); i++ {
		looser := r.Resolve(order[i-1])
		stricter := r.Resolve(order[i])

		assert.LessOrEqual(t, stricter.Thresholds.InjectionScore, looser.Thresholds.InjectionScore,
			"%s vs %s injection", order[i], order[i-1])
		assert.LessOrEqual(t, stricter.Thresholds.SensitiveData, looser.Thresholds.SensitiveData,
			"%s vs %s sensitive", order[i], order[i-1])

		for name, pair := range map[string][2]bool{
			"critical_exploits": {looser.Checks.CriticalExploits, stricter.Checks.CriticalExploits},
			"system_commands":   {looser.Checks.SystemCommands, stricter.Checks.SystemCommands},
			"content_analysis":  {looser.Checks.ContentAnalysis, stricter.Checks.ContentAnalysis},
		} {
			if pair[0] {
				assert.True(t, pair[1], "check %s enabled in %s but not in %s", name, order[i-1], order[i])
			}
		}
	}
}

func TestRegisterCustomRoundTrip(t *testing.T) {
	r := NewRegistry(nil)

	thresholds := Thresholds{
		InjectionScore:   0.5,
		SensitiveData:    0.4,
		RelevanceScore:   0.3,
		ReliabilityScore: 0.2,
		ConsistencyScore: 0.1,
	}
	checks := Checks{CriticalExploits: true, ContentAnalysis: true}

	require.NoError(t, r.RegisterCustom("Paranoid-QA", thresholds, checks, "QA gate"))

	p := r.Resolve("paranoid-qa")
	assert.Equal(t, KindCustom, p.Kind)
	assert.Equal(t, thresholds, p.Thresholds)
	assert.Equal(t, checks, p.Checks)
	assert.Equal(t, "QA gate", p.Description)
}

func TestRegisterCustomRejectsCollisionsAndBadThresholds(t *testing.T) {
	r := NewRegistry(nil)

	err := r.RegisterCustom("standard", Thresholds{}, Checks{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "built-in")

	err = r.RegisterCustom("bad", Thresholds{InjectionScore: 1.5}, Checks{}, "")
	require.Error(t, err)

	err = r.RegisterCustom("bad", Thresholds{SensitiveData: -0.1}, Checks{}, "")
	require.Error(t, err)

	require.Error(t, r.RegisterCustom("   ", Thresholds{}, Checks{}, ""))
}

func TestDescribe(t *testing.T) {
	r := NewRegistry(nil)
	desc := r.Describe("high")
	assert.Contains(t, desc, "profile high (builtin)")
	assert.Contains(t, desc, "injection=0.40")
	assert.Contains(t, desc, "expert_validation=true")
}

func TestNames(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterCustom("zeta", Thresholds{}, Checks{}, ""))
	require.NoError(t, r.RegisterCustom("alpha", Thresholds{}, Checks{}, ""))

	names := r.Names()
	assert.Equal(t, []string{Minimal, Low, Standard, High, Maximum, "alpha", "zeta"}, names)
}
