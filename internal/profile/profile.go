// Package profile implements the policy layer: named security profiles that
// map to detection thresholds and enabled check flags. The five built-in
// profiles form a monotone lattice (minimal permits the most, maximum the
// least); custom registered profiles bypass that invariant.
package profile

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Kind distinguishes built-in profiles from caller-registered ones.
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindCustom  Kind = "custom"
)

// Canonical built-in profile names.
const (
	Minimal  = "minimal"
	Low      = "low"
	Standard = "standard"
	High     = "high"
	Maximum  = "maximum"
)

// Thresholds holds the five detection thresholds of a profile. All values are
// in [0,1]; a higher threshold is more permissive (a detector must be more
// confident before it blocks).
type Thresholds struct {
	InjectionScore   float64 `json:"injection_score" yaml:"injection_score" validate:"min=0,max=1"`
	SensitiveData    float64 `json:"sensitive_data" yaml:"sensitive_data" validate:"min=0,max=1"`
	RelevanceScore   float64 `json:"relevance_score" yaml:"relevance_score" validate:"min=0,max=1"`
	ReliabilityScore float64 `json:"reliability_score" yaml:"reliability_score" validate:"min=0,max=1"`
	ConsistencyScore float64 `json:"consistency_score" yaml:"consistency_score" validate:"min=0,max=1"`
}

// Checks holds the feature flags consulted by the pipeline and validators.
type Checks struct {
	CriticalExploits  bool `json:"critical_exploits" yaml:"critical_exploits"`
	SystemCommands    bool `json:"system_commands" yaml:"system_commands"`
	ContentAnalysis   bool `json:"content_analysis" yaml:"content_analysis"`
	FormatValidation  bool `json:"format_validation" yaml:"format_validation"`
	ContextValidation bool `json:"context_validation" yaml:"context_validation"`
	OutputValidation  bool `json:"output_validation" yaml:"output_validation"`
	ExpertValidation  bool `json:"expert_validation" yaml:"expert_validation"`
}

// Profile is a resolved policy bundle.
type Profile struct {
	Name        string     `json:"name"`
	Kind        Kind       `json:"kind"`
	Thresholds  Thresholds `json:"thresholds"`
	Checks      Checks     `json:"checks"`
	Description string     `json:"description,omitempty"`
}

var builtins = map[string]Profile{
	Minimal: {
		Name: Minimal, Kind: KindBuiltin,
		Thresholds:  Thresholds{0.98, 0.98, 0.02, 0.02, 0.02},
		Checks:      Checks{CriticalExploits: true},
		Description: "Near-permissive; only blocks unambiguous system destruction.",
	},
	Low: {
		Name: Low, Kind: KindBuiltin,
		Thresholds:  Thresholds{0.85, 0.85, 0.15, 0.15, 0.15},
		Checks:      Checks{CriticalExploits: true, SystemCommands: true},
		Description: "Permissive; blocks critical exploits and dangerous system commands.",
	},
	Standard: {
		Name: Standard, Kind: KindBuiltin,
		Thresholds:  Thresholds{0.75, 0.75, 0.25, 0.25, 0.25},
		Checks:      allChecks,
		Description: "Default balance of safety and throughput; all checks enabled.",
	},
	High: {
		Name: High, Kind: KindBuiltin,
		Thresholds:  Thresholds{0.40, 0.30, 0.60, 0.70, 0.70},
		Checks:      allChecks,
		Description: "Strict; low confidence suffices to block.",
	},
	Maximum: {
		Name: Maximum, Kind: KindBuiltin,
		Thresholds:  Thresholds{0.20, 0.10, 0.80, 0.90, 0.90},
		Checks:      allChecks,
		Description: "Strictest built-in profile.",
	},
}

var allChecks = Checks{
	CriticalExploits:  true,
	SystemCommands:    true,
	ContentAnalysis:   true,
	FormatValidation:  true,
	ContextValidation: true,
	OutputValidation:  true,
	ExpertValidation:  true,
}

// BuiltinNames returns the canonical built-in profile names, loosest first.
func BuiltinNames() []string {
	return []string{Minimal, Low, Standard, High, Maximum}
}

// Registry resolves profile names to policy bundles and holds caller-registered
// custom profiles. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	custom   map[string]Profile
	validate *validator.Validate
	logger   *logrus.Logger
}

// NewRegistry creates a profile registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		custom:   make(map[string]Profile),
		validate: validator.New(),
		logger:   logger,
	}
}

// Resolve returns the profile for a name. Names are case-insensitive. Unknown
// names fall back to the standard profile with a logged warning.
func (r *Registry) Resolve(name string) Profile {
	key := strings.ToLower(strings.TrimSpace(name))

	if p, ok := builtins[key]; ok {
		return p
	}

	r.mu.RLock()
	p, ok := r.custom[key]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.logger.WithField("profile", name).Warn("Unknown security profile, falling back to standard")
	return builtins[Standard]
}

// RegisterCustom registers a custom profile. It fails if the name collides
// with a built-in or if any threshold is outside [0,1].
func (r *Registry) RegisterCustom(name string, thresholds Thresholds, checks Checks, description string) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("profile name must not be empty")
	}
	if _, ok := builtins[key]; ok {
		return fmt.Errorf("profile name %q collides with a built-in profile", name)
	}
	if err := r.validate.Struct(thresholds); err != nil {
		return fmt.Errorf("invalid thresholds for profile %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[key] = Profile{
		Name:        key,
		Kind:        KindCustom,
		Thresholds:  thresholds,
		Checks:      checks,
		Description: description,
	}
	r.logger.WithField("profile", key).Info("Registered custom security profile")
	return nil
}

// Names returns all resolvable profile names, built-ins first.
func (r *Registry) Names() []string {
	names := BuiltinNames()

	r.mu.RLock()
	customs := make([]string, 0, len(r.custom))
	for name := range r.custom {
		customs = append(customs, name)
	}
	r.mu.RUnlock()

	sort.Strings(customs)
	return append(names, customs...)
}

// Describe renders a human-readable summary of a profile.
func (r *Registry) Describe(name string) string {
	p := r.Resolve(name)

	var b strings.Builder
	fmt.Fprintf(&b, "profile %s (%s)\n", p.Name, p.Kind)
	if p.Description != "" {
		fmt.Fprintf(&b, "  %s\n", p.Description)
	}
	fmt.Fprintf(&b, "  thresholds: injection=%.2f sensitive=%.2f relevance=%.2f reliability=%.2f consistency=%.2f\n",
		p.Thresholds.InjectionScore, p.Thresholds.SensitiveData, p.Thresholds.RelevanceScore,
		p.Thresholds.ReliabilityScore, p.Thresholds.ConsistencyScore)
	fmt.Fprintf(&b, "  checks: critical_exploits=%t system_commands=%t content_analysis=%t format_validation=%t context_validation=%t output_validation=%t expert_validation=%t",
		p.Checks.CriticalExploits, p.Checks.SystemCommands, p.Checks.ContentAnalysis,
		p.Checks.FormatValidation, p.Checks.ContextValidation, p.Checks.OutputValidation,
		p.Checks.ExpertValidation)
	return b.String()
}
