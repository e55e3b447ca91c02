package adaptive

import (
	"dev.helix.sentinel/internal/validation"
)

// seedPattern is the static description of one shipped pattern.
type seedPattern struct {
	vector     string
	expression string
	category   validation.Category
	severity   validation.Severity
	confidence float64
	source     Source
	tags       []string
}

// SeedPatterns returns the three shipped pattern families: named attack
// vectors in the Unit 42 reporting style, an ATT&CK-derived set for recon,
// privilege escalation and resource exhaustion, and an AI-safety set for
// jailbreak and role impersonation. Expressions target concrete attack
// syntax; bare mentions of risky identifiers are left for runtime learning.
func SeedPatterns() []seedPattern {
	return []seedPattern{
		// Named attack vectors.
		{
			vector:     "prompt-override-direct",
			expression: `(?i)ignore\s+(?:all\s+)?(?:previous|prior|above)\s+(?:instructions|prompts|rules)`,
			category:   validation.CategoryPromptInjection,
			severity:   validation.SeverityHigh,
			confidence: 0.9,
			source:     SourceThreatIntel,
			tags:       []string{"suspicious:prompt_override", "channel:prompt"},
		},
		{
			vector:     "payload-staging-base64",
			expression: `(?i)base64\s*(?:-d|--decode|\.b64decode)\s*.{0,80}(?:\|\s*(?:sh|bash)|exec|eval)`,
			category:   validation.CategoryEvasion,
			severity:   validation.SeverityHigh,
			confidence: 0.85,
			source:     SourceThreatIntel,
			tags:       []string{"suspicious:code_execution", "suspicious:data_exfiltration"},
		},
		{
			vector:     "exfil-env-to-remote",
			expression: `(?i)(?:env|printenv|process\.env|os\.environ)\b.{0,120}(?:curl|wget|webhook|https?://)`,
			category:   validation.CategoryDataExfiltration,
			severity:   validation.SeverityCritical,
			confidence: 0.9,
			source:     SourceThreatIntel,
			tags:       []string{"suspicious:data_exfiltration"},
		},
		{
			vector:     "reverse-shell-classic",
			expression: `(?i)(?:nc|ncat|netcat)\s+(?:-e|-c)\s|/dev/tcp/\d{1,3}\.`,
			category:   validation.CategoryCommandInjection,
			severity:   validation.SeverityCritical,
			confidence: 0.92,
			source:     SourceThreatIntel,
			tags:       []string{"suspicious:command_injection"},
		},
		{
			vector:     "dynamic-eval-of-input",
			expression: `(?i)(?:eval|exec)\s*\(\s*(?:input|request|atob|base64|decode|chr)\b`,
			category:   validation.CategoryCodeExecution,
			severity:   validation.SeverityCritical,
			confidence: 0.9,
			source:     SourceThreatIntel,
			tags:       []string{"suspicious:code_execution"},
		},

		// ATT&CK-derived: discovery, privilege escalation, impact.
		{
			vector:     "recon-account-discovery",
			expression: `(?i)(?:cat|type)\s+/etc/(?:passwd|shadow)|net\s+user\s+/domain`,
			category:   validation.CategoryReconnaissance,
			severity:   validation.SeverityHigh,
			confidence: 0.88,
			source:     SourceSeed,
			tags:       []string{"suspicious:reconnaissance"},
		},
		{
			vector:     "recon-network-scan",
			expression: `(?i)nmap\s+-(?:s[SUTV]|p[\s\d,-]|A\b)|masscan\s+`,
			category:   validation.CategoryReconnaissance,
			severity:   validation.SeverityMedium,
			confidence: 0.8,
			source:     SourceSeed,
			tags:       []string{"suspicious:reconnaissance"},
		},
		{
			vector:     "privesc-sudoers-write",
			expression: `(?i)(?:echo|printf)\s+.{0,60}>>?\s*/etc/sudoers|chmod\s+[0-7]*[4257]7{2}\s+`,
			category:   validation.CategoryPrivilegeEscalation,
			severity:   validation.SeverityCritical,
			confidence: 0.9,
			source:     SourceSeed,
			tags:       []string{"suspicious:privilege_escalation"},
		},
		{
			vector:     "privesc-setuid-binary",
			expression: `(?i)find\s+/\s+.{0,40}-perm\s+(?:-4000|/4000|-u=s)`,
			category:   validation.CategoryPrivilegeEscalation,
			severity:   validation.SeverityHigh,
			confidence: 0.85,
			source:     SourceSeed,
			tags:       []string{"suspicious:privilege_escalation"},
		},
		{
			vector:     "impact-resource-exhaustion",
			expression: `(?i):\(\)\s*\{\s*:\|:&\s*\};|while\s*\(\s*true\s*\)\s*\{?\s*fork`,
			category:   validation.CategoryDenialOfService,
			severity:   validation.SeverityCritical,
			confidence: 0.92,
			source:     SourceSeed,
			tags:       []string{"suspicious:command_injection"},
		},

		// AI-safety set: jailbreak and role impersonation.
		{
			vector:     "jailbreak-dan-persona",
			expression: `(?i)\b(?:DAN|STAN|DUDE)\s+mode|do\s+anything\s+now|developer\s+mode\s+enabled`,
			category:   validation.CategoryJailbreak,
			severity:   validation.SeverityHigh,
			confidence: 0.88,
			source:     SourceSeed,
			tags:       []string{"suspicious:jailbreak", "channel:prompt"},
		},
		{
			vector:     "jailbreak-hypothetical-frame",
			expression: `(?i)(?:hypothetically|in\s+a\s+fictional\s+world|for\s+a\s+novel)\s*.{0,80}(?:no\s+(?:rules|restrictions|filters)|anything\s+illegal)`,
			category:   validation.CategoryJailbreak,
			severity:   validation.SeverityMedium,
			confidence: 0.78,
			source:     SourceSeed,
			tags:       []string{"suspicious:jailbreak"},
		},
		{
			vector:     "role-impersonation-authority",
			expression: `(?i)(?:i\s+am|as)\s+(?:your|the)\s+(?:developer|creator|administrator|system\s+operator)\b.{0,60}(?:override|disable|unlock|grant)`,
			category:   validation.CategoryRoleImpersonation,
			severity:   validation.SeverityHigh,
			confidence: 0.85,
			source:     SourceSeed,
			tags:       []string{"suspicious:role_impersonation"},
		},
		{
			vector:     "role-impersonation-peer-agent",
			expression: `(?i)(?:this\s+is|message\s+from)\s+(?:the\s+)?(?:orchestrator|supervisor|parent)\s+agent\b.{0,80}(?:new\s+instructions|change\s+your)`,
			category:   validation.CategoryRoleImpersonation,
			severity:   validation.SeverityHigh,
			confidence: 0.82,
			source:     SourceSeed,
			tags:       []string{"suspicious:role_impersonation", "channel:inter_agent"},
		},
	}
}

// LoadSeeds inserts the shipped families into a store. Returns the number
// of patterns accepted.
func LoadSeeds(store *PatternStore) int {
	loaded := 0
	for _, sp := range SeedPatterns() {
		err := store.Insert(Pattern{
			Expression:   sp.expression,
			AttackVector: sp.vector,
			Category:     sp.category,
			Severity:     sp.severity,
			Confidence:   sp.confidence,
			Source:       sp.source,
			ContextTags:  sp.tags,
		})
		if err == nil {
			loaded++
		}
	}
	return loaded
}
