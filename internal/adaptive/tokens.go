package adaptive

import (
	"regexp"
	"sort"

	"dev.helix.sentinel/internal/validation"
)

// SuspiciousToken is a vocabulary hit found in an input.
type SuspiciousToken struct {
	Token    string
	Family   string
	Weight   int
	Severity validation.Severity
}

// tokenFamily groups vocabulary entries for context tagging and synthesis.
type tokenFamily struct {
	name     string
	severity validation.Severity
	category validation.Category
}

var (
	famCode  = tokenFamily{"code_execution", validation.SeverityHigh, validation.CategoryCodeExecution}
	famCmd   = tokenFamily{"command_injection", validation.SeverityHigh, validation.CategoryCommandInjection}
	famExfil = tokenFamily{"data_exfiltration", validation.SeverityHigh, validation.CategoryDataExfiltration}
	famRecon = tokenFamily{"reconnaissance", validation.SeverityMedium, validation.CategoryReconnaissance}
	famPriv  = tokenFamily{"privilege_escalation", validation.SeverityCritical, validation.CategoryPrivilegeEscalation}
)

// suspiciousVocab is the known vocabulary the engine learns from. Weight
// orders tokens when picking synthesis anchors.
var suspiciousVocab = map[string]struct {
	family tokenFamily
	weight int
}{
	"eval":         {famCode, 80},
	"exec":         {famCode, 80},
	"__builtins__": {famCode, 90},
	"__import__":   {famCode, 90},
	"__globals__":  {famCode, 85},
	"compile":      {famCode, 50},
	"pickle":       {famCode, 60},
	"subprocess":   {famCmd, 75},
	"popen":        {famCmd, 75},
	"os.system":    {famCmd, 85},
	"mkfs":         {famCmd, 70},
	"chmod":        {famCmd, 55},
	"curl":         {famCmd, 45},
	"wget":         {famCmd, 45},
	"netcat":       {famCmd, 50},
	"exfiltrate":   {famExfil, 90},
	"base64":       {famExfil, 50},
	"keylogger":    {famExfil, 85},
	"backdoor":     {famExfil, 85},
	"webhook":      {famExfil, 40},
	"nmap":         {famRecon, 60},
	"whoami":       {famRecon, 45},
	"traceroute":   {famRecon, 40},
	"sudo":         {famPriv, 65},
	"setuid":       {famPriv, 70},
	"passwd":       {famPriv, 55},
}

var vocabRe = map[string]*regexp.Regexp{}

func init() {
	for token := range suspiciousVocab {
		vocabRe[token] = regexp.MustCompile(`(?i)(^|[^a-zA-Z0-9_])` + regexp.QuoteMeta(token) + `($|[^a-zA-Z0-9_])`)
	}
}

// SuspiciousTokens scans text for vocabulary hits, sorted by weight
// descending, then token, so synthesis anchors are deterministic.
func SuspiciousTokens(text string) []SuspiciousToken {
	var hits []SuspiciousToken
	for token, info := range suspiciousVocab {
		if vocabRe[token].MatchString(text) {
			hits = append(hits, SuspiciousToken{
				Token:    token,
				Family:   info.family.name,
				Weight:   info.weight,
				Severity: info.family.severity,
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Weight != hits[j].Weight {
			return hits[i].Weight > hits[j].Weight
		}
		return hits[i].Token < hits[j].Token
	})
	return hits
}

// suspiciousTags derives context tags from the token families present, so a
// learned pattern gains its bounded boost on structurally similar requests.
func suspiciousTags(tokens []SuspiciousToken) []string {
	seen := map[string]struct{}{}
	var tags []string
	for _, t := range tokens {
		tag := "suspicious:" + t.Family
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// familyByName resolves a family descriptor for synthesis metadata.
func familyByName(name string) tokenFamily {
	for _, fam := range []tokenFamily{famCode, famCmd, famExfil, famRecon, famPriv} {
		if fam.name == name {
			return fam
		}
	}
	return tokenFamily{name, validation.SeverityMedium, validation.Category(name)}
}
