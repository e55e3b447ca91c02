// Package rules implements the first validation stage: a compiled-pattern
// lexical scanner over curated rule families. Rules are grouped by threat
// category; each rule carries the profile check flag that gates it, a
// severity, and a confidence seed compared against the profile threshold.
package rules

import (
	"regexp"

	"dev.helix.sentinel/internal/profile"
	"dev.helix.sentinel/internal/validation"
)

// Gate names the profile check flag that must be enabled for a rule to run.
type Gate string

const (
	GateCriticalExploits Gate = "critical_exploits"
	GateSystemCommands   Gate = "system_commands"
	GateContentAnalysis  Gate = "content_analysis"
	GateOutputValidation Gate = "output_validation"
	GateExpertValidation Gate = "expert_validation"
)

// Enabled reports whether the gate's check flag is set on the profile.
func (g Gate) Enabled(c profile.Checks) bool {
	switch g {
	case GateCriticalExploits:
		return c.CriticalExploits
	case GateSystemCommands:
		return c.SystemCommands
	case GateContentAnalysis:
		return c.ContentAnalysis
	case GateOutputValidation:
		return c.OutputValidation
	case GateExpertValidation:
		return c.ExpertValidation
	}
	return false
}

// Rule is a single curated detection pattern.
type Rule struct {
	ID         string
	Family     validation.Category
	Gate       Gate
	Severity   validation.Severity
	Confidence float64
	Reason     string
	// OperationOnly restricts the rule to operation-kind requests;
	// OutputOnly to output-kind requests.
	OperationOnly bool
	OutputOnly    bool
	re            *regexp.Regexp
	// post rejects shape-only matches (e.g. Luhn for card numbers).
	post func(match string) bool
}

func rule(id string, family validation.Category, gate Gate, sev validation.Severity, conf float64, expr, reason string) Rule {
	return Rule{
		ID:         id,
		Family:     family,
		Gate:       gate,
		Severity:   sev,
		Confidence: conf,
		Reason:     reason,
		re:         regexp.MustCompile(expr),
	}
}

// curatedRules is the built-in rule set. Compilation happens at package load;
// a malformed pattern aborts startup.
func curatedRules() []Rule {
	rules := []Rule{
		// command_injection: unambiguous system destruction stays available
		// even under the minimal profile (critical_exploits gate, confidence
		// seeds above the minimal threshold of 0.98).
		rule("cmd-rm-root", validation.CategoryCommandInjection, GateCriticalExploits,
			validation.SeverityCritical, 0.99,
			`(?i)\brm\s+(-[a-z]+\s+)*-?[a-z]*[rf][a-z]*\s+(/|~|\$HOME|--no-preserve-root)`,
			"recursive filesystem deletion"),
		rule("cmd-mkfs", validation.CategoryCommandInjection, GateCriticalExploits,
			validation.SeverityCritical, 0.99,
			`(?i)\bmkfs(\.[a-z0-9]+)?\s`,
			"filesystem format command"),
		rule("cmd-dd-device", validation.CategoryCommandInjection, GateCriticalExploits,
			validation.SeverityCritical, 0.99,
			`(?i)\bdd\s+[^|\n]*of=/dev/`,
			"raw device overwrite"),
		rule("cmd-fork-bomb", validation.CategoryCommandInjection, GateCriticalExploits,
			validation.SeverityCritical, 0.99,
			`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`,
			"shell fork bomb"),

		// command_injection: generic shell abuse.
		rule("cmd-chained", validation.CategoryCommandInjection, GateSystemCommands,
			validation.SeverityHigh, 0.88,
			`;\s*(rm|chmod|chown|mkfs|shutdown|reboot|halt|kill(all)?)\b`,
			"chained destructive shell command"),
		rule("cmd-pipe-shell", validation.CategoryCommandInjection, GateSystemCommands,
			validation.SeverityHigh, 0.88,
			`\|\s*(bash|sh|zsh|cmd(\.exe)?|powershell)\b`,
			"output piped into a shell"),
		rule("cmd-curl-pipe", validation.CategoryCommandInjection, GateSystemCommands,
			validation.SeverityHigh, 0.9,
			`(?i)\b(curl|wget)\b[^|\n]*\|\s*(ba|z)?sh\b`,
			"remote script piped into a shell"),
		rule("cmd-substitution", validation.CategoryCommandInjection, GateSystemCommands,
			validation.SeverityMedium, 0.8,
			"`[^`\n]+`|\\$\\([^)\n]+\\)",
			"shell command substitution"),

		// privilege_escalation.
		rule("priv-sudo-su", validation.CategoryPrivilegeEscalation, GateCriticalExploits,
			validation.SeverityCritical, 0.9,
			`(?i)\bsudo\s+(su|-i|bash|sh)\b`,
			"interactive root shell request"),
		rule("priv-setuid", validation.CategoryPrivilegeEscalation, GateCriticalExploits,
			validation.SeverityHigh, 0.9,
			`(?i)\bchmod\s+(\+s|[0-7]?[4567][0-7]{3})\b`,
			"setuid/world-writable permission change"),
		rule("priv-shadow", validation.CategoryPrivilegeEscalation, GateCriticalExploits,
			validation.SeverityHigh, 0.9,
			`(?i)/etc/(passwd|shadow|sudoers)\b`,
			"credential database access"),

		// sql_injection.
		rule("sql-stacked-drop", validation.CategorySQLInjection, GateSystemCommands,
			validation.SeverityCritical, 0.9,
			`(?i)['"]?\s*;\s*(drop|truncate|alter)\s+(table|database)\b`,
			"stacked destructive SQL statement"),
		rule("sql-union", validation.CategorySQLInjection, GateSystemCommands,
			validation.SeverityHigh, 0.85,
			`(?i)\bunion\s+(all\s+)?select\b`,
			"UNION-based extraction"),
		rule("sql-tautology", validation.CategorySQLInjection, GateSystemCommands,
			validation.SeverityHigh, 0.85,
			`(?i)['"]\s*(or|and)\s+['"]?1['"]?\s*=\s*['"]?1`,
			"tautology predicate"),
		rule("sql-dml", validation.CategorySQLInjection, GateSystemCommands,
			validation.SeverityHigh, 0.85,
			`(?i)\b(delete\s+from|insert\s+into|update\s+\w+\s+set)\b[^\n]*(--|;)`,
			"injected DML statement"),

		// prompt_injection.
		rule("pi-ignore-previous", validation.CategoryPromptInjection, GateContentAnalysis,
			validation.SeverityHigh, 0.88,
			`(?i)\b(ignore|disregard|forget)\s+(all\s+)?(your\s+)?(previous|prior|above|earlier)\b`,
			"instruction override attempt"),
		rule("pi-new-instructions", validation.CategoryPromptInjection, GateContentAnalysis,
			validation.SeverityHigh, 0.85,
			`(?i)\bnew\s+instructions?\s*:`,
			"instruction replacement attempt"),
		rule("pi-system-tag", validation.CategoryPromptInjection, GateContentAnalysis,
			validation.SeverityHigh, 0.88,
			`(?i)</?(system|assistant)\s*>|\[\s*system\s*\]|^\s*system\s*:`,
			"system role tag injection"),
		rule("pi-role-override", validation.CategoryPromptInjection, GateContentAnalysis,
			validation.SeverityMedium, 0.8,
			`(?i)\byou\s+are\s+now\s+(a|an|the)?\s*\w+|\bpretend\s+(to\s+be|you\s+are)\b`,
			"role override attempt"),
		rule("pi-jailbreak", validation.CategoryPromptInjection, GateContentAnalysis,
			validation.SeverityHigh, 0.9,
			`(?i)\bjailbreak\b|\bDAN\b|\bdo\s+anything\s+now\b|\bdeveloper\s+mode\b`,
			"jailbreak persona request"),

		// instruction_extraction.
		rule("ie-reveal-prompt", validation.CategoryInstructionExtraction, GateContentAnalysis,
			validation.SeverityHigh, 0.85,
			`(?i)\b(reveal|show|print|display|tell\s+me|repeat)\b.{0,40}\b(system\s+prompt|initial\s+instructions?|hidden\s+prompt)\b`,
			"system prompt extraction attempt"),
		rule("ie-words-above", validation.CategoryInstructionExtraction, GateContentAnalysis,
			validation.SeverityMedium, 0.8,
			`(?i)\brepeat\s+(the\s+)?(words?|text|everything)\s+above\b|\bwhat\s+were\s+you\s+told\b`,
			"conversation preamble extraction"),

		// tool_schema_extraction.
		rule("ts-dump-schema", validation.CategoryToolSchemaExtraction, GateContentAnalysis,
			validation.SeverityHigh, 0.8,
			`(?i)\b(show|list|dump|enumerate|reveal|give)\b.{0,60}\bschemas?\b.{0,80}\b(tools?|functions?|capabilit)`,
			"tool schema enumeration"),
		rule("ts-list-tools", validation.CategoryToolSchemaExtraction, GateContentAnalysis,
			validation.SeverityMedium, 0.8,
			`(?i)\b(all|complete|every)\b.{0,30}\b(tools?|functions?)\b.{0,40}\b(you\s+have\s+)?access\b`,
			"tool inventory enumeration"),

		// ssrf.
		rule("ssrf-loopback", validation.CategorySSRF, GateSystemCommands,
			validation.SeverityHigh, 0.85,
			`(?i)https?://(127\.\d{1,3}\.\d{1,3}\.\d{1,3}|localhost|0\.0\.0\.0|\[::1\])`,
			"loopback address fetch"),
		rule("ssrf-metadata", validation.CategorySSRF, GateSystemCommands,
			validation.SeverityCritical, 0.92,
			`(?i)169\.254\.169\.254|metadata\.google\.internal|/latest/meta-data/`,
			"cloud metadata endpoint access"),
		rule("ssrf-file-scheme", validation.CategorySSRF, GateSystemCommands,
			validation.SeverityHigh, 0.85,
			`(?i)\bfile://`,
			"file scheme fetch"),

		// data_exfiltration.
		rule("exfil-post", validation.CategoryDataExfiltration, GateContentAnalysis,
			validation.SeverityHigh, 0.82,
			`(?i)\b(send|post|upload|forward|exfiltrate|transmit)\b.{0,50}\b(data|files?|secrets?|credentials?|keys?|contents?)\b.{0,50}\bhttps?://`,
			"data forwarding to external endpoint"),
		rule("exfil-encode-send", validation.CategoryDataExfiltration, GateContentAnalysis,
			validation.SeverityMedium, 0.78,
			`(?i)\bbase64\b.{0,40}\b(send|post|upload|embed)\b`,
			"encoded payload delivery"),

		// bola.
		rule("bola-other-users", validation.CategoryBOLA, GateContentAnalysis,
			validation.SeverityMedium, 0.8,
			`(?i)\b(other|another|all|every)\s+users?'?s?\s+(data|records?|accounts?|files?|sessions?)\b`,
			"cross-principal object access"),
		rule("bola-id-tamper", validation.CategoryBOLA, GateContentAnalysis,
			validation.SeverityMedium, 0.8,
			`(?i)\b(user_?id|account_?id|object_?id)\s*=\s*\d+\s*(or|\|\|)\s*\d+\s*=\s*\d+`,
			"object id predicate tampering"),

		// indirect_injection.
		rule("ii-trigger-on-read", validation.CategoryIndirectInjection, GateContentAnalysis,
			validation.SeverityMedium, 0.8,
			`(?i)\bwhen\s+(you|the\s+(model|assistant|agent))\s+(reads?|sees?|process(es)?)\s+this\b`,
			"deferred instruction trigger"),
		rule("ii-html-comment", validation.CategoryIndirectInjection, GateContentAnalysis,
			validation.SeverityMedium, 0.78,
			`(?i)<!--[^>]*(instruction|ignore|system|prompt)[^>]*-->`,
			"instructions hidden in markup comment"),

		// evasion.
		rule("ev-zero-width", validation.CategoryEvasion, GateContentAnalysis,
			validation.SeverityMedium, 0.78,
			`[\x{200B}\x{200C}\x{200D}\x{2060}\x{FEFF}]`,
			"zero-width character obfuscation"),
		rule("ev-unicode-escapes", validation.CategoryEvasion, GateContentAnalysis,
			validation.SeverityLow, 0.76,
			`(\\u[0-9a-fA-F]{4}){6,}`,
			"dense unicode escape sequence"),
		rule("ev-decode-exec", validation.CategoryEvasion, GateContentAnalysis,
			validation.SeverityMedium, 0.8,
			`(?i)\b(decode|unhex|rot13)\b.{0,30}\b(then\s+)?(run|execute|eval|follow)\b`,
			"decode-then-execute request"),

		// denial_of_service.
		rule("dos-repeat-forever", validation.CategoryDenialOfService, GateSystemCommands,
			validation.SeverityMedium, 0.8,
			`(?i)\brepeat\b.{0,30}\b(forever|infinitely|endlessly|\d{6,})\b`,
			"unbounded repetition request"),
		rule("dos-busy-loop", validation.CategoryDenialOfService, GateSystemCommands,
			validation.SeverityHigh, 0.85,
			`(?i)\bwhile\s*\(\s*(true|1)\s*\)|\bfor\s*\(\s*;\s*;\s*\)`,
			"unbounded loop construct"),

		// code execution via dynamic evaluation.
		rule("code-eval", validation.CategoryCodeExecution, GateSystemCommands,
			validation.SeverityHigh, 0.85,
			`(?i)\b(eval|exec|system|popen)\s*\(|__import__\s*\(|\bos\.(system|popen|execv?p?)\b`,
			"dynamic code execution call"),
		rule("code-builtins", validation.CategoryCodeExecution, GateSystemCommands,
			validation.SeverityHigh, 0.85,
			`__globals__\s*\[|__subclasses__\s*\(|getattr\s*\(\s*__builtins__`,
			"interpreter internals access"),

		// operation_authenticity: only checked for operation-kind requests
		// when expert_validation is enabled.
		{
			ID:            "op-specialty-break",
			Family:        validation.CategoryOperationAuthenticity,
			Gate:          GateExpertValidation,
			Severity:      validation.SeverityHigh,
			Confidence:    0.85,
			Reason:        "operation escapes the expert's declared specialty",
			OperationOnly: true,
			re:            regexp.MustCompile(`(?i)\b(ignore|bypass|outside|beyond)\b.{0,40}\b(specialt(y|ies)|expertise|designated\s+role)\b`),
		},
		{
			ID:            "op-authority-claim",
			Family:        validation.CategoryOperationAuthenticity,
			Gate:          GateExpertValidation,
			Severity:      validation.SeverityHigh,
			Confidence:    0.85,
			Reason:        "operation claims unverified elevated authority",
			OperationOnly: true,
			re:            regexp.MustCompile(`(?i)\bas\s+(the\s+)?(administrator|root|superuser|owner)\b.{0,50}\b(execute|run|perform|approve)\b`),
		},
	}

	rules = append(rules, outputRules()...)
	rules = append(rules, sensitiveDataRules()...)
	return rules
}

// outputRules scan generated text before release: responses that disclose
// their own instructions or smuggle data outward. They only apply to
// output-kind requests when the profile enables output validation.
func outputRules() []Rule {
	out := func(id string, family validation.Category, sev validation.Severity, conf float64, expr, reason string) Rule {
		r := rule(id, family, GateOutputValidation, sev, conf, expr, reason)
		r.OutputOnly = true
		return r
	}

	return []Rule{
		out("out-prompt-disclosure", validation.CategoryInstructionExtraction,
			validation.SeverityHigh, 0.86,
			`(?i)\bmy\s+(system\s+prompt|initial\s+instructions?|hidden\s+instructions?)\s+(is|are|says?|reads?)\b`,
			"response discloses its own system prompt"),
		out("out-verbatim-instructions", validation.CategoryInstructionExtraction,
			validation.SeverityHigh, 0.85,
			`(?i)\bhere\s+(is|are)\s+(my|the)\s+(system\s+prompt|initial\s+instructions?|full\s+instructions?)\b`,
			"response repeats its instructions verbatim"),
		out("out-markdown-exfil", validation.CategoryDataExfiltration,
			validation.SeverityHigh, 0.85,
			`!\[[^\]]*\]\(https?://[^)\s]*[?&][^)\s]*=`,
			"image markup smuggling data in query parameters"),
	}
}

// sensitiveDataRules covers PII and credential material. Grounded on the
// card/SSN/key patterns of the upstream PII detector; card-shaped matches are
// confirmed with a Luhn check before they count.
func sensitiveDataRules() []Rule {
	cc := Rule{
		ID:         "sd-credit-card",
		Family:     validation.CategorySensitiveData,
		Gate:       GateContentAnalysis,
		Severity:   validation.SeverityHigh,
		Confidence: 0.95,
		Reason:     "credit card number",
		re:         regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
		post:       luhnValid,
	}

	return []Rule{
		rule("sd-email", validation.CategorySensitiveData, GateContentAnalysis,
			validation.SeverityMedium, 0.8,
			`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`,
			"email address"),
		rule("sd-phone", validation.CategorySensitiveData, GateContentAnalysis,
			validation.SeverityLow, 0.76,
			`\b\+?1?[ .\-]?\(?\d{3}\)?[ .\-]\d{3}[ .\-]\d{4}\b`,
			"phone number"),
		rule("sd-ssn", validation.CategorySensitiveData, GateContentAnalysis,
			validation.SeverityHigh, 0.9,
			`\b\d{3}-\d{2}-\d{4}\b`,
			"SSN-shaped identifier"),
		cc,
		rule("sd-aws-key", validation.CategorySensitiveData, GateContentAnalysis,
			validation.SeverityCritical, 0.95,
			`\bAKIA[0-9A-Z]{16}\b`,
			"AWS access key id"),
		rule("sd-github-token", validation.CategorySensitiveData, GateContentAnalysis,
			validation.SeverityCritical, 0.95,
			`\bgh[pousr]_[A-Za-z0-9]{36,}\b`,
			"GitHub token"),
		rule("sd-private-key", validation.CategorySensitiveData, GateContentAnalysis,
			validation.SeverityCritical, 0.97,
			`-----BEGIN (RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`,
			"private key material"),
		rule("sd-secret-assignment", validation.CategorySensitiveData, GateContentAnalysis,
			validation.SeverityHigh, 0.88,
			`(?i)\b(api[_\-]?key|secret|token|passw(or)?d)\b\s*[:=]\s*['"][A-Za-z0-9_\-/+=]{12,}['"]`,
			"hardcoded credential assignment"),
		rule("sd-bearer", validation.CategorySensitiveData, GateContentAnalysis,
			validation.SeverityHigh, 0.88,
			`(?i)\bBearer\s+[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`,
			"bearer token"),
	}
}

// luhnValid reports whether the digits of s pass the Luhn checksum.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
