// Package validation defines the shared data model for the Sentinel
// multi-layer security validation engine: requests, verdicts, threat
// categories, and severity ordering used by every validator stage.
package validation

import (
	"time"
)

// Kind identifies what flavor of artifact is being validated.
type Kind string

const (
	KindPrompt     Kind = "prompt"
	KindOutput     Kind = "output"
	KindOperation  Kind = "operation"
	KindInterAgent Kind = "inter_agent"
)

// Method identifies which stage produced a verdict.
type Method string

const (
	MethodRegex    Method = "regex"
	MethodML       Method = "ml"
	MethodLLM      Method = "llm"
	MethodAdaptive Method = "adaptive"
	MethodCache    Method = "cache"
	MethodHybrid   Method = "hybrid"
	MethodError    Method = "error"
)

// Severity indicates the severity level of a detected threat.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRank orders severities for tie-breaking; higher is worse.
var severityRank = map[Severity]int{
	SeverityCritical: 5,
	SeverityHigh:     4,
	SeverityMedium:   3,
	SeverityLow:      2,
	SeverityInfo:     1,
}

// Rank returns the ordering weight of a severity (critical > high > medium >
// low > info). Unknown severities rank below info.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Category is a threat category shared by rule families, learned patterns,
// and the recommender.
type Category string

const (
	CategoryCommandInjection      Category = "command_injection"
	CategoryPromptInjection       Category = "prompt_injection"
	CategoryInstructionExtraction Category = "instruction_extraction"
	CategoryToolSchemaExtraction  Category = "tool_schema_extraction"
	CategorySSRF                  Category = "ssrf"
	CategoryDataExfiltration      Category = "data_exfiltration"
	CategorySQLInjection          Category = "sql_injection"
	CategoryBOLA                  Category = "bola"
	CategoryIndirectInjection     Category = "indirect_injection"
	CategoryEvasion               Category = "evasion"
	CategoryDenialOfService       Category = "denial_of_service"
	CategoryPrivilegeEscalation   Category = "privilege_escalation"
	CategorySensitiveData         Category = "sensitive_data"
	CategoryReconnaissance        Category = "reconnaissance"
	CategoryJailbreak             Category = "jailbreak"
	CategoryRoleImpersonation     Category = "role_impersonation"
	CategoryOperationAuthenticity Category = "operation_authenticity"
	CategoryCodeExecution         Category = "code_execution"
)

// Well-known verdict reasons for non-detection failure modes.
const (
	ReasonScanTimeout            = "scan_timeout"
	ReasonStageTimeout           = "stage_timeout"
	ReasonAdjudicatorUnavailable = "adjudicator_unavailable"
	ReasonInternalError          = "internal_error"
	ReasonAllStagesUnavailable   = "all_stages_unavailable"
)

// Request is a single validation request handed to the facade or pipeline.
type Request struct {
	Text          string             `json:"text"`
	PrincipalID   string             `json:"principal_id"`
	SessionID     string             `json:"session_id,omitempty"`
	Kind          Kind               `json:"kind"`
	ProfileName   string             `json:"profile_name"`
	ContextTags   []string           `json:"context_tags,omitempty"`
	BehaviorHints map[string]float64 `json:"behavior_hints,omitempty"`
}

// Verdict is the structured result of validation. It is the only thing the
// facade ever returns; errors inside the engine become verdict fields.
type Verdict struct {
	IsSecure        bool     `json:"is_secure"`
	Method          Method   `json:"method"`
	Confidence      float64  `json:"confidence"`
	Reason          string   `json:"reason,omitempty"`
	Category        Category `json:"category,omitempty"`
	Severity        Severity `json:"severity,omitempty"`
	Suggestions     []string `json:"suggestions,omitempty"`
	ElapsedMS       int64    `json:"elapsed_ms"`
	PatternsChecked int      `json:"patterns_checked"`
	AnomalyScore    *float64 `json:"anomaly_score,omitempty"`
}

// Secure is a convenience constructor for a passing verdict.
func Secure(method Method, confidence float64) Verdict {
	return Verdict{IsSecure: true, Method: method, Confidence: confidence}
}

// Insecure is a convenience constructor for a blocking verdict.
func Insecure(method Method, confidence float64, category Category, severity Severity, reason string) Verdict {
	return Verdict{
		IsSecure:   false,
		Method:     method,
		Confidence: confidence,
		Category:   category,
		Severity:   severity,
		Reason:     reason,
	}
}

// Activity summarizes one request for behavioral profiling. Hints are the
// caller-supplied risk signals carried on the request.
type Activity struct {
	ContentKind string             `json:"content_kind"`
	Keywords    []string           `json:"keywords"`
	Timestamp   time.Time          `json:"timestamp"`
	SessionID   string             `json:"session_id,omitempty"`
	Hints       map[string]float64 `json:"hints,omitempty"`
}
