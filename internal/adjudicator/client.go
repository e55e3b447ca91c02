package adjudicator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.sentinel/internal/validation"
)

// ErrUnavailable is returned when the stage cannot execute at all (open
// breaker, missing endpoint). The pipeline excludes it from the merge.
var ErrUnavailable = errors.New("llm adjudicator unavailable")

// Config configures the adjudicator client.
type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	MaxTokens     int
	Temperature   float64
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	Breaker       BreakerConfig
}

// DefaultConfig returns the default adjudicator configuration.
func DefaultConfig() Config {
	return Config{
		Model:         "sentinel-adjudicator-v2",
		MaxTokens:     512,
		Temperature:   0.0,
		Timeout:       15 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    500 * time.Millisecond,
		Breaker:       DefaultBreakerConfig(),
	}
}

// wireRequest is the JSON body sent to the completion endpoint.
type wireRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// wireResponse is the JSON envelope returned by the endpoint; Content must
// itself parse to a decision object.
type wireResponse struct {
	Content string `json:"content"`
}

// decision is the structured verdict the LLM must return. Pointer fields
// detect missing keys: a missing required field makes the response malformed.
type decision struct {
	IsSecure   *bool   `json:"is_secure"`
	Category   *string `json:"category"`
	Severity   *string `json:"severity"`
	Reason     *string `json:"reason"`
	Suggestion *string `json:"suggestion"`
}

var validSeverities = map[string]validation.Severity{
	"critical": validation.SeverityCritical,
	"high":     validation.SeverityHigh,
	"medium":   validation.SeverityMedium,
	"low":      validation.SeverityLow,
	"info":     validation.SeverityInfo,
}

// Client calls the external adjudicator endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *Breaker
	logger     *logrus.Logger
}

// NewClient creates an adjudicator client.
func NewClient(config Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    NewBreaker(config.Breaker, logger),
		logger:     logger,
	}
}

// Available reports whether the stage is configured and the breaker permits
// traffic right now.
func (c *Client) Available() bool {
	return c.config.Endpoint != "" && c.breaker.State() != StateOpen
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() State {
	return c.breaker.State()
}

// buildPrompt assembles the structured classification instruction.
func (c *Client) buildPrompt(text, contextNote string) string {
	var b strings.Builder
	b.WriteString("You are a security adjudicator for an agent framework. ")
	b.WriteString("Classify the text between the markers. Respond with a single JSON object ")
	b.WriteString(`containing exactly: "is_secure" (bool), "category" (string), ` +
		`"severity" ("critical"|"high"|"medium"|"low"|"info"), "reason" (string), "suggestion" (string).`)
	if contextNote != "" {
		b.WriteString("\nContext: ")
		b.WriteString(contextNote)
	}
	b.WriteString("\n---BEGIN TEXT---\n")
	b.WriteString(text)
	b.WriteString("\n---END TEXT---")
	return b.String()
}

// Adjudicate sends the text to the configured endpoint and parses the JSON
// verdict. Malformed responses are retried with exponential backoff; after
// the final attempt the stage fails closed with adjudicator_unavailable.
// An open circuit breaker short-circuits without an HTTP call.
func (c *Client) Adjudicate(ctx context.Context, text, contextNote string) (validation.Verdict, error) {
	start := time.Now()

	if c.config.Endpoint == "" {
		return validation.Verdict{}, ErrUnavailable
	}
	if err := c.breaker.Allow(); err != nil {
		return validation.Verdict{}, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	delay := c.config.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			expired := false
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				expired = true
			case <-time.After(delay):
				delay *= 2
			}
			if expired {
				break
			}
		}

		d, err := c.call(ctx, text, contextNote)
		if err != nil {
			lastErr = err
			continue
		}

		c.breaker.RecordSuccess()
		verdict := verdictFromDecision(d)
		verdict.ElapsedMS = time.Since(start).Milliseconds()
		return verdict, nil
	}

	c.breaker.RecordFailure()
	c.logger.WithError(lastErr).Warn("LLM adjudication failed after retries, failing closed")

	verdict := validation.Insecure(validation.MethodLLM, 1.0, "", validation.SeverityHigh,
		validation.ReasonAdjudicatorUnavailable)
	verdict.ElapsedMS = time.Since(start).Milliseconds()
	return verdict, nil
}

// call performs one HTTP round trip and parses the decision.
func (c *Client) call(ctx context.Context, text, contextNote string) (decision, error) {
	body, err := json.Marshal(wireRequest{
		Prompt:      c.buildPrompt(text, contextNote),
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return decision{}, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return decision{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if c.config.Model != "" {
		req.Header.Set("X-Model", c.config.Model)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decision{}, fmt.Errorf("adjudicator call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return decision{}, fmt.Errorf("adjudicator returned HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decision{}, fmt.Errorf("reading response: %w", err)
	}

	var envelope wireResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return decision{}, fmt.Errorf("malformed response envelope: %w", err)
	}

	return parseDecision(envelope.Content)
}

// parseDecision parses the content field. The model sometimes wraps JSON in
// prose or code fences; the first balanced object is extracted.
func parseDecision(content string) (decision, error) {
	jsonText := extractJSONObject(content)
	if jsonText == "" {
		return decision{}, fmt.Errorf("no JSON object in adjudicator content")
	}

	var d decision
	if err := json.Unmarshal([]byte(jsonText), &d); err != nil {
		return decision{}, fmt.Errorf("malformed decision JSON: %w", err)
	}
	if d.IsSecure == nil || d.Category == nil || d.Severity == nil || d.Reason == nil || d.Suggestion == nil {
		return decision{}, fmt.Errorf("decision JSON missing required fields")
	}
	if _, ok := validSeverities[*d.Severity]; !ok {
		return decision{}, fmt.Errorf("decision JSON has invalid severity %q", *d.Severity)
	}
	return d, nil
}

// extractJSONObject returns the first balanced top-level JSON object in s.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// severityConfidence maps the adjudicator's severity to a verdict confidence.
var severityConfidence = map[validation.Severity]float64{
	validation.SeverityCritical: 0.95,
	validation.SeverityHigh:     0.9,
	validation.SeverityMedium:   0.8,
	validation.SeverityLow:      0.7,
	validation.SeverityInfo:     0.6,
}

func verdictFromDecision(d decision) validation.Verdict {
	if *d.IsSecure {
		v := validation.Secure(validation.MethodLLM, 0.9)
		v.Reason = *d.Reason
		return v
	}

	sev := validSeverities[*d.Severity]
	v := validation.Insecure(validation.MethodLLM, severityConfidence[sev],
		validation.Category(*d.Category), sev, *d.Reason)
	if *d.Suggestion != "" {
		v.Suggestions = []string{*d.Suggestion}
	}
	return v
}
