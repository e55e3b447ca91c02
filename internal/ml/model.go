// Package ml implements the second validation stage: a deterministic linear
// classifier over term-frequency features that discriminates secure from
// insecure text and emits a per-category posterior. The model artifact is a
// JSON file trained offline; a compiled-in seed model ships so the stage works
// without one. A configured-but-unloadable artifact makes the stage report
// unavailable and the pipeline routes around it.
package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
)

// Model is a sparse linear classifier. Weights are keyed by feature string:
// plain tokens ("ignore") and character n-grams ("c4:eval").
type Model struct {
	Version    string                        `json:"version"`
	Bias       float64                       `json:"bias"`
	Weights    map[string]float64            `json:"weights"`
	Categories map[string]map[string]float64 `json:"categories"`
}

// LoadModel reads and validates a model artifact from disk.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model artifact: %w", err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing model artifact: %w", err)
	}
	if len(m.Weights) == 0 {
		return nil, fmt.Errorf("model artifact %s has no weights", path)
	}
	return &m, nil
}

// Save writes the model artifact to disk.
func (m *Model) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding model artifact: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// score computes the raw margin for a bag of features.
func (m *Model) score(features map[string]float64) float64 {
	s := m.Bias
	for f, tf := range features {
		if w, ok := m.Weights[f]; ok {
			s += w * tf
		}
	}
	return s
}

// categoryScores computes per-category evidence for a bag of features.
func (m *Model) categoryScores(features map[string]float64) map[string]float64 {
	scores := make(map[string]float64, len(m.Categories))
	for cat, weights := range m.Categories {
		var s float64
		for f, tf := range features {
			if w, ok := weights[f]; ok {
				s += w * tf
			}
		}
		if s > 0 {
			scores[cat] = s
		}
	}
	return scores
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// stopWords is the English stop-word filter applied before feature extraction.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(
		"a an and are as at be but by for from has have i in is it its me my " +
			"of on or our so that the their them they this to was we what when " +
			"which who will with you your") {
		stopWords[w] = struct{}{}
	}
}

// Tokenize lowercases, splits on non-word runes (underscores survive so
// dunder tokens stay intact), and drops stop words.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	raw := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})

	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if _, stop := stopWords[t]; stop {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// Features builds the normalized term-frequency bag: word tokens plus
// character 2..5-grams of each token.
func Features(text string) map[string]float64 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	counts := make(map[string]float64)
	total := 0.0
	for _, tok := range tokens {
		counts[tok]++
		total++
		for n := 2; n <= 5 && n <= len(tok); n++ {
			for i := 0; i+n <= len(tok); i++ {
				counts[fmt.Sprintf("c%d:%s", n, tok[i:i+n])] += 0.25
				total += 0.25
			}
		}
	}

	for f := range counts {
		counts[f] /= total
	}
	return counts
}
