package adaptive

import (
	"time"

	"dev.helix.sentinel/internal/validation"
)

const (
	historyCapacity = 20000
	maxPrefixLen    = 500
)

// HistoryRecord is one observed request, blocked or not.
type HistoryRecord struct {
	TextPrefix string              `json:"text_prefix"`
	Timestamp  time.Time           `json:"timestamp"`
	Blocked    bool                `json:"blocked"`
	Method     validation.Method   `json:"method"`
	PatternID  string              `json:"pattern_id,omitempty"`
	Category   validation.Category `json:"category,omitempty"`
}

// History is a fixed-capacity ring buffer of observations. Append-only,
// oldest records overwritten; serialized by the owning Engine's lock.
type History struct {
	records []HistoryRecord
	next    int
	full    bool
}

// NewHistory creates an empty ring with the standard capacity.
func NewHistory() *History {
	return &History{records: make([]HistoryRecord, historyCapacity)}
}

// Append adds a record, truncating the text prefix.
func (h *History) Append(rec HistoryRecord) {
	if len(rec.TextPrefix) > maxPrefixLen {
		rec.TextPrefix = rec.TextPrefix[:maxPrefixLen]
	}
	h.records[h.next] = rec
	h.next++
	if h.next == len(h.records) {
		h.next = 0
		h.full = true
	}
}

// Len returns the number of records held, at most the capacity.
func (h *History) Len() int {
	if h.full {
		return len(h.records)
	}
	return h.next
}

// Recent returns up to n records, newest first.
func (h *History) Recent(n int) []HistoryRecord {
	size := h.Len()
	if n > size {
		n = size
	}
	out := make([]HistoryRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.records)) % len(h.records)
		out = append(out, h.records[idx])
	}
	return out
}

// BlockedByCategory tallies blocked records per category across the window.
func (h *History) BlockedByCategory() map[validation.Category]int {
	out := make(map[validation.Category]int)
	size := h.Len()
	for i := 1; i <= size; i++ {
		rec := h.records[(h.next-i+len(h.records))%len(h.records)]
		if rec.Blocked && rec.Category != "" {
			out[rec.Category]++
		}
	}
	return out
}
