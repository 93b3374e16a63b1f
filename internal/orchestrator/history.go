package orchestrator

import (
	"sync"
	"time"

	"barreplay/internal/market/kline"
)

// BackfillRecord summarizes one finished backfill
type BackfillRecord struct {
	RunID        string         `json:"run_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Ticker       string         `json:"ticker"`
	Period       kline.Interval `json:"period"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Success      bool           `json:"success"`
	RecordCount  int            `json:"record_count"`
	Completeness float64        `json:"completeness"`
	Gaps         int            `json:"gaps"`
	Retries      int            `json:"retries"`
	File         string         `json:"file,omitempty"`
	Object       string         `json:"object,omitempty"`
	Error        string         `json:"error,omitempty"`
	Duration     time.Duration  `json:"duration"`
}

// History keeps the most recent backfill records
type History struct {
	mu      sync.RWMutex
	records []BackfillRecord
	max     int
}

// NewHistory creates a history holding at most max records
func NewHistory(max int) *History {
	if max <= 0 {
		max = 1000
	}
	return &History{max: max}
}

// Add appends a record, dropping the oldest past the limit
func (h *History) Add(record BackfillRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, record)
	if len(h.records) > h.max {
		h.records = h.records[len(h.records)-h.max:]
	}
}

// Recent returns up to limit records, oldest first. limit <= 0 returns all.
func (h *History) Recent(limit int) []BackfillRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.records) {
		limit = len(h.records)
	}
	start := len(h.records) - limit
	result := make([]BackfillRecord, limit)
	copy(result, h.records[start:])
	return result
}

// Last returns the newest record for ticker
func (h *History) Last(ticker string) (BackfillRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].Ticker == ticker {
			return h.records[i], true
		}
	}
	return BackfillRecord{}, false
}

// Len returns the number of records kept
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}
