package kline

import (
	"iter"
	"slices"
	"sync"
	"time"
)

// Store holds bars keyed by start time. A later Put for the same start
// replaces the earlier bar.
type Store struct {
	bars map[int64]Bar
	mu   sync.RWMutex

	// optional [from, to) bounds, zero means unbounded
	from time.Time
	to   time.Time
}

// NewStore creates an empty, unbounded store
func NewStore() *Store {
	return &Store{bars: make(map[int64]Bar)}
}

// NewBoundedStore creates a store that drops bars starting outside [from, to).
func NewBoundedStore(from, to time.Time) *Store {
	s := NewStore()
	s.from = from
	s.to = to
	return s
}

func key(t time.Time) int64 {
	return t.UnixNano()
}

// Put inserts or replaces the bar at b.Start. It reports whether the bar
// was kept.
func (s *Store) Put(b Bar) bool {
	if !s.inBounds(b.Start) {
		return false
	}
	b.Start = b.Start.UTC()

	s.mu.Lock()
	s.bars[key(b.Start)] = b
	s.mu.Unlock()
	return true
}

// PutAll applies Put to every bar and returns how many were kept.
func (s *Store) PutAll(bars []Bar) int {
	kept := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bars {
		if !s.inBounds(b.Start) {
			continue
		}
		b.Start = b.Start.UTC()
		s.bars[key(b.Start)] = b
		kept++
	}
	return kept
}

func (s *Store) inBounds(t time.Time) bool {
	if !s.from.IsZero() && t.Before(s.from) {
		return false
	}
	if !s.to.IsZero() && !t.Before(s.to) {
		return false
	}
	return true
}

// Get returns the bar starting at t
func (s *Store) Get(t time.Time) (Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bars[key(t)]
	return b, ok
}

// Size returns the number of distinct bars
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bars)
}

// Bars returns a snapshot of all bars in ascending start order
func (s *Store) Bars() []Bar {
	s.mu.RLock()
	out := make([]Bar, 0, len(s.bars))
	for _, b := range s.bars {
		out = append(out, b)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Bar) int {
		return a.Start.Compare(b.Start)
	})
	return out
}

// Sorted yields bars in ascending start order. Each iteration works on a
// fresh snapshot, so the sequence can be ranged over more than once.
func (s *Store) Sorted() iter.Seq[Bar] {
	return func(yield func(Bar) bool) {
		for _, b := range s.Bars() {
			if !yield(b) {
				return
			}
		}
	}
}

// Range returns the earliest and latest start times held
func (s *Store) Range() (first, last time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bars {
		if !ok || b.Start.Before(first) {
			first = b.Start
		}
		if !ok || b.Start.After(last) {
			last = b.Start
		}
		ok = true
	}
	return first, last, ok
}

// Equal reports whether both stores hold the same bars
func (s *Store) Equal(o *Store) bool {
	if s == o {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(s.bars) != len(o.bars) {
		return false
	}
	for k, b := range s.bars {
		ob, ok := o.bars[k]
		if !ok || !b.Equal(ob) {
			return false
		}
	}
	return true
}

// Gap is a run of missing bars, [From, To)
type Gap struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// IntegrityReport summarizes coverage of a range
type IntegrityReport struct {
	ExpectedCount int     `json:"expected_count"`
	ActualCount   int     `json:"actual_count"`
	Completeness  float64 `json:"completeness"`
	Gaps          []Gap   `json:"gaps,omitempty"`
}

// CheckIntegrity counts the bars present on the span grid of [from, to)
// and lists the missing runs.
func (s *Store) CheckIntegrity(from, to time.Time, span time.Duration) IntegrityReport {
	var report IntegrityReport
	if span <= 0 || !from.Before(to) {
		report.Completeness = 100
		return report
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var gap *Gap
	for t := from; t.Before(to); t = t.Add(span) {
		report.ExpectedCount++
		if _, ok := s.bars[key(t)]; ok {
			report.ActualCount++
			if gap != nil {
				report.Gaps = append(report.Gaps, *gap)
				gap = nil
			}
			continue
		}
		if gap == nil {
			gap = &Gap{From: t.UTC()}
		}
		gap.To = t.Add(span).UTC()
	}
	if gap != nil {
		report.Gaps = append(report.Gaps, *gap)
	}

	report.Completeness = float64(report.ActualCount) / float64(report.ExpectedCount) * 100
	return report
}
