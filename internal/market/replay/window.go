package replay

import (
	"time"
)

// Status is the lifecycle state of a request window
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusProcessed
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusProcessed:
		return "processed"
	default:
		return "pending"
	}
}

// MarshalText lets reports show the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Span is a half open time range [From, To)
type Span struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Duration returns To - From
func (s Span) Duration() time.Duration {
	return s.To.Sub(s.From)
}

// Window is one range request and its progress
type Window struct {
	ID string `json:"id"`
	Span

	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	Bars        int       `json:"bars"`
	SentAt      time.Time `json:"sent_at"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`

	deadline time.Time
	retryAt  time.Time
}

// DayBounds returns midnight of start's date and midnight of the day after
// end's date, both in loc.
func DayBounds(start, end time.Time, loc *time.Location) (from, to time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	from = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	to = time.Date(end.Year(), end.Month(), end.Day()+1, 0, 0, 0, 0, loc)
	return from, to
}

// Partition splits [from, to) into contiguous spans of at most size. The
// last span is clipped to to.
func Partition(from, to time.Time, size time.Duration) []Span {
	if size <= 0 || !from.Before(to) {
		return nil
	}

	spans := make([]Span, 0, int(to.Sub(from)/size)+1)
	for cursor := from; cursor.Before(to); {
		end := cursor.Add(size)
		if end.After(to) {
			end = to
		}
		spans = append(spans, Span{From: cursor, To: end})
		cursor = end
	}
	return spans
}
