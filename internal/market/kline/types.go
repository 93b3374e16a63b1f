package kline

import (
	"fmt"
	"time"
)

// Interval is a bar period as named by the remote feed
type Interval string

const (
	Interval1m  Interval = "1min"
	Interval5m  Interval = "5min"
	Interval15m Interval = "15min"
	Interval30m Interval = "30min"
	Interval1h  Interval = "60min"
	Interval4h  Interval = "4hour"
	Interval1d  Interval = "1day"
	Interval1w  Interval = "1week"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
	Interval1w:  7 * 24 * time.Hour,
}

// ParseInterval validates s against the supported periods
func ParseInterval(s string) (Interval, error) {
	i := Interval(s)
	if _, ok := intervalDurations[i]; !ok {
		return "", fmt.Errorf("unsupported interval: %q", s)
	}
	return i, nil
}

// Duration returns the span of one bar, zero for unknown intervals
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

func (i Interval) String() string {
	return string(i)
}

// Bar is one OHLC price bar
type Bar struct {
	Ticker   string        `json:"ticker" parquet:"ticker"`
	Start    time.Time     `json:"start" parquet:"-"`
	Span     time.Duration `json:"span" parquet:"-"`
	Open     float64       `json:"open" parquet:"open"`
	High     float64       `json:"high" parquet:"high"`
	Low      float64       `json:"low" parquet:"low"`
	Close    float64       `json:"close" parquet:"close"`
	Volume   float64       `json:"volume" parquet:"volume"`
	Notional float64       `json:"notional" parquet:"notional"`
}

// End returns the exclusive end of the bar
func (b Bar) End() time.Time {
	return b.Start.Add(b.Span)
}

// Equal compares two bars field by field, times by instant
func (b Bar) Equal(o Bar) bool {
	return b.Ticker == o.Ticker &&
		b.Start.Equal(o.Start) &&
		b.Span == o.Span &&
		b.Open == o.Open &&
		b.High == o.High &&
		b.Low == o.Low &&
		b.Close == o.Close &&
		b.Volume == o.Volume &&
		b.Notional == o.Notional
}
