// Package replay backfills historical bars for one ticker over a range of
// calendar days by issuing bounded, windowed range requests over a single
// websocket session.
package replay

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
	"barreplay/internal/market/huobi"
	"barreplay/internal/market/kline"
	"barreplay/internal/monitoring"
	"barreplay/internal/progress"
)

// Config describes one backfill run
type Config struct {
	Ticker    string
	Period    kline.Interval
	StartDate time.Time
	EndDate   time.Time // inclusive
	Location  *time.Location

	Session   huobi.SessionConfig
	Scheduler SchedulerConfig

	// Progress receives the progress bar, nil disables it
	Progress io.Writer
}

// Bounds returns the half open range covered by the run
func (c Config) Bounds() (from, to time.Time) {
	return DayBounds(c.StartDate, c.EndDate, c.Location)
}

// Report summarizes a run
type Report struct {
	RunID     string                `json:"run_id"`
	Ticker    string                `json:"ticker"`
	Period    kline.Interval        `json:"period"`
	From      time.Time             `json:"from"`
	To        time.Time             `json:"to"`
	StartedAt time.Time             `json:"started_at"`
	Duration  time.Duration         `json:"duration"`
	Windows   []*Window             `json:"windows"`
	Retries   int                   `json:"retries"`
	Bars      int                   `json:"bars"`
	Integrity kline.IntegrityReport `json:"integrity"`
	Success   bool                  `json:"success"`
	Error     string                `json:"error,omitempty"`
}

// Replayer runs backfills
type Replayer struct {
	cfg     Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// Option configures a Replayer
type Option func(*Replayer)

func WithLogger(l *logging.Logger) Option {
	return func(r *Replayer) { r.logger = l }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Replayer) { r.metrics = m }
}

// New creates a Replayer
func New(cfg Config, opts ...Option) *Replayer {
	if cfg.Period == "" {
		cfg.Period = kline.Interval1m
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	cfg.Session.Ticker = cfg.Ticker
	cfg.Session.Period = cfg.Period

	r := &Replayer{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrGlobal(r.logger)
	return r
}

// Run connects, requests every window of the configured days and closes
// the session. The store is returned even on failure so callers can
// inspect what arrived.
func (r *Replayer) Run(ctx context.Context) (*Report, *kline.Store, error) {
	from, to := r.cfg.Bounds()
	report := &Report{
		RunID:     uuid.NewString(),
		Ticker:    r.cfg.Ticker,
		Period:    r.cfg.Period,
		From:      from,
		To:        to,
		StartedAt: time.Now(),
	}
	ctx = logging.ContextWithRunID(ctx, report.RunID)
	logger := r.logger.WithContext(ctx).WithFields(logrus.Fields{
		"ticker": r.cfg.Ticker,
		"period": r.cfg.Period,
	})

	store := kline.NewBoundedStore(from, to)
	if !from.Before(to) {
		return r.fail(report, store, apperrors.InvalidInput("end date is before start date"))
	}

	session := huobi.NewSession(r.cfg.Session, store,
		huobi.WithLogger(logger),
		huobi.WithMetrics(r.metrics),
	)
	defer session.Close()

	if err := session.Connect(ctx); err != nil {
		return r.fail(report, store, err)
	}

	span := r.cfg.Period.Duration()
	var bar *progress.Bar
	if r.cfg.Progress != nil {
		bar = progress.New(int(to.Sub(from)/span), progress.WithWriter(r.cfg.Progress))
		bar.Render()
	}

	scheduler := NewScheduler(r.cfg.Scheduler, session,
		WithSchedulerLogger(logger),
		WithSchedulerMetrics(r.metrics),
		OnProcessed(func(*Window) {
			if bar != nil {
				bar.Update(store.Size())
			}
		}),
	)

	windows, err := scheduler.Run(ctx, from, to)
	report.Windows = windows
	_ = session.Close()
	if err != nil {
		return r.fail(report, store, err)
	}
	if bar != nil {
		bar.Done()
	}

	r.finish(report, store, span)
	report.Success = true
	r.metrics.RecordRun("success", report.Duration)
	logger.WithFields(logrus.Fields{
		"bars":         report.Bars,
		"windows":      len(windows),
		"retries":      report.Retries,
		"completeness": report.Integrity.Completeness,
	}).Infof("%d bar data received and processed, completed!", report.Bars)

	return report, store, nil
}

func (r *Replayer) finish(report *Report, store *kline.Store, span time.Duration) {
	report.Duration = time.Since(report.StartedAt)
	report.Bars = store.Size()
	report.Integrity = store.CheckIntegrity(report.From, report.To, span)
	for _, w := range report.Windows {
		if w.Attempts > 1 {
			report.Retries += w.Attempts - 1
		}
	}
}

func (r *Replayer) fail(report *Report, store *kline.Store, err error) (*Report, *kline.Store, error) {
	r.finish(report, store, r.cfg.Period.Duration())
	report.Success = false
	report.Error = err.Error()
	r.metrics.RecordRun("failure", report.Duration)
	r.logger.WithError(err).WithField("ticker", r.cfg.Ticker).Error("Backfill failed")
	return report, store, err
}
