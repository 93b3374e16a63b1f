package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
	"barreplay/internal/market/huobi"
	"barreplay/internal/monitoring"
	"barreplay/internal/retry"
)

const (
	DefaultRequestSize   = 300
	DefaultQueueSize     = 5
	DefaultWindowTimeout = 30 * time.Second
)

// Transport is the part of a session the scheduler drives
type Transport interface {
	Connected() bool
	Send(ctx context.Context, req huobi.Request) error
	Request(id string, from, to time.Time) huobi.Request
	Completions() <-chan huobi.Completion
	Done() <-chan struct{}
	Err() error
}

// SchedulerConfig bounds the size and number of outstanding requests
type SchedulerConfig struct {
	RequestSize       int // minutes per window
	QueueSize         int // windows in flight at most
	WindowTimeout     time.Duration
	Retry             *retry.RetryConfig
	RequestsPerSecond float64 // 0 means unlimited
}

func (c *SchedulerConfig) setDefaults() {
	if c.RequestSize <= 0 {
		c.RequestSize = DefaultRequestSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.WindowTimeout <= 0 {
		c.WindowTimeout = DefaultWindowTimeout
	}
	if c.Retry == nil {
		c.Retry = retry.DefaultRetryConfig()
	}
}

// Scheduler walks a range window by window, keeping at most QueueSize
// windows outstanding, and returns once every window is processed.
type Scheduler struct {
	cfg       SchedulerConfig
	transport Transport
	limiter   *rate.Limiter
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	now       func() time.Time

	onProcessed func(*Window)
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// OnProcessed registers a callback run after each window is processed
func OnProcessed(fn func(*Window)) SchedulerOption {
	return func(s *Scheduler) { s.onProcessed = fn }
}

func WithSchedulerLogger(l *logging.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

func WithSchedulerMetrics(m *monitoring.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler sending through t
func NewScheduler(cfg SchedulerConfig, t Transport, opts ...SchedulerOption) *Scheduler {
	cfg.setDefaults()

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	s := &Scheduler{
		cfg:       cfg,
		transport: t,
		limiter:   rate.NewLimiter(limit, 1),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrGlobal(s.logger).WithField("component", "scheduler")
	return s
}

// Config returns the effective configuration
func (s *Scheduler) Config() SchedulerConfig {
	return s.cfg
}

// Run requests every window of [from, to). The returned windows are in
// range order and are returned even when err is not nil.
func (s *Scheduler) Run(ctx context.Context, from, to time.Time) ([]*Window, error) {
	if !s.transport.Connected() {
		return nil, apperrors.NewAppError(apperrors.ErrCodeNotConnected, "cannot schedule before the session is connected", nil)
	}

	spans := Partition(from, to, time.Duration(s.cfg.RequestSize)*time.Minute)
	windows := make([]*Window, 0, len(spans))
	inflight := make(map[string]*Window, s.cfg.QueueSize)
	next := 0

	s.logger.WithFields(logrus.Fields{
		"from":    from,
		"to":      to,
		"windows": len(spans),
	}).Info("Scheduling requests")

	for {
		for next < len(spans) && len(inflight) < s.cfg.QueueSize {
			id, err := uuid.NewUUID()
			if err != nil {
				return windows, apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to generate window id", err)
			}
			w := &Window{ID: id.String(), Span: spans[next]}
			windows = append(windows, w)
			next++

			if err := s.send(ctx, w, inflight); err != nil {
				return windows, err
			}
			inflight[w.ID] = w
			s.metrics.SetInFlight(len(inflight))
		}

		if len(inflight) == 0 {
			return windows, nil
		}

		timer := time.NewTimer(s.nextWake(inflight))
		select {
		case <-ctx.Done():
			timer.Stop()
			return windows, ctx.Err()

		case c := <-s.transport.Completions():
			timer.Stop()
			s.complete(inflight, c)

		case <-s.transport.Done():
			timer.Stop()
			s.drain(inflight)
			if len(inflight) == 0 && next == len(spans) {
				return windows, nil
			}
			if err := s.transport.Err(); err != nil {
				return windows, err
			}
			return windows, apperrors.Transport("session closed with windows outstanding", nil).
				WithContext("outstanding", len(inflight))

		case <-timer.C:
			if err := s.expire(ctx, inflight); err != nil {
				return windows, err
			}
		}
	}
}

func (s *Scheduler) send(ctx context.Context, w *Window, inflight map[string]*Window) error {
	if err := s.pace(ctx, inflight); err != nil {
		return err
	}
	if w.Status == StatusProcessed {
		return nil
	}

	req := s.transport.Request(w.ID, w.From, w.To)
	if err := s.transport.Send(ctx, req); err != nil {
		// the receive loop's error explains why the session went away
		if loopErr := s.transport.Err(); loopErr != nil {
			return loopErr
		}
		return err
	}

	now := s.now()
	w.Status = StatusSent
	w.Attempts++
	w.SentAt = now
	w.deadline = now.Add(s.cfg.WindowTimeout)
	w.retryAt = time.Time{}

	s.logger.WithFields(logrus.Fields{
		"id":      w.ID,
		"from":    w.From,
		"to":      w.To,
		"attempt": w.Attempts,
	}).Debug("Sent request")
	return nil
}

// pace waits for the rate limiter while still consuming completions, so
// the receive loop never blocks on a full completion buffer and keeps
// answering heartbeats.
func (s *Scheduler) pace(ctx context.Context, inflight map[string]*Window) error {
	s.drain(inflight)

	r := s.limiter.Reserve()
	if !r.OK() {
		return apperrors.NewAppError(apperrors.ErrCodeInternal, "rate limiter cannot grant a request", nil)
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		case c := <-s.transport.Completions():
			s.complete(inflight, c)
		case <-timer.C:
			return nil
		}
	}
}

func (s *Scheduler) complete(inflight map[string]*Window, c huobi.Completion) {
	w, ok := inflight[c.ID]
	if !ok {
		s.logger.WithField("id", c.ID).Debug("Ignoring reply for unknown or finished window")
		return
	}
	delete(inflight, c.ID)

	w.Status = StatusProcessed
	w.Bars = c.Bars
	w.ProcessedAt = c.At
	s.metrics.SetInFlight(len(inflight))
	s.metrics.ObserveWindowLatency(c.At.Sub(w.SentAt))

	if s.onProcessed != nil {
		s.onProcessed(w)
	}
}

// drain handles completions already queued
func (s *Scheduler) drain(inflight map[string]*Window) {
	for {
		select {
		case c := <-s.transport.Completions():
			s.complete(inflight, c)
		default:
			return
		}
	}
}

func (s *Scheduler) nextWake(inflight map[string]*Window) time.Duration {
	var earliest time.Time
	for _, w := range inflight {
		at := w.deadline
		if !w.retryAt.IsZero() {
			at = w.retryAt
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	d := earliest.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return d
}

// expire re-sends windows whose backoff has elapsed and schedules a retry
// for windows past their deadline.
func (s *Scheduler) expire(ctx context.Context, inflight map[string]*Window) error {
	now := s.now()
	for _, w := range inflight {
		if !w.retryAt.IsZero() {
			if now.Before(w.retryAt) {
				continue
			}
			s.metrics.RecordRetry(s.transport.Request(w.ID, w.From, w.To).Req)
			if err := s.send(ctx, w, inflight); err != nil {
				return err
			}
			continue
		}

		if now.Before(w.deadline) {
			continue
		}
		if w.Attempts > s.cfg.Retry.MaxRetries {
			return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeWindowTimeout, "window got no reply",
				fmt.Sprintf("id=%s from=%s to=%s attempts=%d", w.ID, w.From.Format(time.RFC3339), w.To.Format(time.RFC3339), w.Attempts), nil).
				WithContext("id", w.ID)
		}

		wait := s.cfg.Retry.Backoff(w.Attempts)
		w.retryAt = now.Add(wait)
		s.logger.WithFields(logrus.Fields{
			"id":      w.ID,
			"from":    w.From,
			"attempt": w.Attempts,
			"backoff": wait,
		}).Warn("Window timed out, retrying")
	}
	return nil
}
