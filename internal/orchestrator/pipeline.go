// Package orchestrator runs complete backfill jobs: fetch, save, verify,
// and hand the result to every configured sink. It also runs jobs on a
// cron schedule.
package orchestrator

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"barreplay/internal/cache"
	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
	"barreplay/internal/market/kline"
	"barreplay/internal/market/replay"
	"barreplay/internal/market/storage"
	"barreplay/internal/monitoring"
	"barreplay/internal/notify"
)

// Job names the ticker and calendar days of one backfill. EndDate is
// inclusive.
type Job struct {
	Ticker    string
	StartDate time.Time
	EndDate   time.Time
}

// PipelineConfig holds what every job shares
type PipelineConfig struct {
	// Replay is copied per job with the job's ticker and dates filled in
	Replay replay.Config

	OutputDir  string
	OutputPath string // fixed file, only sensible for single jobs
	Verify     bool

	LockTTL    time.Duration
	SummaryTTL time.Duration
}

// BarSink receives the bars of successful runs
type BarSink interface {
	Save(ctx context.Context, store *kline.Store, period kline.Interval) (int, error)
	SaveRun(ctx context.Context, r storage.RunRecord) error
}

// Uploader copies saved files somewhere else
type Uploader interface {
	Upload(ctx context.Context, file string) (string, error)
}

// SummaryStore keeps the latest record per ticker
type SummaryStore interface {
	SetLastRun(ctx context.Context, ticker string, summary []byte, ttl time.Duration) error
}

// Result is what a job produced
type Result struct {
	Report    *replay.Report
	Store     *kline.Store
	Record    BackfillRecord
	File      string
	Object    string
	Persisted int
	Verified  bool
}

// Pipeline runs jobs
type Pipeline struct {
	cfg   PipelineConfig
	codec storage.Codec

	locker    cache.Locker
	sink      BarSink
	uploader  Uploader
	publisher notify.Publisher
	summaries SummaryStore
	history   *History

	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

func WithLocker(l cache.Locker) PipelineOption {
	return func(p *Pipeline) { p.locker = l }
}

func WithSink(s BarSink) PipelineOption {
	return func(p *Pipeline) { p.sink = s }
}

func WithUploader(u Uploader) PipelineOption {
	return func(p *Pipeline) { p.uploader = u }
}

func WithPublisher(pub notify.Publisher) PipelineOption {
	return func(p *Pipeline) { p.publisher = pub }
}

func WithSummaryStore(s SummaryStore) PipelineOption {
	return func(p *Pipeline) { p.summaries = s }
}

func WithHistory(h *History) PipelineOption {
	return func(p *Pipeline) { p.history = h }
}

func WithPipelineLogger(l *logging.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

func WithPipelineMetrics(m *monitoring.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates a pipeline saving files with codec
func NewPipeline(cfg PipelineConfig, codec storage.Codec, opts ...PipelineOption) *Pipeline {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	if cfg.SummaryTTL <= 0 {
		cfg.SummaryTTL = 7 * 24 * time.Hour
	}

	p := &Pipeline{cfg: cfg, codec: codec}
	for _, opt := range opts {
		opt(p)
	}
	if p.history == nil {
		p.history = NewHistory(0)
	}
	p.logger = logging.OrGlobal(p.logger).WithField("component", "pipeline")
	return p
}

// History returns the records of finished jobs
func (p *Pipeline) History() *History {
	return p.history
}

// Run executes job. Sinks only see runs whose every window was processed.
func (p *Pipeline) Run(ctx context.Context, job Job) (*Result, error) {
	rcfg := p.cfg.Replay
	rcfg.Ticker = job.Ticker
	rcfg.StartDate = job.StartDate
	rcfg.EndDate = job.EndDate
	if rcfg.Period == "" {
		rcfg.Period = kline.Interval1m
	}

	logger := p.logger.WithFields(logrus.Fields{
		"ticker": job.Ticker,
		"start":  job.StartDate.Format(time.DateOnly),
		"end":    job.EndDate.Format(time.DateOnly),
	})

	if p.locker != nil {
		key := cache.LockKey(job.Ticker, string(rcfg.Period))
		token, err := p.locker.Acquire(ctx, key, p.cfg.LockTTL)
		if err != nil {
			logger.WithError(err).Warn("Skipping backfill")
			return nil, err
		}
		defer func() {
			if err := p.locker.Release(context.Background(), key, token); err != nil {
				logger.WithError(err).Warn("Failed to release lock")
			}
		}()
	}

	report, store, err := replay.New(rcfg,
		replay.WithLogger(p.logger),
		replay.WithMetrics(p.metrics),
	).Run(ctx)

	result := &Result{Report: report, Store: store}
	if err == nil {
		err = p.persist(ctx, rcfg, result, logger)
	}

	result.Record = newRecord(report, result, err)
	p.history.Add(result.Record)
	p.announce(ctx, result.Record, logger)
	return result, err
}

func (p *Pipeline) persist(ctx context.Context, rcfg replay.Config, result *Result, logger *logging.Logger) error {
	report, store := result.Report, result.Store

	path := p.cfg.OutputPath
	if path == "" {
		path = storage.DefaultPath(p.cfg.OutputDir, rcfg.Ticker, rcfg.StartDate, rcfg.EndDate, p.codec.Extension())
	}
	if err := p.codec.Save(ctx, store, path); err != nil {
		return err
	}
	result.File = path
	p.metrics.RecordPersisted(p.codec.Extension(), store.Size())
	logger.WithField("file", path).Info("Saved bars")

	if p.cfg.Verify {
		loaded, err := p.codec.Load(ctx, path)
		if err != nil {
			return err
		}
		if !store.Equal(loaded) {
			return apperrors.NewAppErrorWithDetails(apperrors.ErrCodePersistenceFailure,
				"saved file does not match fetched bars", path, nil)
		}
		result.Verified = true
		logger.WithField("bars", loaded.Size()).Info("Verified saved file")
	}

	if p.sink != nil {
		n, err := p.sink.Save(ctx, store, rcfg.Period)
		if err != nil {
			return err
		}
		result.Persisted = n
		if err := p.sink.SaveRun(ctx, storage.RunRecord{
			RunID:        report.RunID,
			Ticker:       report.Ticker,
			Period:       report.Period,
			From:         report.From,
			To:           report.To,
			StartedAt:    report.StartedAt,
			Duration:     report.Duration,
			Bars:         report.Bars,
			Retries:      report.Retries,
			Completeness: report.Integrity.Completeness,
			Success:      true,
		}); err != nil {
			return err
		}
	}

	if p.uploader != nil {
		key, err := p.uploader.Upload(ctx, path)
		if err != nil {
			return err
		}
		result.Object = key
	}
	return nil
}

// announce hands the record to the summary store and publisher. Their
// failures are logged and do not fail the job.
func (p *Pipeline) announce(ctx context.Context, record BackfillRecord, logger *logging.Logger) {
	if p.summaries != nil {
		data, err := json.Marshal(record)
		if err == nil {
			err = p.summaries.SetLastRun(ctx, record.Ticker, data, p.cfg.SummaryTTL)
		}
		if err != nil {
			logger.WithError(err).Warn("Failed to store run summary")
		}
	}
	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, record); err != nil {
			logger.WithError(err).Warn("Failed to publish run summary")
		}
	}
}

func newRecord(report *replay.Report, result *Result, err error) BackfillRecord {
	record := BackfillRecord{
		Timestamp: time.Now(),
		File:      result.File,
		Object:    result.Object,
		Success:   err == nil,
	}
	if report != nil {
		record.RunID = report.RunID
		record.Ticker = report.Ticker
		record.Period = report.Period
		record.StartTime = report.From
		record.EndTime = report.To
		record.RecordCount = report.Bars
		record.Completeness = report.Integrity.Completeness
		record.Gaps = len(report.Integrity.Gaps)
		record.Retries = report.Retries
		record.Duration = report.Duration
	}
	if err != nil {
		record.Error = err.Error()
	}
	return record
}

// compile time checks
var (
	_ BarSink      = (*storage.PostgresSink)(nil)
	_ Uploader     = (*storage.ObjectUploader)(nil)
	_ SummaryStore = (*cache.RedisCache)(nil)
	_ cache.Locker = (*cache.RedisCache)(nil)
)
