package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"barreplay/internal/database"
	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
	"barreplay/internal/market/kline"
	"barreplay/internal/monitoring"
)

const upsertBar = `
INSERT INTO price_bars (ticker, period, start_time, open, high, low, close, volume, notional, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
ON CONFLICT (ticker, period, start_time) DO UPDATE SET
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    notional = EXCLUDED.notional,
    updated_at = NOW()`

const selectBars = `
SELECT ticker, start_time, open, high, low, close, volume, notional
FROM price_bars
WHERE ticker = $1 AND period = $2 AND start_time >= $3 AND start_time < $4
ORDER BY start_time`

const insertRun = `
INSERT INTO backfill_runs (run_id, ticker, period, range_from, range_to, started_at, duration_ms, bars, retries, completeness, success, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (run_id) DO NOTHING`

// RunRecord is one row of backfill_runs
type RunRecord struct {
	RunID        string
	Ticker       string
	Period       kline.Interval
	From         time.Time
	To           time.Time
	StartedAt    time.Time
	Duration     time.Duration
	Bars         int
	Retries      int
	Completeness float64
	Success      bool
	Error        string
}

// PostgresSink upserts bars into price_bars. Re-running a range overwrites
// rows in place.
type PostgresSink struct {
	db      *database.DB
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewPostgresSink creates a sink on db, which must already be migrated
func NewPostgresSink(db *database.DB, logger *logging.Logger, metrics *monitoring.Metrics) *PostgresSink {
	return &PostgresSink{
		db:      db,
		logger:  logging.OrGlobal(logger).WithField("sink", "postgres"),
		metrics: metrics,
	}
}

// Save writes every bar of store in one transaction
func (s *PostgresSink) Save(ctx context.Context, store *kline.Store, period kline.Interval) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Persistence("failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertBar)
	if err != nil {
		return 0, apperrors.Persistence("failed to prepare upsert", err)
	}
	defer stmt.Close()

	n := 0
	for b := range store.Sorted() {
		_, err := stmt.ExecContext(ctx, b.Ticker, string(period), b.Start.UTC(),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.Notional)
		if err != nil {
			return 0, apperrors.Persistence("failed to upsert bar", pqDetail(err)).
				WithContext("start", b.Start)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Persistence("failed to commit bars", err)
	}

	s.metrics.RecordPersisted("postgres", n)
	s.logger.WithField("bars", n).Info("Bars written to database")
	return n, nil
}

// Load reads the bars of ticker in [from, to)
func (s *PostgresSink) Load(ctx context.Context, ticker string, period kline.Interval, from, to time.Time) (*kline.Store, error) {
	rows, err := s.db.QueryContext(ctx, selectBars, ticker, string(period), from.UTC(), to.UTC())
	if err != nil {
		return nil, apperrors.Persistence("failed to query bars", err)
	}
	defer rows.Close()

	store := kline.NewBoundedStore(from, to)
	span := period.Duration()
	for rows.Next() {
		b := kline.Bar{Span: span}
		if err := rows.Scan(&b.Ticker, &b.Start, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Notional); err != nil {
			return nil, apperrors.Persistence("failed to scan bar", err)
		}
		store.Put(b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("failed to read bars", err)
	}
	return store, nil
}

// SaveRun records a run summary. A run id is written once.
func (s *PostgresSink) SaveRun(ctx context.Context, r RunRecord) error {
	var errText sql.NullString
	if r.Error != "" {
		errText = sql.NullString{String: r.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, insertRun, r.RunID, r.Ticker, string(r.Period),
		r.From.UTC(), r.To.UTC(), r.StartedAt.UTC(), r.Duration.Milliseconds(),
		r.Bars, r.Retries, r.Completeness, r.Success, errText)
	if err != nil {
		return apperrors.Persistence("failed to record run", pqDetail(err))
	}
	return nil
}

// pqDetail keeps the server side code and detail of postgres errors
func pqDetail(err error) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Detail != "" {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodePersistenceFailure,
			pqErr.Message, string(pqErr.Code)+": "+pqErr.Detail, err)
	}
	return err
}
