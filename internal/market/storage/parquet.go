package storage

import (
	"context"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/market/kline"
)

// ParquetRow is the on-disk row of parquet files. Time is nanoseconds
// since the epoch.
type ParquetRow struct {
	Time     int64   `parquet:"time"`
	Ticker   string  `parquet:"ticker,dict"`
	High     float64 `parquet:"high"`
	Low      float64 `parquet:"low"`
	Open     float64 `parquet:"open"`
	Close    float64 `parquet:"close"`
	Volume   float64 `parquet:"volume"`
	Notional float64 `parquet:"notional"`
}

// ParquetCodec stores bars as a single parquet file
type ParquetCodec struct {
	opts options
}

func (c *ParquetCodec) Extension() string { return string(FormatParquet) }

func (c *ParquetCodec) Save(ctx context.Context, store *kline.Store, path string) error {
	bars := store.Bars()
	bar := c.opts.bar("Saving", len(bars))

	rows := make([]ParquetRow, 0, len(bars))
	for i, b := range bars {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows = append(rows, ParquetRow{
			Time:     b.Start.UnixNano(),
			Ticker:   b.Ticker,
			High:     b.High,
			Low:      b.Low,
			Open:     b.Open,
			Close:    b.Close,
			Volume:   b.Volume,
			Notional: b.Notional,
		})
		if bar != nil {
			bar.Update(i + 1)
		}
	}

	err := writeAtomic(path, func(f *os.File) error {
		if err := parquet.Write(f, rows); err != nil {
			return apperrors.Persistence("failed to write parquet", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if bar != nil {
		bar.Done()
	}
	return nil
}

func (c *ParquetCodec) Load(ctx context.Context, path string) (*kline.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, apperrors.Persistence("failed to open file", err).WithContext("path", path)
	}
	rows, err := parquet.ReadFile[ParquetRow](path)
	if err != nil {
		return nil, apperrors.Persistence("failed to read parquet", err).WithContext("path", path)
	}

	bar := c.opts.bar("Loading", len(rows))
	store := kline.NewStore()
	for i, r := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		store.Put(kline.Bar{
			Ticker:   r.Ticker,
			Start:    time.Unix(0, r.Time).UTC(),
			Span:     c.opts.barSpan(),
			Open:     r.Open,
			High:     r.High,
			Low:      r.Low,
			Close:    r.Close,
			Volume:   r.Volume,
			Notional: r.Notional,
		})
		if bar != nil {
			bar.Update(i + 1)
		}
	}
	if bar != nil {
		bar.Done()
	}
	return store, nil
}
