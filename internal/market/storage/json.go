package storage

import (
	"context"
	"os"
	"time"

	json "github.com/goccy/go-json"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/market/kline"
)

type jsonRow struct {
	Time     time.Time `json:"time"`
	Ticker   string    `json:"ticker"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Open     float64   `json:"open"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Notional float64   `json:"notional"`
}

// JSONCodec stores bars as one JSON array
type JSONCodec struct {
	opts options
}

func (c *JSONCodec) Extension() string { return string(FormatJSON) }

func (c *JSONCodec) Save(ctx context.Context, store *kline.Store, path string) error {
	bars := store.Bars()
	bar := c.opts.bar("Saving", len(bars))

	rows := make([]jsonRow, 0, len(bars))
	for i, b := range bars {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows = append(rows, jsonRow{
			Time:     b.Start.UTC(),
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
		enc := json.NewEncoder(f)
		if err := enc.EncodeContext(ctx, rows); err != nil {
			return apperrors.Persistence("failed to encode json", err)
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

func (c *JSONCodec) Load(ctx context.Context, path string) (*kline.Store, error) {
	f, err := openForRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []jsonRow
	if err := json.NewDecoder(f).DecodeContext(ctx, &rows); err != nil {
		return nil, apperrors.Persistence("failed to decode json", err).WithContext("path", path)
	}

	bar := c.opts.bar("Loading", len(rows))
	store := kline.NewStore()
	for i, r := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		store.Put(kline.Bar{
			Ticker:   r.Ticker,
			Start:    r.Time.UTC(),
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
