package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/market/kline"
)

// CSVHeader is the column layout of saved files
var CSVHeader = []string{"Time", "Ticker", "High", "Low", "Open", "Close", "Volume", "Notional"}

// timeLayouts are tried in order when loading. Files written by older
// tooling use a space separated layout without a zone, read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// CSVCodec stores one bar per row, ascending by start time
type CSVCodec struct {
	opts options
}

func (c *CSVCodec) Extension() string { return string(FormatCSV) }

// Save writes the store to path, replacing any existing file
func (c *CSVCodec) Save(ctx context.Context, store *kline.Store, path string) error {
	bar := c.opts.bar("Saving", store.Size())

	err := writeAtomic(path, func(f *os.File) error {
		w := csv.NewWriter(f)
		if err := w.Write(CSVHeader); err != nil {
			return apperrors.Persistence("failed to write header", err)
		}

		i := 0
		for b := range store.Sorted() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.Write(csvRecord(b)); err != nil {
				return apperrors.Persistence("failed to write row", err)
			}
			i++
			if bar != nil {
				bar.Update(i)
			}
		}

		w.Flush()
		if err := w.Error(); err != nil {
			return apperrors.Persistence("failed to flush csv", err)
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

// Load reads a file written by Save
func (c *CSVCodec) Load(ctx context.Context, path string) (*kline.Store, error) {
	f, err := openForRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(CSVHeader)
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return nil, apperrors.Persistence("failed to read header", err).WithContext("path", path)
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	var bars []kline.Bar
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.Persistence("malformed row", err).WithContext("path", path)
		}
		b, err := parseRecord(record, c.opts.barSpan())
		if err != nil {
			return nil, apperrors.Persistence(fmt.Sprintf("malformed row at line %d", line), err).
				WithContext("path", path)
		}
		bars = append(bars, b)
	}

	bar := c.opts.bar("Loading", len(bars))
	store := kline.NewStore()
	for i, b := range bars {
		store.Put(b)
		if bar != nil {
			bar.Update(i + 1)
		}
	}
	if bar != nil {
		bar.Done()
	}
	return store, nil
}

func checkHeader(header []string) error {
	for i, name := range CSVHeader {
		if header[i] != name {
			return apperrors.NewAppErrorWithDetails(apperrors.ErrCodePersistenceFailure, "unexpected header",
				fmt.Sprintf("column %d is %q, want %q", i+1, header[i], name), nil)
		}
	}
	return nil
}

func csvRecord(b kline.Bar) []string {
	return []string{
		b.Start.UTC().Format(time.RFC3339Nano),
		b.Ticker,
		formatFloat(b.High),
		formatFloat(b.Low),
		formatFloat(b.Open),
		formatFloat(b.Close),
		formatFloat(b.Volume),
		formatFloat(b.Notional),
	}
}

func parseRecord(record []string, span time.Duration) (kline.Bar, error) {
	start, err := parseTime(record[0])
	if err != nil {
		return kline.Bar{}, err
	}

	var fields [6]float64
	for i := range fields {
		v, err := strconv.ParseFloat(record[i+2], 64)
		if err != nil {
			return kline.Bar{}, fmt.Errorf("column %s: %w", CSVHeader[i+2], err)
		}
		fields[i] = v
	}

	return kline.Bar{
		Ticker:   record[1],
		Start:    start,
		Span:     span,
		High:     fields[0],
		Low:      fields[1],
		Open:     fields[2],
		Close:    fields[3],
		Volume:   fields[4],
		Notional: fields[5],
	}, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("column Time: cannot parse %q", s)
}

// formatFloat uses the shortest representation that parses back to the
// same value.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
