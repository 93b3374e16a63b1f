// Package storage writes bar stores to files, databases and object stores
// and reads them back.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/market/kline"
	"barreplay/internal/progress"
)

// Format names a file encoding
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatJSON    Format = "json"
)

// Formats lists the supported file formats
var Formats = []Format{FormatCSV, FormatParquet, FormatJSON}

// ParseFormat validates s
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", apperrors.InvalidInput(fmt.Sprintf("unsupported format %q (use csv, parquet or json)", s))
}

// Codec saves a store to a file and loads it back. Load(Save(s)) holds the
// same bars as s.
type Codec interface {
	Extension() string
	Save(ctx context.Context, store *kline.Store, path string) error
	Load(ctx context.Context, path string) (*kline.Store, error)
}

type options struct {
	progress io.Writer
	span     time.Duration
}

// Option configures a codec
type Option func(*options)

// WithProgress draws a progress bar on w while saving and loading
func WithProgress(w io.Writer) Option {
	return func(o *options) { o.progress = w }
}

// WithSpan sets the span given to loaded bars, one minute by default
func WithSpan(d time.Duration) Option {
	return func(o *options) { o.span = d }
}

func newOptions(opts []Option) options {
	o := options{span: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// barSpan is the span of loaded bars; zero value codecs load one minute bars
func (o options) barSpan() time.Duration {
	if o.span <= 0 {
		return time.Minute
	}
	return o.span
}

func (o options) bar(label string, total int) *progress.Bar {
	if o.progress == nil {
		return nil
	}
	return progress.New(total, progress.WithWriter(o.progress), progress.WithLabel(label))
}

// NewCodec returns the codec for format
func NewCodec(format Format, opts ...Option) (Codec, error) {
	o := newOptions(opts)
	switch format {
	case FormatCSV:
		return &CSVCodec{opts: o}, nil
	case FormatParquet:
		return &ParquetCodec{opts: o}, nil
	case FormatJSON:
		return &JSONCodec{opts: o}, nil
	default:
		return nil, apperrors.InvalidInput(fmt.Sprintf("unsupported format %q", format))
	}
}

// DefaultFileName returns <ticker>_<YYYYMMDD>_<YYYYMMDD>.<ext>
func DefaultFileName(ticker string, start, end time.Time, ext string) string {
	return fmt.Sprintf("%s_%s_%s.%s", ticker, start.Format("20060102"), end.Format("20060102"), ext)
}

// DefaultPath joins DefaultFileName onto dir
func DefaultPath(dir, ticker string, start, end time.Time, ext string) string {
	return filepath.Join(dir, DefaultFileName(ticker, start, end, ext))
}

// writeAtomic writes through a temp file in the target directory and
// renames it into place once fn succeeds.
func writeAtomic(path string, fn func(f *os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return apperrors.Persistence("failed to create output directory", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return apperrors.Persistence("failed to create temp file", err)
	}
	defer os.Remove(tmp.Name())

	if err := fn(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Persistence("failed to close temp file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return apperrors.Persistence("failed to move file into place", err)
	}
	return nil
}

func openForRead(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Persistence("failed to open file", err).WithContext("path", path)
	}
	return f, nil
}
