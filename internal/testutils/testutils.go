package testutils

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"barreplay/internal/logging"
	"barreplay/internal/market/kline"
)

// TestSuite bundles the temp dir and logger most tests need
type TestSuite struct {
	T       *testing.T
	Logger  *logging.Logger
	TempDir string
}

// NewTestSuite creates a suite whose temp dir is removed when the test ends
func NewTestSuite(t *testing.T) *TestSuite {
	t.Helper()
	return &TestSuite{
		T:       t,
		Logger:  logging.Nop(),
		TempDir: t.TempDir(),
	}
}

// CreateTempFile writes content to name inside the suite's temp dir
func (s *TestSuite) CreateTempFile(name, content string) string {
	s.T.Helper()
	path := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(s.T, os.WriteFile(path, []byte(content), 0644))
	return path
}

// Path returns name joined onto the suite's temp dir
func (s *TestSuite) Path(name string) string {
	return filepath.Join(s.TempDir, name)
}

// TimeoutContext returns a context cancelled at the end of the test
func TimeoutContext(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// SetEnv sets an environment variable for the duration of the test
func SetEnv(t *testing.T, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

// RequireEnv returns the value of key or skips the test when it is unset.
// Integration tests use it to find external services.
func RequireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set", key)
	}
	return v
}

// SampleBars returns n consecutive one minute bars starting at from. Prices
// use values without short decimal forms so that lossy float formatting
// shows up in round trip tests.
func SampleBars(ticker string, from time.Time, n int) []kline.Bar {
	bars := make([]kline.Bar, 0, n)
	for i := 0; i < n; i++ {
		base := 2.5 + math.Sin(float64(i))/7
		bars = append(bars, kline.Bar{
			Ticker:   ticker,
			Start:    from.Add(time.Duration(i) * time.Minute).UTC(),
			Span:     time.Minute,
			Open:     base,
			High:     base + 1.0/3,
			Low:      base - 1.0/7,
			Close:    base + 0.1,
			Volume:   1000 + float64(i)/3,
			Notional: (1000 + float64(i)/3) * base,
		})
	}
	return bars
}

// SampleStore returns a store holding SampleBars
func SampleStore(ticker string, from time.Time, n int) *kline.Store {
	s := kline.NewStore()
	s.PutAll(SampleBars(ticker, from, n))
	return s
}
