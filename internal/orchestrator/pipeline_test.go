package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barreplay/internal/cache"
	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
	"barreplay/internal/market/huobi"
	"barreplay/internal/market/huobi/huobitest"
	"barreplay/internal/market/kline"
	"barreplay/internal/market/replay"
	"barreplay/internal/market/storage"
	"barreplay/internal/notify"
	"barreplay/internal/testutils"
)

var jan1 = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

type memorySink struct {
	mu   sync.Mutex
	bars int
	runs []storage.RunRecord
	err  error
}

func (m *memorySink) Save(_ context.Context, store *kline.Store, _ kline.Interval) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars += store.Size()
	return store.Size(), nil
}

func (m *memorySink) SaveRun(_ context.Context, r storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

type memoryUploader struct{ files []string }

func (m *memoryUploader) Upload(_ context.Context, file string) (string, error) {
	m.files = append(m.files, file)
	return "bars/" + filepath.Base(file), nil
}

type memorySummaries struct{ last map[string][]byte }

func (m *memorySummaries) SetLastRun(_ context.Context, ticker string, summary []byte, _ time.Duration) error {
	if m.last == nil {
		m.last = make(map[string][]byte)
	}
	m.last[ticker] = summary
	return nil
}

type memoryPublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (m *memoryPublisher) Publish(_ context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, data)
	return nil
}

func (m *memoryPublisher) Close() error { return nil }

var _ notify.Publisher = (*memoryPublisher)(nil)

func (m *memoryPublisher) Messages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.messages...)
}

func newPipeline(t *testing.T, srv *huobitest.Server, dir string, verify bool, opts ...PipelineOption) *Pipeline {
	t.Helper()
	codec, err := storage.NewCodec(storage.FormatCSV)
	require.NoError(t, err)

	cfg := PipelineConfig{
		Replay: replay.Config{
			Period:    kline.Interval1m,
			Location:  time.UTC,
			Session:   huobi.SessionConfig{URL: srv.WSURL()},
			Scheduler: replay.SchedulerConfig{RequestSize: 300, QueueSize: 5},
		},
		OutputDir: dir,
		Verify:    verify,
	}
	opts = append([]PipelineOption{WithPipelineLogger(logging.Nop())}, opts...)
	return NewPipeline(cfg, codec, opts...)
}

func TestPipeline_Run(t *testing.T) {
	srv := huobitest.NewServer()
	defer srv.Close()
	suite := testutils.NewTestSuite(t)

	sink := &memorySink{}
	uploader := &memoryUploader{}
	summaries := &memorySummaries{}
	pub := &memoryPublisher{}
	p := newPipeline(t, srv, suite.TempDir, true,
		WithLocker(cache.NewMemoryLocker()),
		WithSink(sink),
		WithUploader(uploader),
		WithSummaryStore(summaries),
		WithPublisher(pub),
	)

	result, err := p.Run(context.Background(), Job{Ticker: "eosusdt", StartDate: jan1, EndDate: jan1.AddDate(0, 0, 1)})
	require.NoError(t, err)

	assert.Equal(t, 2880, result.Store.Size())
	assert.True(t, result.Verified)
	assert.Equal(t, filepath.Join(suite.TempDir, "eosusdt_20190101_20190102.csv"), result.File)
	assert.FileExists(t, result.File)
	assert.Equal(t, "bars/eosusdt_20190101_20190102.csv", result.Object)
	assert.Equal(t, 2880, result.Persisted)

	assert.Equal(t, 2880, sink.bars)
	require.Len(t, sink.runs, 1)
	assert.Equal(t, result.Report.RunID, sink.runs[0].RunID)
	assert.True(t, sink.runs[0].Success)

	record := result.Record
	assert.True(t, record.Success)
	assert.Equal(t, 2880, record.RecordCount)
	assert.Equal(t, 0, record.Gaps)
	assert.Equal(t, 1, p.History().Len())

	require.Len(t, pub.Messages(), 1)
	var published BackfillRecord
	require.NoError(t, json.Unmarshal(pub.Messages()[0], &published))
	assert.Equal(t, record.RunID, published.RunID)
	assert.Contains(t, summaries.last, "eosusdt")

	loaded, err := (&storage.CSVCodec{}).Load(context.Background(), result.File)
	require.NoError(t, err)
	assert.True(t, result.Store.Equal(loaded))
}

func TestPipeline_FailedRunSkipsSinks(t *testing.T) {
	srv := huobitest.NewServer(huobitest.WithFailure(func(n int, _ huobi.Request) bool { return n == 2 }))
	defer srv.Close()
	suite := testutils.NewTestSuite(t)

	sink := &memorySink{}
	pub := &memoryPublisher{}
	p := newPipeline(t, srv, suite.TempDir, false, WithSink(sink), WithPublisher(pub))

	result, err := p.Run(context.Background(), Job{Ticker: "eosusdt", StartDate: jan1, EndDate: jan1})
	require.Error(t, err)
	assert.True(t, apperrors.IsProtocolViolation(err))

	assert.Empty(t, result.File)
	assert.Zero(t, sink.bars)
	assert.False(t, result.Record.Success)
	assert.NotEmpty(t, result.Record.Error)
	assert.Len(t, pub.Messages(), 1)

	last, ok := p.History().Last("eosusdt")
	require.True(t, ok)
	assert.False(t, last.Success)
}

func TestPipeline_SinkErrorFailsJob(t *testing.T) {
	srv := huobitest.NewServer()
	defer srv.Close()
	suite := testutils.NewTestSuite(t)

	sink := &memorySink{err: apperrors.Persistence("database gone", errors.New("eof"))}
	p := newPipeline(t, srv, suite.TempDir, false, WithSink(sink))

	result, err := p.Run(context.Background(), Job{Ticker: "eosusdt", StartDate: jan1, EndDate: jan1})
	require.Error(t, err)
	assert.True(t, apperrors.IsPersistenceFailure(err))
	assert.FileExists(t, result.File)
	assert.False(t, result.Record.Success)
}

func TestPipeline_LockHeld(t *testing.T) {
	srv := huobitest.NewServer()
	defer srv.Close()
	suite := testutils.NewTestSuite(t)

	locker := cache.NewMemoryLocker()
	_, err := locker.Acquire(context.Background(), cache.LockKey("eosusdt", "1min"), time.Hour)
	require.NoError(t, err)

	p := newPipeline(t, srv, suite.TempDir, false, WithLocker(locker))
	_, err = p.Run(context.Background(), Job{Ticker: "eosusdt", StartDate: jan1, EndDate: jan1})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeLockHeld))
	assert.Empty(t, srv.Requests())
	assert.Zero(t, p.History().Len())
}

func TestPipeline_ReleasesLock(t *testing.T) {
	srv := huobitest.NewServer()
	defer srv.Close()
	suite := testutils.NewTestSuite(t)

	p := newPipeline(t, srv, suite.TempDir, false, WithLocker(cache.NewMemoryLocker()))
	job := Job{Ticker: "eosusdt", StartDate: jan1, EndDate: jan1}

	_, err := p.Run(context.Background(), job)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, p.History().Len())
}
