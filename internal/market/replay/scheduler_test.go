package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
	"barreplay/internal/market/huobi"
	"barreplay/internal/market/huobi/huobitest"
	"barreplay/internal/market/kline"
	"barreplay/internal/retry"
)

var (
	jan1 = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	jan3 = time.Date(2019, 1, 3, 0, 0, 0, 0, time.UTC)
)

func connect(t *testing.T, srv *huobitest.Server, store *kline.Store) *huobi.Session {
	t.Helper()
	s := huobi.NewSession(huobi.SessionConfig{
		URL:    srv.WSURL(),
		Ticker: "eosusdt",
		Period: kline.Interval1m,
	}, store, huobi.WithLogger(logging.Nop()))
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fastRetry(maxRetries int) *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxRetries:  maxRetries,
		InitialWait: 10 * time.Millisecond,
		MaxWait:     50 * time.Millisecond,
		Factor:      2,
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScheduler_TwoDayBackfill(t *testing.T) {
	srv := huobitest.NewServer(huobitest.WithReplyDelay(5 * time.Millisecond))
	defer srv.Close()
	store := kline.NewBoundedStore(jan1, jan3)
	session := connect(t, srv, store)

	processed := 0
	s := NewScheduler(SchedulerConfig{RequestSize: 300, QueueSize: 5}, session,
		WithSchedulerLogger(logging.Nop()),
		OnProcessed(func(*Window) { processed++ }),
	)

	windows, err := s.Run(testContext(t), jan1, jan3)
	require.NoError(t, err)

	require.Len(t, windows, 10)
	assert.Equal(t, 10, processed)
	assert.Equal(t, 2880, store.Size())
	assert.LessOrEqual(t, srv.MaxPending(), 5)

	ids := make(map[string]bool)
	var minutes time.Duration
	for i, w := range windows {
		assert.Equal(t, StatusProcessed, w.Status)
		assert.Equal(t, 1, w.Attempts)
		assert.False(t, ids[w.ID], "duplicate id %s", w.ID)
		ids[w.ID] = true
		if i > 0 {
			assert.Equal(t, windows[i-1].To, w.From)
		}
		minutes += w.Duration()
	}
	assert.Equal(t, 2880*time.Minute, minutes)

	reqs := srv.Requests()
	require.Len(t, reqs, 10)
	assert.Equal(t, jan1.Unix(), reqs[0].From)
}

func TestScheduler_QueueSizeBoundsInFlight(t *testing.T) {
	srv := huobitest.NewServer(huobitest.WithReplyDelay(20 * time.Millisecond))
	defer srv.Close()
	store := kline.NewStore()
	session := connect(t, srv, store)

	s := NewScheduler(SchedulerConfig{RequestSize: 60, QueueSize: 2}, session, WithSchedulerLogger(logging.Nop()))

	windows, err := s.Run(testContext(t), jan1, jan1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, windows, 24)
	assert.LessOrEqual(t, srv.MaxPending(), 2)
	assert.Equal(t, 1440, store.Size())
}

func TestScheduler_HeartbeatsDuringRun(t *testing.T) {
	srv := huobitest.NewServer(huobitest.WithPingEvery(3))
	defer srv.Close()
	store := kline.NewBoundedStore(jan1, jan3)
	session := connect(t, srv, store)

	s := NewScheduler(SchedulerConfig{}, session, WithSchedulerLogger(logging.Nop()))
	windows, err := s.Run(testContext(t), jan1, jan3)
	require.NoError(t, err)

	assert.Len(t, windows, 10)
	assert.Equal(t, 2880, store.Size())
	assert.Eventually(t, func() bool { return srv.Pongs() == 3 }, 5*time.Second, 10*time.Millisecond)
	for _, w := range windows {
		assert.Equal(t, StatusProcessed, w.Status)
	}
}

func TestScheduler_ErrorReplyAborts(t *testing.T) {
	srv := huobitest.NewServer(huobitest.WithFailure(func(n int, _ huobi.Request) bool { return n == 3 }))
	defer srv.Close()
	store := kline.NewStore()
	session := connect(t, srv, store)

	s := NewScheduler(SchedulerConfig{RequestSize: 300, QueueSize: 1}, session, WithSchedulerLogger(logging.Nop()))
	windows, err := s.Run(testContext(t), jan1, jan3)

	require.Error(t, err)
	assert.True(t, apperrors.IsProtocolViolation(err))
	assert.Equal(t, 600, store.Size())
	require.Len(t, windows, 3)
	assert.Equal(t, StatusProcessed, windows[0].Status)
	assert.Equal(t, StatusProcessed, windows[1].Status)
	assert.Equal(t, StatusSent, windows[2].Status)
}

func TestScheduler_ErrorReplyWithFullQueue(t *testing.T) {
	for i := 0; i < 10; i++ {
		srv := huobitest.NewServer(huobitest.WithFailure(func(n int, _ huobi.Request) bool { return n == 1 }))
		session := connect(t, srv, kline.NewStore())

		s := NewScheduler(SchedulerConfig{RequestSize: 300, QueueSize: 5}, session, WithSchedulerLogger(logging.Nop()))
		_, err := s.Run(testContext(t), jan1, jan3)

		require.Error(t, err)
		assert.True(t, apperrors.IsProtocolViolation(err), "got %v", err)
		assert.False(t, apperrors.HasCode(err, apperrors.ErrCodeNotConnected))
		srv.Close()
	}
}

func TestScheduler_HeartbeatsWhilePacing(t *testing.T) {
	srv := huobitest.NewServer(huobitest.WithPingEvery(1))
	defer srv.Close()
	session := connect(t, srv, kline.NewStore())

	// more windows in flight than the session buffers completions for
	s := NewScheduler(SchedulerConfig{RequestSize: 10, QueueSize: 144, RequestsPerSecond: 100},
		session, WithSchedulerLogger(logging.Nop()))

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(testContext(t), jan1, jan1.Add(24*time.Hour))
		done <- err
	}()

	require.Eventually(t, func() bool { return len(srv.Requests()) >= 100 }, 10*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return srv.Pongs() >= 90 }, 300*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, <-done)
	assert.Eventually(t, func() bool { return srv.Pongs() == 144 }, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_RetriesDroppedWindow(t *testing.T) {
	srv := huobitest.NewServer(huobitest.WithDrop(func(n int, _ huobi.Request) bool { return n == 2 }))
	defer srv.Close()
	store := kline.NewStore()
	session := connect(t, srv, store)

	s := NewScheduler(SchedulerConfig{
		RequestSize:   300,
		QueueSize:     5,
		WindowTimeout: 100 * time.Millisecond,
		Retry:         fastRetry(2),
	}, session, WithSchedulerLogger(logging.Nop()))

	windows, err := s.Run(testContext(t), jan1, jan1.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, windows, 5)
	assert.Equal(t, 1440, store.Size())
	assert.Equal(t, 2, windows[1].Attempts)
	assert.Len(t, srv.Requests(), 6)

	// the retry reuses the window id
	reqs := srv.Requests()
	assert.Equal(t, reqs[1].ID, reqs[5].ID)
}

func TestScheduler_WindowTimeoutAfterRetries(t *testing.T) {
	srv := huobitest.NewServer(huobitest.WithDrop(func(int, huobi.Request) bool { return true }))
	defer srv.Close()
	session := connect(t, srv, kline.NewStore())

	s := NewScheduler(SchedulerConfig{
		RequestSize:   300,
		QueueSize:     1,
		WindowTimeout: 50 * time.Millisecond,
		Retry:         fastRetry(1),
	}, session, WithSchedulerLogger(logging.Nop()))

	windows, err := s.Run(testContext(t), jan1, jan3)
	require.Error(t, err)
	assert.True(t, apperrors.IsWindowTimeout(err))
	require.Len(t, windows, 1)
	assert.Equal(t, 2, windows[0].Attempts)
	assert.Len(t, srv.Requests(), 2)
}

func TestScheduler_RequiresConnection(t *testing.T) {
	srv := huobitest.NewServer()
	defer srv.Close()
	session := huobi.NewSession(huobi.SessionConfig{URL: srv.WSURL(), Ticker: "eosusdt"},
		kline.NewStore(), huobi.WithLogger(logging.Nop()))

	s := NewScheduler(SchedulerConfig{}, session, WithSchedulerLogger(logging.Nop()))
	_, err := s.Run(testContext(t), jan1, jan3)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotConnected))
	assert.Empty(t, srv.Requests())
}

func TestScheduler_ContextCancel(t *testing.T) {
	srv := huobitest.NewServer(huobitest.WithDrop(func(int, huobi.Request) bool { return true }))
	defer srv.Close()
	session := connect(t, srv, kline.NewStore())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	s := NewScheduler(SchedulerConfig{WindowTimeout: time.Minute}, session, WithSchedulerLogger(logging.Nop()))
	_, err := s.Run(ctx, jan1, jan3)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_SessionLossIsTransportFailure(t *testing.T) {
	srv := huobitest.NewServer(huobitest.WithDrop(func(int, huobi.Request) bool { return true }))
	defer srv.Close()
	session := connect(t, srv, kline.NewStore())
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)

	s := NewScheduler(SchedulerConfig{WindowTimeout: time.Minute}, session, WithSchedulerLogger(logging.Nop()))

	go func() {
		assert.Eventually(t, func() bool { return len(srv.Requests()) > 0 }, 5*time.Second, 10*time.Millisecond)
		srv.DropConnections()
	}()

	_, err := s.Run(testContext(t), jan1, jan3)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransportFailure(err))
}

func TestScheduler_RateLimit(t *testing.T) {
	srv := huobitest.NewServer()
	defer srv.Close()
	session := connect(t, srv, kline.NewStore())

	s := NewScheduler(SchedulerConfig{RequestSize: 360, RequestsPerSecond: 20}, session, WithSchedulerLogger(logging.Nop()))

	start := time.Now()
	windows, err := s.Run(testContext(t), jan1, jan1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, windows, 4)
	// burst of one, then one every 50ms
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}
