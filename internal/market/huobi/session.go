// Package huobi speaks the gzip framed websocket protocol of the Huobi
// market data feed: range requests for bars, ping/pong heartbeats and the
// replies that carry the bars.
package huobi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
	"barreplay/internal/market/kline"
	"barreplay/internal/monitoring"
)

const (
	defaultHandshakeTimeout = 45 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	completionBuffer        = 64
)

// SessionConfig describes the remote endpoint and the bars being requested
type SessionConfig struct {
	URL              string
	Ticker           string
	Period           kline.Interval
	ProxyHost        string
	ProxyPort        int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// ProxyURL returns the HTTP proxy to dial through, nil when none is set
func (c SessionConfig) ProxyURL() *url.URL {
	if c.ProxyHost == "" {
		return nil
	}
	return &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort)),
	}
}

// Completion is emitted once per decoded reply
type Completion struct {
	ID   string
	Bars int // bars carried by the reply
	Kept int // bars accepted by the store
	At   time.Time
}

// Session owns one websocket connection. Its receive loop is the only
// writer of the store while the connection is open.
type Session struct {
	cfg     SessionConfig
	store   *kline.Store
	logger  *logging.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool

	writeMu sync.Mutex

	completions chan Completion
	closing     chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	doneOnce    sync.Once

	errMu sync.Mutex
	err   error
}

// Option configures a Session
type Option func(*Session)

func WithLogger(l *logging.Logger) Option { return func(s *Session) { s.logger = l } }

func WithMetrics(m *monitoring.Metrics) Option { return func(s *Session) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// NewSession creates a session that writes decoded bars into store
func NewSession(cfg SessionConfig, store *kline.Store, opts ...Option) *Session {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Period == "" {
		cfg.Period = kline.Interval1m
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	s := &Session{
		cfg:         cfg,
		store:       store,
		now:         time.Now,
		completions: make(chan Completion, completionBuffer),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrGlobal(s.logger).WithFields(logrus.Fields{
		"component": "session",
		"ticker":    cfg.Ticker,
	})
	return s
}

// Connect dials the remote and starts the receive loop. It returns once
// the websocket handshake has completed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return apperrors.InvalidInput("session already connected")
	}
	select {
	case <-s.closing:
		return apperrors.InvalidInput("session is closed")
	default:
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	if proxy := s.cfg.ProxyURL(); proxy != nil {
		s.logger.Infof("Using proxy %s", proxy.Host)
		dialer.Proxy = http.ProxyURL(proxy)
	}

	s.logger.Infof("Requesting data from %s", s.cfg.URL)
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return apperrors.Transport("failed to connect to websocket", err).
			WithContext("url", s.cfg.URL)
	}

	select {
	case <-s.closing:
		_ = conn.Close()
		return apperrors.InvalidInput("session closed while connecting")
	default:
	}

	s.conn = conn
	s.connected.Store(true)
	go s.readLoop(conn)

	return nil
}

// Connected reports whether the handshake completed and the loop is alive
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Send writes one request as a text frame
func (s *Session) Send(ctx context.Context, req Request) error {
	if !s.connected.Load() {
		return apperrors.NewAppError(apperrors.ErrCodeNotConnected, "session is not connected", s.Err())
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to marshal request", err)
	}
	if err := s.write(ctx, payload); err != nil {
		return err
	}
	s.metrics.RecordRequest(s.cfg.Ticker)
	return nil
}

// Request builds a range request for this session's ticker and period
func (s *Session) Request(id string, from, to time.Time) Request {
	return NewKlineRequest(id, s.cfg.Ticker, s.cfg.Period, from, to)
}

// Completions delivers one event per decoded reply
func (s *Session) Completions() <-chan Completion {
	return s.completions
}

// Done is closed when the receive loop has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the receive loop, nil after a clean Close
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears down the connection and waits for the receive loop to exit.
// Calling it more than once is safe.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.connected.Store(false)

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			s.finish(nil)
			return
		}

		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			s.now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	})
	<-s.done
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
				s.finish(nil)
			default:
				s.finish(apperrors.Transport("failed to read message", err))
			}
			return
		}

		if err := s.handleFrame(frame); err != nil {
			s.finish(err)
			return
		}
	}
}

func (s *Session) handleFrame(frame []byte) error {
	msg, err := Decode(frame)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeProtocolViolation, "undecodable frame", err)
	}
	s.metrics.RecordFrame(msg.Kind.String())

	switch msg.Kind {
	case KindHeartbeat:
		payload, err := json.Marshal(NewPong(s.now()))
		if err != nil {
			return apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to marshal pong", err)
		}
		if err := s.write(context.Background(), payload); err != nil {
			return err
		}
		s.logger.WithField("ping", string(msg.Ping)).Debug("Answered heartbeat")
	case KindReply:
		return s.handleReply(msg.Reply)
	default:
		s.logger.WithField("payload", string(msg.Raw)).Debug("Ignoring unrecognised message")
	}
	return nil
}

func (s *Session) handleReply(r *Reply) error {
	if !r.OK() {
		return apperrors.Protocol("reply rejected",
			fmt.Sprintf("id=%s status=%s err-code=%s err-msg=%s", r.ID, r.Status, r.ErrCode, r.ErrMsg)).
			WithContext("id", r.ID)
	}
	if r.ID == "" {
		return apperrors.Protocol("reply without id", r.Rep)
	}

	span := s.cfg.Period.Duration()
	bars := make([]kline.Bar, 0, len(r.Data))
	for _, c := range r.Data {
		bars = append(bars, c.Bar(s.cfg.Ticker, span))
	}
	kept := s.store.PutAll(bars)
	s.metrics.RecordBars(s.cfg.Ticker, len(bars))

	s.logger.WithFields(logrus.Fields{
		"id":   r.ID,
		"bars": len(bars),
		"kept": kept,
	}).Debug("Processed reply")

	select {
	case s.completions <- Completion{ID: r.ID, Bars: len(bars), Kept: kept, At: s.now()}:
	case <-s.closing:
	}
	return nil
}

func (s *Session) write(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return apperrors.NewAppError(apperrors.ErrCodeNotConnected, "session is not connected", nil)
	}

	deadline := s.now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return apperrors.Transport("failed to set write deadline", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return apperrors.Transport("failed to write message", err)
	}
	return nil
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()

		s.connected.Store(false)

		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.WithError(err).Error("Receive loop stopped")
		} else {
			s.logger.Debug("Receive loop stopped")
		}
		close(s.done)
	})
}
