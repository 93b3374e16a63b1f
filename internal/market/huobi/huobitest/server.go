// Package huobitest provides an in-process stand-in for the Huobi market
// data websocket, for use in tests.
package huobitest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"barreplay/internal/market/huobi"
)

// Server answers range requests with generated one minute bars
type Server struct {
	*httptest.Server

	opts options

	mu          sync.Mutex
	requests    []huobi.Request
	pongs       int
	pending     int
	maxPending  int
	connections int
	peers       []*peer
}

type options struct {
	replyDelay    time.Duration
	pingOnConnect bool
	pingEvery     int
	inclusive     bool
	fail          func(n int, req huobi.Request) bool
	drop          func(n int, req huobi.Request) bool
	skip          func(t time.Time) bool
}

// Option configures a Server
type Option func(*options)

// WithReplyDelay delays every reply, so several requests are outstanding at once
func WithReplyDelay(d time.Duration) Option {
	return func(o *options) { o.replyDelay = d }
}

// WithPingOnConnect sends a heartbeat as soon as a client connects
func WithPingOnConnect() Option {
	return func(o *options) { o.pingOnConnect = true }
}

// WithPingEvery sends a heartbeat ahead of every nth reply
func WithPingEvery(n int) Option {
	return func(o *options) { o.pingEvery = n }
}

// WithInclusiveRange makes replies include the bar starting at "to"
func WithInclusiveRange() Option {
	return func(o *options) { o.inclusive = true }
}

// WithFailure answers the nth request (1 based) with an error status when f returns true
func WithFailure(f func(n int, req huobi.Request) bool) Option {
	return func(o *options) { o.fail = f }
}

// WithDrop never answers requests for which f returns true
func WithDrop(f func(n int, req huobi.Request) bool) Option {
	return func(o *options) { o.drop = f }
}

// WithMissingBars leaves out bars whose start satisfies f
func WithMissingBars(f func(t time.Time) bool) Option {
	return func(o *options) { o.skip = f }
}

// NewServer starts a server; callers must Close it
func NewServer(opts ...Option) *Server {
	s := &Server{}
	for _, opt := range opts {
		opt(&s.opts)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// DropConnections closes every client connection from the server side
func (s *Server) DropConnections() {
	s.mu.Lock()
	peers := s.peers
	s.peers = nil
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
}

// Close drops open connections and shuts the server down
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

// WSURL returns the ws:// address of the server
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Requests returns every request received so far, in arrival order
func (s *Server) Requests() []huobi.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]huobi.Request(nil), s.requests...)
}

// Pongs returns how many heartbeat answers were received
func (s *Server) Pongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongs
}

// MaxPending returns the highest number of requests held unanswered at once
func (s *Server) MaxPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPending
}

// Connections returns how many clients have connected
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Candles generates the bars the server returns for [from, to)
func Candles(from, to int64, inclusive bool, skip func(time.Time) bool) []huobi.Candle {
	var out []huobi.Candle
	for t := from; t < to || (inclusive && t == to); t += 60 {
		if skip != nil && skip(time.Unix(t, 0).UTC()) {
			continue
		}
		base := 2.5 + float64(t%3600)/10000
		out = append(out, huobi.Candle{
			ID:     t,
			Open:   base,
			Close:  base + 0.0013,
			High:   base + 0.0021,
			Low:    base - 0.0017,
			Amount: 1000.1 + float64(t%97),
			Vol:    (1000.1 + float64(t%97)) * base,
			Count:  t % 13,
		})
	}
	return out
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) send(v interface{}) error {
	frame, err := huobi.Encode(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	p := &peer{conn: conn}

	s.mu.Lock()
	s.connections++
	s.peers = append(s.peers, p)
	s.mu.Unlock()

	if s.opts.pingOnConnect {
		if err := p.send(map[string]int64{"ping": time.Now().UnixMilli()}); err != nil {
			return
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in struct {
			huobi.Request
			Pong *float64 `json:"pong"`
		}
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		if in.Pong != nil {
			s.mu.Lock()
			s.pongs++
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, in.Request)
		n := len(s.requests)
		s.pending++
		if s.pending > s.maxPending {
			s.maxPending = s.pending
		}
		s.mu.Unlock()

		if s.opts.drop != nil && s.opts.drop(n, in.Request) {
			s.mu.Lock()
			s.pending--
			s.mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(n int, req huobi.Request) {
			defer wg.Done()
			if s.opts.replyDelay > 0 {
				time.Sleep(s.opts.replyDelay)
			}
			if s.opts.pingEvery > 0 && n%s.opts.pingEvery == 0 {
				_ = p.send(map[string]int64{"ping": time.Now().UnixMilli()})
			}

			reply := s.reply(n, req)

			s.mu.Lock()
			s.pending--
			s.mu.Unlock()

			_ = p.send(reply)
		}(n, in.Request)
	}
}

func (s *Server) reply(n int, req huobi.Request) huobi.Reply {
	if s.opts.fail != nil && s.opts.fail(n, req) {
		return huobi.Reply{
			Status:  "error",
			ID:      req.ID,
			ErrCode: "bad-request",
			ErrMsg:  "invalid period",
		}
	}
	return huobi.Reply{
		Status: "ok",
		Rep:    req.Req,
		ID:     req.ID,
		TS:     time.Now().UnixMilli(),
		Data:   Candles(req.From, req.To, s.opts.inclusive, s.opts.skip),
	}
}
