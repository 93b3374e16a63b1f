package huobi

import (
	"bytes"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"barreplay/internal/market/kline"
)

// DefaultURL is the public market data endpoint
const DefaultURL = "wss://api.huobi.pro/ws"

// Request asks for the bars of one topic between From and To (unix seconds)
type Request struct {
	Req  string `json:"req"`
	ID   string `json:"id"`
	From int64  `json:"from"`
	To   int64  `json:"to"`
}

// KlineTopic returns the request topic for ticker bars of the given period
func KlineTopic(ticker string, period kline.Interval) string {
	return fmt.Sprintf("market.%s.kline.%s", ticker, period)
}

// NewKlineRequest builds a range request for [from, to)
func NewKlineRequest(id, ticker string, period kline.Interval, from, to time.Time) Request {
	return Request{
		Req:  KlineTopic(ticker, period),
		ID:   id,
		From: from.Unix(),
		To:   to.Unix(),
	}
}

// Pong answers a heartbeat
type Pong struct {
	Pong float64 `json:"pong"`
}

// NewPong stamps a pong with t as fractional unix seconds
func NewPong(t time.Time) Pong {
	return Pong{Pong: float64(t.UnixNano()) / float64(time.Second)}
}

// Candle is one element of a reply's data array
type Candle struct {
	ID     int64   `json:"id"`
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Amount float64 `json:"amount"`
	Vol    float64 `json:"vol"`
	Count  int64   `json:"count,omitempty"`
}

// Bar converts the candle into a bar of the given span
func (c Candle) Bar(ticker string, span time.Duration) kline.Bar {
	return kline.Bar{
		Ticker:   ticker,
		Start:    time.Unix(c.ID, 0).UTC(),
		Span:     span,
		Open:     c.Open,
		High:     c.High,
		Low:      c.Low,
		Close:    c.Close,
		Volume:   c.Amount,
		Notional: c.Vol,
	}
}

// Reply answers a Request
type Reply struct {
	Status  string   `json:"status"`
	Rep     string   `json:"rep,omitempty"`
	ID      string   `json:"id"`
	TS      int64    `json:"ts,omitempty"`
	ErrCode string   `json:"err-code,omitempty"`
	ErrMsg  string   `json:"err-msg,omitempty"`
	Data    []Candle `json:"data"`
}

// OK reports whether the remote accepted the request
func (r *Reply) OK() bool {
	return r.Status == "ok"
}

// Kind tags a decoded inbound message
type Kind int

const (
	KindUnknown Kind = iota
	KindHeartbeat
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Message is one decoded inbound frame. Reply is set only for KindReply.
type Message struct {
	Kind  Kind
	Ping  json.RawMessage
	Reply *Reply
	Raw   []byte
}

type envelope struct {
	Ping json.RawMessage `json:"ping"`
	Reply
}

// Decode decompresses a frame and classifies it
func Decode(frame []byte) (Message, error) {
	raw, err := Decompress(frame)
	if err != nil {
		return Message{}, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	msg := Message{Raw: raw}
	switch {
	case len(env.Ping) > 0:
		msg.Kind = KindHeartbeat
		msg.Ping = env.Ping
	case env.Status != "":
		msg.Kind = KindReply
		reply := env.Reply
		msg.Reply = &reply
	default:
		msg.Kind = KindUnknown
	}
	return msg, nil
}

// Decompress gunzips one frame
func Decompress(frame []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip frame: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %w", err)
	}
	return out, nil
}

// Compress gzips payload into one frame
func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode marshals v and gzips the result
func Encode(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Compress(payload)
}
