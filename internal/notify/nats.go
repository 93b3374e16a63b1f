// Package notify publishes run summaries to other services
package notify

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
)

// Publisher sends an encoded message to subscribers of one subject
type Publisher interface {
	Publish(ctx context.Context, v interface{}) error
	Close() error
}

// NATSPublisher publishes JSON messages to a NATS subject
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *logging.Logger
}

// NewNATSPublisher connects to url
func NewNATSPublisher(url, subject string, logger *logging.Logger) (*NATSPublisher, error) {
	logger = logging.OrGlobal(logger).WithField("component", "nats")
	conn, err := nats.Connect(url,
		nats.Name("barreplay"),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, apperrors.Transport("failed to connect to NATS", err).WithContext("url", url)
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}, nil
}

// Publish encodes v as JSON and waits until the server has it
func (p *NATSPublisher) Publish(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to encode message", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return apperrors.Transport("failed to publish", err).WithContext("subject", p.subject)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return apperrors.Transport("failed to flush publish", err).WithContext("subject", p.subject)
	}
	p.logger.WithField("subject", p.subject).WithField("bytes", len(data)).Debug("Published message")
	return nil
}

// Close drains and closes the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
