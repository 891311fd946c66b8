package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/models"
)

// Publisher emits task lifecycle events to NATS for observability (web UI,
// audit). Task dispatch itself stays pull/poll; nothing is delivered to
// agents over this channel.
type Publisher struct {
	nc            *nats.Conn
	logger        *zap.Logger
	subjectPrefix string
}

// NewPublisher connects to NATS and returns a Publisher. Pass an empty URL
// to disable event publishing; a nil Publisher is safe to use.
func NewPublisher(url, subjectPrefix string, logger *zap.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(3*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	logger.Info("Connected to NATS for event publishing", zap.String("url", url))
	return &Publisher{
		nc:            nc,
		logger:        logger.Named("events"),
		subjectPrefix: subjectPrefix,
	}, nil
}

// PublishTaskEvent emits one lifecycle transition. Publishing failures are
// logged and swallowed; the event stream is best-effort and must never fail
// a task operation.
func (p *Publisher) PublishTaskEvent(event *models.TaskEvent) {
	if p == nil || p.nc == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal task event", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, event.TaskID)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish task event",
			zap.String("subject", subject),
			zap.String("status", string(event.Status)),
			zap.Error(err),
		)
	}
}

// Close drains the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Error("Error draining NATS connection", zap.Error(err))
	}
	p.nc.Close()
}
