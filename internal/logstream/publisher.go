package logstream

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sethvargo/go-retry"
)

const (
	connectBaseDelay  = 500 * time.Millisecond
	connectMaxRetries = 10
	publishTimeout    = 5 * time.Second
)

// Connect dials the broker, retrying with backoff. The build container often
// starts before the broker address is routable from inside it.
func Connect(ctx context.Context, url, clientName string, logger *slog.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, fmt.Errorf("broker url cannot be empty")
	}
	var conn *nats.Conn
	backoff := retry.WithMaxRetries(connectMaxRetries, retry.NewFibonacci(connectBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := nats.Connect(url, nats.Name(clientName))
		if err != nil {
			if logger != nil {
				logger.Warn("broker connect failed, retrying", "url", url, "error", err)
			}
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", url, err)
	}
	return conn, nil
}

// Publisher pushes log events to the broker stream, keyed by deployment id.
type Publisher struct {
	conn          *nats.Conn
	js            jetstream.JetStream
	subjectPrefix string
	logger        *slog.Logger
}

// NewPublisher creates a publisher and ensures the backing stream exists.
func NewPublisher(ctx context.Context, conn *nats.Conn, streamName, subjectPrefix string, logger *slog.Logger) (*Publisher, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	return &Publisher{
		conn:          conn,
		js:            js,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}, nil
}

// Publish serializes the event and pushes it to the deployment's subject.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Level == "" {
		event.Level = "INFO"
	}
	if event.EventType == "" {
		event.EventType = EventTypeLog
	}
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := p.js.Publish(pubCtx, SubjectFor(p.subjectPrefix, event.DeploymentID), data); err != nil {
		return fmt.Errorf("publish log event: %w", err)
	}
	return nil
}

// Close drains and closes the underlying connection.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil && p.logger != nil {
		p.logger.Warn("broker drain failed", "error", err)
	}
	p.conn.Close()
}
