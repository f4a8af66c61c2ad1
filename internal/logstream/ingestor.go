package logstream

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/berth-dev/berth/internal/domain"
	"github.com/berth-dev/berth/internal/logs"
)

// Ingestor consumes log events from the broker stream and feeds them into the
// log store. It is the only writer; query-side readers never contend with it.
type Ingestor struct {
	js            jetstream.JetStream
	streamName    string
	subjectPrefix string
	svc           logs.Service
	logger        *slog.Logger
}

// NewIngestor creates an ingestor bound to the deployment log stream.
func NewIngestor(conn *nats.Conn, streamName, subjectPrefix string, svc logs.Service, logger *slog.Logger) (*Ingestor, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &Ingestor{
		js:            js,
		streamName:    streamName,
		subjectPrefix: subjectPrefix,
		svc:           svc,
		logger:        logger,
	}, nil
}

// Run ensures the stream and durable consumer exist, then consumes until the
// context is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	stream, err := i.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     i.streamName,
		Subjects: []string{i.subjectPrefix + ".>"},
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", i.streamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "log-ingestor",
		FilterSubject: i.subjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer: %w", err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		i.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}
	defer consumeCtx.Stop()

	i.logger.Info("log ingestor running", "stream", i.streamName, "subjects", i.subjectPrefix+".>")
	<-ctx.Done()
	return nil
}

func (i *Ingestor) handle(ctx context.Context, msg jetstream.Msg) {
	event, err := Unmarshal(msg.Data())
	if err != nil {
		i.logger.Warn("dropping undecodable log event", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}
	if err := event.Validate(); err != nil {
		i.logger.Warn("dropping invalid log event", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}
	entry := domain.LogEvent{
		DeploymentID: event.DeploymentID,
		Message:      event.Message,
		Level:        event.Level,
		EventType:    event.EventType,
		Status:       event.Status,
	}
	if err := i.svc.Append(ctx, &entry); err != nil {
		i.logger.Error("log append failed", "deployment_id", event.DeploymentID, "error", err)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}
