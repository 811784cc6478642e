package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/nsgswap/internal/cloud"
)

// Handler processes one event.
type Handler interface {
	Handle(ctx context.Context, ev Event) (string, error)
}

// SpanStarter starts the span wrapping one handled message.
type SpanStarter interface {
	StartSpan(ctx context.Context, name string) (context.Context, trace.Span)
}

type tracerSpans struct{ tracer trace.Tracer }

func (t tracerSpans) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	QueueURL          string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	// RetryDelay is the pause after a failed receive.
	RetryDelay time.Duration
	// Spans defaults to the global tracer.
	Spans SpanStarter
}

// Poller long-polls an SQS queue and hands each message to a Handler, one at
// a time. Messages are deleted once handled, whatever the outcome, so a failed
// failover is never retried automatically. Cancelling the context stops the
// receive loop; a message already received is still handled and deleted.
type Poller struct {
	client  cloud.SQSAPI
	cfg     PollerConfig
	handler Handler
	logger  zerolog.Logger
}

// NewPoller creates a poller.
func NewPoller(client cloud.SQSAPI, cfg PollerConfig, handler Handler) *Poller {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Spans == nil {
		cfg.Spans = tracerSpans{tracer: otel.Tracer("nsgswap/trigger")}
	}
	return &Poller{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  log.Logger.With().Str("component", "sqs-poller").Str("queue", cfg.QueueURL).Logger(),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Dur("wait_time", p.cfg.WaitTime).Msg("polling trigger queue")
	for {
		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error().Err(err).Msg("receive trigger")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.RetryDelay):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// PollOnce receives at most one message and handles it. It returns how many
// messages were handled.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.cfg.QueueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(p.cfg.WaitTime / time.Second),
		VisibilityTimeout:   int32(p.cfg.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return 0, fmt.Errorf("receive message: %w", err)
	}

	var errs []error
	for _, msg := range out.Messages {
		ev := Event{
			ID:       aws.ToString(msg.MessageId),
			Source:   "sqs",
			Body:     aws.ToString(msg.Body),
			Received: time.Now(),
		}

		msgCtx, span := p.cfg.Spans.StartSpan(ctx, "trigger.sqs.message")
		span.SetAttributes(attribute.String("messaging.message.id", ev.ID))

		marker, err := p.handler.Handle(msgCtx, ev)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.logger.Error().Ctx(msgCtx).Err(err).Str("event_id", ev.ID).Msg("failover failed, operator action required")
		} else {
			p.logger.Info().Ctx(msgCtx).Str("event_id", ev.ID).Str("result", marker).Msg("failover finished")
		}
		span.End()

		// Deletion outlives shutdown so the message is not redelivered.
		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		_, err = p.client.DeleteMessage(delCtx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(p.cfg.QueueURL),
			ReceiptHandle: msg.ReceiptHandle,
		})
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("delete message %s: %w", ev.ID, err))
		}
	}
	return len(out.Messages), errors.Join(errs...)
}
