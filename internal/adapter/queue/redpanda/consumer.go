package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// Handler runs one job cue to completion. The stage orchestrator implements
// this.
type Handler interface {
	Handle(ctx domain.Context, payload domain.JobCuePayload) error
}

// RetryPolicy bounds the consumer-level retry of a failed handler run.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy mirrors the worker's production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: 2 * time.Second, MaxDelay: 10 * time.Minute, Multiplier: 2.0}
}

// Consumer is a consumer-group member that delivers cues to a Handler with
// at-least-once semantics. Offsets are marked only after the handler returns,
// so a crashed worker replays its in-flight cue; the orchestrator's status
// checks make the replay a no-op for finished jobs.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	groupID string
	topic   string
	retry   RetryPolicy
}

// NewConsumer constructs a group consumer on the job cue topic.
func NewConsumer(brokers []string, groupID string, handler Handler, retry RetryPolicy) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, groupID, handler, retry, TopicJobs)
}

// NewConsumerWithTopic constructs a Consumer on a custom topic so tests can
// isolate themselves.
func NewConsumerWithTopic(brokers []string, groupID string, handler Handler, retry RetryPolicy, topic string) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	slog.Info("creating redpanda consumer",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.String("topic", topic))

	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), tempClient, topic, 8, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	tempClient.Close()

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}

	return &Consumer{
		client:  client,
		handler: handler,
		groupID: groupID,
		topic:   topic,
		retry:   retry,
	}, nil
}

// Start polls until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("redpanda consumer started",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if fe.Err == context.Canceled {
					return ctx.Err()
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			continue
		}
		fetches.EachRecord(func(record *kgo.Record) {
			if err := c.processRecord(ctx, record); err != nil {
				slog.Error("record processing failed",
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
			}
		})
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			slog.Error("offset commit failed", slog.Any("error", err))
		}
		c.client.AllowRebalance()
	}
}

// processRecord decodes one cue and runs the handler under the retry policy.
// A cue that cannot be decoded is dropped; replaying it can never succeed.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessJobCue")
	defer span.End()

	var payload domain.JobCuePayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		slog.Error("failed to unmarshal job cue, dropping record",
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return nil
	}
	lg := slog.With(
		slog.String("job_id", payload.JobID),
		slog.String("kind", string(payload.Kind)),
	)
	lg.Info("processing job cue")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialDelay
	bo.MaxInterval = c.retry.MaxDelay
	bo.Multiplier = c.retry.Multiplier
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retry.MaxRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		return c.handler.Handle(ctx, payload)
	}, policy, func(err error, next time.Duration) {
		lg.Warn("job run failed, retrying",
			slog.Duration("next_attempt_in", next),
			slog.Any("error", err))
	})
	if err != nil {
		lg.Error("job cue exhausted retries", slog.Any("error", err))
		return err
	}
	lg.Info("job cue processed")
	return nil
}

// Close closes the underlying client.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
