// Package redpanda carries the job cue between the API server and the
// worker fleet over a Redpanda/Kafka topic.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/leadgen-engine/internal/adapter/observability"
	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// TopicJobs is the Kafka topic carrying job cues.
const TopicJobs = "leadgen-jobs"

// Producer wraps a transactional Kafka producer and implements domain.Queue.
type Producer struct {
	client *kgo.Client
	topic  string
	// Serialises transactions; franz-go allows one open transaction per client.
	txnCh chan struct{}
}

// NewProducer constructs a Producer with exactly-once semantics.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "leadgen-engine-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID so tests can run several producers side by side.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	slog.Info("creating redpanda producer",
		slog.Any("brokers", brokers),
		slog.String("transactional_id", transactionalID))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, TopicJobs, 8, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", TopicJobs), slog.Any("error", err))
	}

	return &Producer{
		client: client,
		topic:  TopicJobs,
		txnCh:  make(chan struct{}, 1),
	}, nil
}

// EnqueueJob publishes a job cue, keyed by job id so per-job ordering holds.
func (p *Producer) EnqueueJob(ctx domain.Context, payload domain.JobCuePayload) (string, error) {
	select {
	case p.txnCh <- struct{}{}:
		defer func() { <-p.txnCh }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(payload.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(payload.JobID)},
			{Key: "kind", Value: []byte(payload.Kind)},
		},
	}
	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return "", fmt.Errorf("produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}

	observability.EnqueueJob(string(payload.Kind))
	slog.Info("job cue enqueued",
		slog.String("topic", p.topic),
		slog.String("job_id", payload.JobID),
		slog.String("kind", string(payload.Kind)))
	return payload.JobID, nil
}

// Ping verifies broker connectivity, for readiness checks.
func (p *Producer) Ping(ctx domain.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
