// Package redpanda provides the Redpanda/Kafka transport for billing
// completion notices: message publishing with exactly-once semantics
// via a transactional producer keyed by job id.
package redpanda

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/reclip/recap-engine/internal/domain"
)

// TopicBillingCompletions is the Kafka/Redpanda topic billing completion
// notices are published to.
const TopicBillingCompletions = "billing-completions"

type signedNotice struct {
	domain.BillingCompletionNotice
	Signature string `json:"signature"`
}

// Producer wraps a transactional Kafka producer and implements
// domain.BillingSink. A transaction per publish keyed by job id means a
// retried publish after a crash produces a duplicate record, not a
// second distinct notice; the sink is documented as idempotent
// regardless.
type Producer struct {
	client          *kgo.Client
	hmacKey         []byte
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with the default transactional ID.
func NewProducer(brokers []string, hmacKey string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "recap-engine-billing-producer", hmacKey)
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID, useful for tests that need isolation between
// concurrently running producers.
func NewProducerWithTransactionalID(brokers []string, transactionalID, hmacKey string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.new_producer: no seed brokers provided")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.new_producer: %w", err)
	}

	ctx := context.Background()
	if err := createTopicIfNotExists(ctx, client, TopicBillingCompletions, 4, 1); err != nil {
		slog.Warn("failed to create billing-completions topic, it may already exist",
			slog.String("topic", TopicBillingCompletions), slog.Any("error", err))
	}

	return &Producer{
		client:          client,
		hmacKey:         []byte(hmacKey),
		transactionChan: make(chan struct{}, 1),
	}, nil
}

func (p *Producer) sign(notice domain.BillingCompletionNotice) (string, error) {
	b, err := json.Marshal(notice)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, p.hmacKey)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// PublishCompletion publishes an HMAC-signed billing completion notice,
// keyed by job id so the topic preserves per-job ordering and a retried
// publish after a crash lands as a duplicate record rather than a
// second notice.
func (p *Producer) PublishCompletion(ctx domain.Context, notice domain.BillingCompletionNotice) error {
	sig, err := p.sign(notice)
	if err != nil {
		return fmt.Errorf("op=redpanda.publish_completion: %w", err)
	}

	b, err := json.Marshal(signedNotice{BillingCompletionNotice: notice, Signature: sig})
	if err != nil {
		return fmt.Errorf("op=redpanda.publish_completion: %w", err)
	}

	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=redpanda.publish_completion.begin_tx: %w", err)
	}

	record := &kgo.Record{
		Topic: TopicBillingCompletions,
		Key:   []byte(notice.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(notice.JobID)},
			{Key: "user_id", Value: []byte(notice.UserID)},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort billing notice transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=redpanda.publish_completion.produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=redpanda.publish_completion.commit_tx: %w", err)
	}

	slog.Info("billing completion notice published", slog.String("job_id", notice.JobID))
	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
