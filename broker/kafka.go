package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	// TopicTransfers carries TransferJob messages.
	TopicTransfers = "bulk.transfers"
	// TopicFinalize carries FinalizeBulkJob messages.
	TopicFinalize = "bulk.finalize"

	consumerGroup = "bulk-transfers"
	pollWait      = 500 * time.Millisecond
)

// KafkaBroker implements Broker on two Kafka topics. Messages are keyed by
// bulk request UUID so every job of one bulk lands on the same partition and
// per-bulk ordering is preserved.
type KafkaBroker struct {
	transferWriter *kafka.Writer
	finalizeWriter *kafka.Writer
	transferReader *kafka.Reader
	finalizeReader *kafka.Reader
}

// NewKafkaBroker builds writers and group readers for both topics against the
// given broker addresses.
func NewKafkaBroker(addrs []string) *KafkaBroker {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(addrs...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		}
	}
	newReader := func(topic string) *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        addrs,
			GroupID:        consumerGroup,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       1e6,
			MaxWait:        pollWait,
			CommitInterval: 0, // synchronous commits
		})
	}
	return &KafkaBroker{
		transferWriter: newWriter(TopicTransfers),
		finalizeWriter: newWriter(TopicFinalize),
		transferReader: newReader(TopicTransfers),
		finalizeReader: newReader(TopicFinalize),
	}
}

// EnsureTopics creates both topics if the cluster does not have them yet.
func EnsureTopics(ctx context.Context, addr string, partitions int) error {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get controller: %w", err)
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("failed to dial controller: %w", err)
	}
	defer ctrlConn.Close()

	configs := []kafka.TopicConfig{
		{Topic: TopicTransfers, NumPartitions: partitions, ReplicationFactor: 1},
		{Topic: TopicFinalize, NumPartitions: partitions, ReplicationFactor: 1},
	}
	if err := ctrlConn.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topics: %w", err)
	}
	return nil
}

// WaitReady blocks until the broker answers a metadata request or the context
// expires, retrying with a fixed delay.
func WaitReady(ctx context.Context, addr string) error {
	for attempt := 1; ; attempt++ {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err == nil {
			_, err = conn.Brokers()
			conn.Close()
			if err == nil {
				log.Printf("kafka broker %s ready after %d attempt(s)", addr, attempt)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka broker %s not ready: %w", addr, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *KafkaBroker) EnqueueTransfer(ctx context.Context, job TransferJob) error {
	return b.publish(ctx, b.transferWriter, job.BulkRequestUUID.String(), job)
}

func (b *KafkaBroker) EnqueueFinalize(ctx context.Context, job FinalizeBulkJob) error {
	return b.publish(ctx, b.finalizeWriter, job.BulkRequestUUID.String(), job)
}

func (b *KafkaBroker) publish(ctx context.Context, w *kafka.Writer, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	msg := kafka.Message{Key: []byte(key), Value: payload}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", w.Topic, err)
	}
	return nil
}

func (b *KafkaBroker) DequeueTransfer(ctx context.Context) (TransferJob, Ack, bool, error) {
	var job TransferJob
	ack, ok, err := b.consume(ctx, b.transferReader, &job)
	return job, ack, ok, err
}

func (b *KafkaBroker) DequeueFinalize(ctx context.Context) (FinalizeBulkJob, Ack, bool, error) {
	var job FinalizeBulkJob
	ack, ok, err := b.consume(ctx, b.finalizeReader, &job)
	return job, ack, ok, err
}

// consume fetches one message with a bounded wait so the Broker contract
// stays non-blocking. An empty poll is not an error. The offset is committed
// only by the returned ack, so a job whose processing dies before acking is
// redelivered to the group.
func (b *KafkaBroker) consume(ctx context.Context, r *kafka.Reader, v any) (Ack, bool, error) {
	readCtx, cancel := context.WithTimeout(ctx, pollWait)
	defer cancel()

	msg, err := r.FetchMessage(readCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, fmt.Errorf("failed to fetch from %s: %w", r.Config().Topic, err)
	}
	if err := json.Unmarshal(msg.Value, v); err != nil {
		// A malformed message is logged and committed so it is not refetched
		// forever.
		log.Printf("dropping malformed message on %s: %v", r.Config().Topic, err)
		if err := r.CommitMessages(ctx, msg); err != nil {
			return nil, false, fmt.Errorf("failed to commit malformed message on %s: %w", r.Config().Topic, err)
		}
		return nil, false, nil
	}
	ack := func(ctx context.Context) error {
		if err := r.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("failed to commit offset on %s: %w", r.Config().Topic, err)
		}
		return nil
	}
	return ack, true, nil
}

// Close closes all writers and readers.
func (b *KafkaBroker) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{
		b.transferWriter, b.finalizeWriter, b.transferReader, b.finalizeReader,
	} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
