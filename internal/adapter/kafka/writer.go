// Package kafka broadcasts enriched incident records to a Kafka topic for
// downstream consumers that want a stream instead of artifact files. The
// broadcast is optional and feature-flagged via configuration.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
)

// Writer produces enriched records to a Kafka topic.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Broadcast serializes and publishes a batch of enriched records in a single
// WriteMessages call. Messages are keyed by identity so all reports for one
// physical incident land on one partition, in order.
func (w *Writer) Broadcast(ctx context.Context, batch []domain.Enriched) error {
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(batch))
	for i := range batch {
		msg, err := serializeToMessage(batch[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an enriched record into a Kafka message.
func serializeToMessage(e domain.Enriched) (kafkago.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize enriched record: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(e.Incident.IdentityKey),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "center", Value: []byte(e.Incident.Center)},
			{Key: "lifecycle", Value: []byte(e.Lifecycle)},
			{Key: "processed_at", Value: []byte(e.ProcessedAt.Format(time.RFC3339))},
		},
	}, nil
}
