package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/storm-bulletins/internal/config"
	"github.com/couchcryptid/storm-bulletins/internal/domain"
)

// Writer produces push notifications to the notification topic.
// It implements publish.Notifier.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured notification topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaNotifyTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Notify publishes n keyed by its push topic, so all notifications for one
// topic land on the same partition in order.
func (w *Writer) Notify(ctx context.Context, n domain.Notification) error {
	msg, err := serializeToMessage(n)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	w.logger.Debug("notification produced", "topic", n.Topic, "post_id", n.PostID)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a Notification into a Kafka message.
func serializeToMessage(n domain.Notification) (kafkago.Message, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize notification: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(n.Topic),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "post_type", Value: []byte(n.Kind)},
			{Key: "post_id", Value: []byte(n.PostID)},
		},
	}, nil
}
