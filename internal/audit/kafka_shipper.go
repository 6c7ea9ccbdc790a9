package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/apex-audit/apex-audit/internal/config"
	"github.com/apex-audit/apex-audit/internal/db/models"
)

const kafkaDeliveryTimeout = 10 * time.Second

// KafkaShipper publishes each record to a Kafka topic, keyed by model instance so a
// partition sees one model's records in order.
type KafkaShipper struct {
	producer *kafka.Producer
	topic    string
}

// NewKafkaShipper creates the producer. The broker is not contacted until the first message.
func NewKafkaShipper(cfg *config.AuditKafkaConfig) (*KafkaShipper, error) {
	if cfg.BootstrapServers == "" {
		return nil, fmt.Errorf("kafka bootstrap_servers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	slog.Info("audit kafka producer created", "topic", cfg.Topic)

	return &KafkaShipper{producer: p, topic: cfg.Topic}, nil
}

// Ship produces rec and waits for the delivery report.
func (k *KafkaShipper) Ship(ctx context.Context, rec *models.AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(Job{Record: rec}.ShardKey()),
		Value:          payload,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(rec.EventType)}},
	}, deliveryChan); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case e := <-deliveryChan:
		msg, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected event type: %T", e)
		}
		if msg.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", msg.TopicPartition.Error)
		}
		return nil
	case <-time.After(kafkaDeliveryTimeout):
		return fmt.Errorf("delivery timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes outstanding messages for up to 15s and closes the producer.
func (k *KafkaShipper) Close() error {
	if remaining := k.producer.Flush(15 * 1000); remaining > 0 {
		slog.Warn("kafka producer closed with undelivered audit records", "remaining", remaining)
	}
	k.producer.Close()
	return nil
}
