package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Kafka publishes jobs keyed by template id so one template stays on one partition.
type Kafka struct {
	writer kafkaWriter
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: batch,
	}
	return &Kafka{writer: w}, nil
}

func (k *Kafka) Enqueue(ctx context.Context, job Job) (string, error) {
	if k == nil || k.writer == nil {
		return "", fmt.Errorf("%w: kafka writer not initialized", ErrEnqueueFailed)
	}
	id := assignID(&job)
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("%w: encode job: %w", ErrEnqueueFailed, err)
	}
	msg := kafka.Message{
		Key:   []byte(job.TemplateID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(id)},
			{Key: "priority", Value: []byte(strconv.Itoa(job.Priority))},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("%w: kafka write: %w", ErrEnqueueFailed, err)
	}
	return id, nil
}

func (k *Kafka) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
