package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig names the brokers and topic shared by publishers and the
// worker consumer group.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

var _ Publisher = (*KafkaPublisher)(nil)

type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher writes synchronously with acks from all in-sync replicas.
// Messages are partitioned by key hash.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Logger:                 debugLogger(logger),
		ErrorLogger:            errorLogger(logger),
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, m Message) error {
	if err := p.writer.WriteMessages(ctx, toKafka(m)); err != nil {
		return fmt.Errorf("queue: publish to %s: %w", p.writer.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ Consumer = (*KafkaConsumer)(nil)

type KafkaConsumer struct {
	reader *kafka.Reader
}

// NewKafkaConsumer joins the consumer group. Offsets are committed
// synchronously on Ack.
func NewKafkaConsumer(cfg KafkaConfig, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		Logger:      debugLogger(logger),
		ErrorLogger: errorLogger(logger),
	})}
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (Delivery, error) {
	km, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Delivery{}, ErrClosed
		}
		return Delivery{}, err
	}
	return Delivery{
		Message: fromKafka(km),
		ack: func(ctx context.Context) error {
			return c.reader.CommitMessages(ctx, km)
		},
	}, nil
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

func toKafka(m Message) kafka.Message {
	km := kafka.Message{Key: []byte(m.Key), Value: m.Value}
	for k, v := range m.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

func fromKafka(km kafka.Message) Message {
	m := Message{Key: string(km.Key), Value: km.Value}
	if len(km.Headers) > 0 {
		m.Headers = make(map[string]string, len(km.Headers))
		for _, h := range km.Headers {
			m.Headers[h.Key] = string(h.Value)
		}
	}
	return m
}

func debugLogger(l *slog.Logger) kafka.Logger {
	return kafka.LoggerFunc(func(msg string, args ...any) {
		l.Debug(fmt.Sprintf(msg, args...), "component", "kafka")
	})
}

func errorLogger(l *slog.Logger) kafka.Logger {
	return kafka.LoggerFunc(func(msg string, args ...any) {
		l.Error(fmt.Sprintf(msg, args...), "component", "kafka")
	})
}
