package mq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	headerID        = "x-message-id"
	headerTimestamp = "x-message-ts"
)

// KafkaConfig defines configuration for the Kafka producer.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientId"`

	// Producer settings
	RequiredAcks kafka.RequiredAcks `yaml:"requiredAcks"`
	BatchSize    int                `yaml:"batchSize"`
	BatchTimeout time.Duration      `yaml:"batchTimeout"`

	// Dialer settings
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// KafkaProducer implements Producer using kafka-go.
type KafkaProducer struct {
	config KafkaConfig
	writer *kafka.Writer
}

// NewKafkaProducer creates a Kafka-backed producer.
func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	cfg.Brokers = BrokerAddrs(cfg.Brokers)
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: cfg.RequiredAcks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// The lifecycle topic is created on first publish in dev setups.
		AllowAutoTopicCreation: true,
	}

	return &KafkaProducer{config: cfg, writer: writer}, nil
}

// Publish publishes a message to the specified topic.
func (k *KafkaProducer) Publish(ctx context.Context, topic string, message *Message) error {
	return k.PublishBatch(ctx, topic, []*Message{message})
}

// PublishBatch publishes multiple messages in a batch.
func (k *KafkaProducer) PublishBatch(ctx context.Context, topic string, messages []*Message) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if len(messages) == 0 {
		return nil
	}

	kafkaMessages := make([]kafka.Message, 0, len(messages))
	for _, message := range messages {
		if message == nil {
			continue
		}
		kafkaMessages = append(kafkaMessages, toKafkaMessage(topic, message))
	}
	if len(kafkaMessages) == 0 {
		return nil
	}

	if err := k.writer.WriteMessages(ctx, kafkaMessages...); err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}

// Ping verifies at least one broker is reachable.
func (k *KafkaProducer) Ping(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: k.config.DialTimeout, ClientID: k.config.ClientID}
	var lastErr error
	for _, broker := range k.config.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("kafka ping failed: %w", lastErr)
	}
	return errors.New("no brokers configured")
}

// Close closes the underlying writer.
func (k *KafkaProducer) Close() error {
	return k.writer.Close()
}

func toKafkaMessage(topic string, message *Message) kafka.Message {
	timestamp := message.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	headers := make([]kafka.Header, 0, len(message.Headers)+2)
	if message.ID != "" {
		headers = append(headers, kafka.Header{Key: headerID, Value: []byte(message.ID)})
	}
	headers = append(headers, kafka.Header{
		Key:   headerTimestamp,
		Value: []byte(strconv.FormatInt(timestamp.UnixMilli(), 10)),
	})
	for key, value := range message.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(message.Key),
		Value:   message.Body,
		Headers: headers,
		Time:    timestamp,
	}
}

// BrokerAddrs normalizes broker host:port pairs, applying the default Kafka port.
func BrokerAddrs(brokers []string) []string {
	normalized := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if _, _, err := net.SplitHostPort(broker); err != nil {
			broker = net.JoinHostPort(broker, "9092")
		}
		normalized = append(normalized, broker)
	}
	return normalized
}
