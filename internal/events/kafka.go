package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"detection-lab/internal/behavior"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Compression  string        `yaml:"compression"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	TLSEnabled    bool   `yaml:"tls_enabled"`
	SASLMechanism string `yaml:"sasl_mechanism"`
	SASLUsername  string `yaml:"sasl_username"`
	SASLPassword  string `yaml:"sasl_password"`
}

// DefaultKafkaConfig returns the disabled sink configuration.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "lab-thoughts",
		Compression:  "lz4",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c KafkaConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("events: at least one kafka broker is required")
	}
	if c.Topic == "" {
		return errors.New("events: kafka topic is required")
	}
	switch c.SASLMechanism {
	case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
	default:
		return fmt.Errorf("events: invalid SASL mechanism: %s", c.SASLMechanism)
	}
	return nil
}

func (c KafkaConfig) compression() kafka.Compression {
	switch c.Compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

func (c KafkaConfig) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	}
	return nil, fmt.Errorf("events: invalid SASL mechanism: %s", c.SASLMechanism)
}

// messageWriter is the kafka-go writer surface the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes entries keyed by job id, so one job stays ordered
// within a partition.
type KafkaSink struct {
	writer messageWriter
	cfg    KafkaConfig
	logger *slog.Logger
	closed atomic.Bool

	produced atomic.Int64
	errors   atomic.Int64
	retries  atomic.Int64
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	mechanism, err := cfg.saslMechanism()
	if err != nil {
		return nil, err
	}
	transport := &kafka.Transport{SASL: mechanism}
	if cfg.TLSEnabled {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	logger = logger.With("component", "kafka-sink")
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Compression:  cfg.compression(),
		Transport:    transport,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}

	logger.Info("kafka sink initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return newKafkaSink(writer, cfg, logger), nil
}

func newKafkaSink(w messageWriter, cfg KafkaConfig, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{writer: w, cfg: cfg, logger: logger}
}

// Emit implements Sink with bounded exponential retry.
func (k *KafkaSink) Emit(ctx context.Context, log behavior.ThoughtLog) error {
	if k.closed.Load() {
		return ErrSinkClosed
	}
	value, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("events: failed to encode entry: %w", err)
	}
	msg := kafka.Message{Key: []byte(log.UUID), Value: value, Time: time.Now()}

	backoff := k.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= k.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			k.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}
		if lastErr = k.writer.WriteMessages(ctx, msg); lastErr == nil {
			k.produced.Add(1)
			return nil
		}
		k.errors.Add(1)
		if isNonRetryable(lastErr) {
			return fmt.Errorf("events: non-retryable kafka error: %w", lastErr)
		}
		k.logger.Warn("kafka produce failed", "error", lastErr, "attempt", attempt+1)
	}
	return fmt.Errorf("events: kafka produce failed after %d attempts: %w", k.cfg.MaxRetries+1, lastErr)
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	if k.closed.Swap(true) {
		return nil
	}
	k.logger.Info("closing kafka sink", "produced", k.produced.Load())
	return k.writer.Close()
}

// KafkaMetrics is a snapshot of sink counters.
type KafkaMetrics struct {
	Produced int64 `json:"produced"`
	Errors   int64 `json:"errors"`
	Retries  int64 `json:"retries"`
}

// Metrics returns the sink counters.
func (k *KafkaSink) Metrics() KafkaMetrics {
	return KafkaMetrics{Produced: k.produced.Load(), Errors: k.errors.Load(), Retries: k.retries.Load()}
}

func isNonRetryable(err error) bool {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidTopic),
		errors.Is(err, kafka.TopicAuthorizationFailed),
		errors.Is(err, kafka.ClusterAuthorizationFailed):
		return true
	}
	return false
}
