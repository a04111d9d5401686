// Package fanout publishes indexed events and job results to downstream
// consumers over NATS JetStream or Kafka.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marko911/options-pulse/internal/platform/kafka"
	pnats "github.com/marko911/options-pulse/internal/platform/nats"
)

const (
	BackendNone  = "none"
	BackendNATS  = "nats"
	BackendKafka = "kafka"
)

// IndexedEvent is emitted after an event's effects commit.
type IndexedEvent struct {
	ID          string    `json:"id"` // txHash-logIndex
	Event       string    `json:"event"`
	Contract    string    `json:"contract"`
	BlockNumber uint64    `json:"blockNumber"`
	TxHash      string    `json:"txHash"`
	LogIndex    uint      `json:"logIndex"`
	Timestamp   time.Time `json:"timestamp"`
	SeriesID    string    `json:"seriesId,omitempty"`
	Account     string    `json:"account,omitempty"`
}

// JobStatus is the terminal state of one job attempt.
type JobStatus string

const (
	JobCompleted JobStatus = "completed"
	JobRetrying  JobStatus = "retrying"
	JobFailed    JobStatus = "failed"
)

// JobResult is emitted when a worker finishes an attempt.
type JobResult struct {
	JobID      string          `json:"jobId"`
	Queue      string          `json:"queue"`
	Status     JobStatus       `json:"status"`
	Attempt    int             `json:"attempt"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// Publisher delivers fanout messages.
type Publisher interface {
	PublishEvent(ctx context.Context, ev IndexedEvent) error
	PublishJobResult(ctx context.Context, res JobResult) error
	Close() error
}

// Config selects and configures the backend.
type Config struct {
	Backend      string       `yaml:"backend"`
	NATS         pnats.Config `yaml:"nats"`
	KafkaBrokers string       `yaml:"kafka_brokers"`
}

// DefaultConfig disables fanout.
func DefaultConfig() Config {
	return Config{Backend: BackendNone, NATS: pnats.DefaultConfig(), KafkaBrokers: "localhost:9092"}
}

// New connects the configured backend and makes sure its stream or topics
// exist.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Publisher, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return Nop{}, nil

	case BackendNATS:
		client, err := pnats.Connect(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		if _, err := pnats.EnsureStream(ctx, client.JetStream(), pnats.DefaultEventsStreamConfig()); err != nil {
			client.Close()
			return nil, err
		}
		return NewNATSPublisher(client), nil

	case BackendKafka:
		brokers := kafka.ParseBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, fmt.Errorf("fanout: kafka backend requires brokers")
		}
		tm, err := kafka.NewTopicManager(brokers)
		if err != nil {
			return nil, err
		}
		defer tm.Close()
		if err := tm.EnsureTopics(ctx, kafka.DefaultTopicConfigs()); err != nil {
			return nil, err
		}
		producer, err := kafka.NewProducer(brokers, "options-pulse")
		if err != nil {
			return nil, err
		}
		return NewKafkaPublisher(producer), nil

	default:
		return nil, fmt.Errorf("fanout: unknown backend %q", cfg.Backend)
	}
}

// Nop drops every message.
type Nop struct{}

func (Nop) PublishEvent(context.Context, IndexedEvent) error { return nil }
func (Nop) PublishJobResult(context.Context, JobResult) error { return nil }
func (Nop) Close() error                                      { return nil }
