// Package kafka manages the topics and producer used for event fanout over
// Kafka or Redpanda.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	EventsTopic = "options-events"
	JobsTopic   = "options-jobs"
)

// TopicConfig defines a Kafka topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	RetentionMs       int64
	CleanupPolicy     string
}

// DefaultTopicConfigs returns the fanout topics.
func DefaultTopicConfigs() []TopicConfig {
	return []TopicConfig{
		{
			Name:              EventsTopic,
			Partitions:        12,
			ReplicationFactor: 1,
			RetentionMs:       7 * 24 * 60 * 60 * 1000,
			CleanupPolicy:     "delete",
		},
		{
			Name:              JobsTopic,
			Partitions:        6,
			ReplicationFactor: 1,
			RetentionMs:       3 * 24 * 60 * 60 * 1000,
			CleanupPolicy:     "delete",
		},
	}
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// TopicManager creates fanout topics.
type TopicManager struct {
	admin *kadm.Client
}

// NewTopicManager creates a TopicManager for the given brokers.
func NewTopicManager(brokers []string) (*TopicManager, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &TopicManager{admin: kadm.NewClient(client)}, nil
}

// EnsureTopics creates any topic in configs that does not exist yet.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, cfg := range configs {
		if existing.Has(cfg.Name) {
			continue
		}
		if err := m.createTopic(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (m *TopicManager) createTopic(ctx context.Context, cfg TopicConfig) error {
	retention := strconv.FormatInt(cfg.RetentionMs, 10)
	cleanup := cfg.CleanupPolicy
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   &retention,
			"cleanup.policy": &cleanup,
		},
		cfg.Name,
	)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Name, err)
	}
	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Close releases the admin client.
func (m *TopicManager) Close() {
	m.admin.Close()
}
