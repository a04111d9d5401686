package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marko911/options-pulse/internal/platform/kafka"
)

type producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
	Close()
}

// KafkaPublisher writes events keyed by series id (falling back to the event
// id) and job results keyed by job id.
type KafkaPublisher struct {
	p producer
}

func NewKafkaPublisher(p producer) *KafkaPublisher {
	return &KafkaPublisher{p: p}
}

func (k *KafkaPublisher) PublishEvent(ctx context.Context, ev IndexedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := ev.SeriesID
	if key == "" {
		key = ev.ID
	}
	return k.p.Produce(ctx, kafka.EventsTopic, []byte(key), data)
}

func (k *KafkaPublisher) PublishJobResult(ctx context.Context, res JobResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	return k.p.Produce(ctx, kafka.JobsTopic, []byte(res.JobID), data)
}

func (k *KafkaPublisher) Close() error {
	k.p.Close()
	return nil
}
