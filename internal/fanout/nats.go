package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	pnats "github.com/marko911/options-pulse/internal/platform/nats"
)

type jetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
	Close() error
}

// NATSPublisher publishes to JetStream subjects options.events.<name> and
// options.jobs.<queue>.
type NATSPublisher struct {
	js jetStreamPublisher
}

func NewNATSPublisher(js jetStreamPublisher) *NATSPublisher {
	return &NATSPublisher{js: js}
}

// PublishEvent uses the event id as the JetStream message id so a replayed
// log is dropped by the stream's dedup window.
func (p *NATSPublisher) PublishEvent(ctx context.Context, ev IndexedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.js.Publish(ctx, pnats.SubjectForEvent(ev.Event), data, ev.ID)
}

func (p *NATSPublisher) PublishJobResult(ctx context.Context, res JobResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	msgID := fmt.Sprintf("%s-%d-%s", res.JobID, res.Attempt, res.Status)
	return p.js.Publish(ctx, pnats.SubjectForJob(res.Queue), data, msgID)
}

func (p *NATSPublisher) Close() error { return p.js.Close() }
