package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	eventSubjectPrefix = "options.events"
	jobSubjectPrefix   = "options.jobs"
)

// StreamConfig defines a JetStream stream.
type StreamConfig struct {
	Name        string
	Subjects    []string
	MaxAge      time.Duration
	MaxBytes    int64
	Duplicates  time.Duration
	Replicas    int
	Description string
}

// DefaultEventsStreamConfig captures indexed events and job results.
func DefaultEventsStreamConfig() StreamConfig {
	return StreamConfig{
		Name:        "OPTIONS_EVENTS",
		Subjects:    []string{eventSubjectPrefix + ".>", jobSubjectPrefix + ".>"},
		MaxAge:      72 * time.Hour,
		MaxBytes:    5 * 1024 * 1024 * 1024,
		Duplicates:  10 * time.Minute,
		Replicas:    1,
		Description: "Indexed options protocol events and job results",
	}
}

// EnsureStream creates or updates the stream. Safe to call repeatedly.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Duplicates:  cfg.Duplicates,
		Replicas:    cfg.Replicas,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// SubjectForEvent returns options.events.<name>.
func SubjectForEvent(name string) string {
	return eventSubjectPrefix + "." + token(name)
}

// SubjectForJob returns options.jobs.<queue>.
func SubjectForJob(queue string) string {
	return jobSubjectPrefix + "." + token(queue)
}

// token strips characters NATS treats as subject separators or wildcards.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
