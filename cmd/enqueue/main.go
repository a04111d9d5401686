// Command enqueue adds a job to one of the queues.
//
// Usage:
//
//	enqueue -queue iv-update -payload '{"seriesId":"0x…","iv":"500000000000000000"}'
//	enqueue -queue settlement -payload '{"seriesId":"0x…"}' -dedup 0x…
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/marko911/options-pulse/internal/config"
	"github.com/marko911/options-pulse/internal/queue"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to configuration file")
	queueName := flag.String("queue", "", "target queue ("+strings.Join(queue.Names, ", ")+")")
	payload := flag.String("payload", "", "job payload as JSON")
	dedup := flag.String("dedup", "", "dedup key")
	attempts := flag.Int("attempts", 0, "max attempts (0 = queue default)")
	delay := flag.Duration("delay", 0, "delay before the job becomes available")
	flag.Parse()

	if err := enqueue(*configPath, *queueName, *payload, queue.EnqueueOptions{
		DedupKey: *dedup,
		Attempts: *attempts,
		Delay:    *delay,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func enqueue(configPath, queueName, payload string, opts queue.EnqueueOptions) error {
	if !queue.Known(queueName) {
		return fmt.Errorf("unknown queue %q (known: %s)", queueName, strings.Join(queue.Names, ", "))
	}
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	q, err := queue.NewRedis(cfg.Queue)
	if err != nil {
		return err
	}
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := q.Enqueue(ctx, queueName, json.RawMessage(payload), opts)
	if err != nil {
		return err
	}
	if res.Deduplicated {
		fmt.Printf("Job already pending: %s\n", res.JobID)
		return nil
	}
	fmt.Printf("Enqueued %s job %s\n", queueName, res.JobID)
	return nil
}
