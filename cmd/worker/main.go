// Package main is the entry point for the fhirtx background worker.
// It relays durably-written outbox events and moves exhausted outbox
// messages to the dead letter queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fhirtx/internal/infrastructure/storage/postgres"
	"fhirtx/pkg/logger"
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting fhirtx worker")

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(mustEnv("DATABASE_URL")))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	relay := postgres.NewOutboxRelay(pool.Unwrap(), 100, noopHandler{log: log})

	worker := &Worker{pool: pool, relay: relay, log: log.WithComponent("worker")}

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()
	<-done
	log.Info("worker stopped")
}

// Worker periodically relays outbox events and prunes stale data.
type Worker struct {
	pool  *postgres.Pool
	relay *postgres.OutboxRelay
	log   *logger.Logger
}

// Run drives the relay and cleanup loops until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	relayTicker := time.NewTicker(500 * time.Millisecond)
	defer relayTicker.Stop()

	dlqTicker := time.NewTicker(time.Hour)
	defer dlqTicker.Stop()

	statsTicker := time.NewTicker(5 * time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-relayTicker.C:
			w.processOutbox(ctx)
		case <-dlqTicker.C:
			w.moveToDLQ(ctx)
		case <-statsTicker.C:
			postgres.LogPoolStats(ctx, w.pool.Unwrap())
		}
	}
}

func (w *Worker) processOutbox(ctx context.Context) {
	n, err := w.relay.ProcessBatch(ctx)
	if err != nil {
		w.log.Debugw("outbox relay batch failed", "error", err)
		return
	}
	if n > 0 {
		w.log.Debugw("relayed outbox batch", "count", n)
	}
}

func (w *Worker) moveToDLQ(ctx context.Context) {
	n, err := w.relay.MoveToDLQ(ctx)
	if err != nil {
		w.log.Errorw("move to DLQ failed", "error", err)
		return
	}
	if n > 0 {
		w.log.Infow("moved exhausted outbox messages to DLQ", "count", n)
	}
}

// noopHandler logs outbox messages instead of dispatching to a message
// broker; replacing it with a real publisher is outside this layer's scope.
type noopHandler struct {
	log *logger.Logger
}

func (h noopHandler) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	h.log.Debugw("outbox event", "aggregate_type", msg.AggregateType, "event_type", msg.EventType, "aggregate_id", msg.AggregateID)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}
