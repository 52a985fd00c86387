package natsjs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/mail-harvester/internal/logger"
	"github.com/Martian-dev/mail-harvester/internal/store"
)

// Outbox is the store side of the dispatcher.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// EventPublisher publishes one event with a deduplication id.
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher moves outbox rows to JetStream.
type Dispatcher struct {
	Outbox       Outbox
	Publisher    EventPublisher
	BatchSize    int
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

func (d *Dispatcher) batchSize() int {
	if d.BatchSize <= 0 {
		return 100
	}
	return d.BatchSize
}

func (d *Dispatcher) retryBackoff() time.Duration {
	if d.RetryBackoff <= 0 {
		return 10 * time.Second
	}
	return d.RetryBackoff
}

// DispatchOnce publishes one batch of due outbox rows and returns how many
// were published. Rows that fail to publish are rescheduled.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	log := logger.OrNop(d.Logger)

	messages, err := d.Outbox.DequeueOutbox(ctx, d.batchSize())
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range messages {
		if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.Warn("publish failed", zap.Int64("outbox_id", msg.ID), zap.Int("retries", msg.Retries), zap.Error(err))
			if err := d.Outbox.MarkOutboxRetry(ctx, msg.ID, d.retryBackoff()); err != nil {
				log.Error("failed to reschedule outbox row", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
			continue
		}

		if err := d.Outbox.MarkPublished(ctx, msg.ID); err != nil {
			log.Error("failed to mark outbox row published", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			continue
		}
		published++
	}
	return published, nil
}

// Run dispatches until ctx is cancelled, sleeping when the outbox is empty.
func (d *Dispatcher) Run(ctx context.Context) {
	log := logger.OrNop(d.Logger)

	for {
		n, err := d.DispatchOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Error("error dequeuing outbox", zap.Error(err))
			wait = time.Second
		case n == 0:
			wait = 500 * time.Millisecond
		}

		if wait == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
