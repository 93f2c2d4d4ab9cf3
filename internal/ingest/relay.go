package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/care-matching/internal/clock"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
)

const (
	DefaultRelayInterval = 5 * time.Second
	defaultRelayBatch    = 100
)

// Outbox is the part of the store the relay drains.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
}

// Relay copies undelivered outbox events to the publisher, oldest first.
// Delivery is at least once: an event published but not yet marked is
// published again on the next flush.
type Relay struct {
	Outbox    Outbox
	Publisher Publisher
	// Topics maps an outbox topic to a broker topic; unmapped topics are used as is.
	Topics    map[string]string
	Interval  time.Duration
	BatchSize int
	Clock     clock.Clock
	Logger    *slog.Logger

	wake chan struct{}
}

func NewRelay(outbox Outbox, pub Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{Outbox: outbox, Publisher: pub, Logger: logger, wake: make(chan struct{}, 1)}
}

// Nudge asks a running relay to flush now. It never blocks.
func (r *Relay) Nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultRelayInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-r.wake:
		}
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.Logger.Warn("outbox flush stopped early", "err", err)
		}
	}
}

// Flush publishes pending events until the outbox is empty or a publish
// fails. It stops at the first failure to keep per-key order.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	batch := r.BatchSize
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	delivered := 0
	for {
		events, err := r.Outbox.PendingEvents(ctx, batch)
		if err != nil {
			return delivered, fmt.Errorf("load outbox: %w", err)
		}
		if len(events) == 0 {
			return delivered, nil
		}
		for _, ev := range events {
			topic := ev.Topic
			if mapped, ok := r.Topics[ev.Topic]; ok && mapped != "" {
				topic = mapped
			}
			if err := r.Publisher.Publish(ctx, topic, ev.Key, ev.Payload); err != nil {
				observability.OutboxErrors.Inc()
				return delivered, fmt.Errorf("publish %s: %w", ev.ID, err)
			}
			if err := r.Outbox.MarkDelivered(ctx, ev.ID, r.now()); err != nil {
				return delivered, fmt.Errorf("mark %s delivered: %w", ev.ID, err)
			}
			observability.OutboxPublished.WithLabelValues(ev.Topic).Inc()
			delivered++
		}
		if len(events) < batch {
			return delivered, nil
		}
	}
}

func (r *Relay) now() time.Time {
	if r.Clock == nil {
		return clock.Real{}.Now()
	}
	return r.Clock.Now()
}
