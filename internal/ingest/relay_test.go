package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/example/care-matching/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memOutbox struct {
	mu     sync.Mutex
	events []models.OutboxEvent
}

func (o *memOutbox) add(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("e%d", len(o.events)+1)
		o.events = append(o.events, models.OutboxEvent{ID: id, Topic: models.TopicBookingRequested, Key: "r-" + id, Payload: []byte(`{}`)})
	}
}

func (o *memOutbox) PendingEvents(_ context.Context, limit int) ([]models.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []models.OutboxEvent
	for _, e := range o.events {
		if e.DeliveredAt == nil {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o *memOutbox) MarkDelivered(_ context.Context, id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.events {
		if o.events[i].ID == id {
			o.events[i].DeliveredAt = &at
		}
	}
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	sent   []string
	topics []string
	failOn string
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key == p.failOn {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, key)
	p.topics = append(p.topics, topic)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestFlushDrainsInBatches(t *testing.T) {
	ob := &memOutbox{}
	ob.add(7)
	pub := &fakePublisher{}
	r := NewRelay(ob, pub, nil)
	r.BatchSize = 3
	r.Topics = map[string]string{models.TopicBookingRequested: "care.booking-requested"}

	n, err := r.Flush(context.Background())
	if err != nil || n != 7 {
		t.Fatalf("flush: n=%d err=%v", n, err)
	}
	if pub.sent[0] != "r-e1" || pub.sent[6] != "r-e7" {
		t.Fatalf("order not preserved: %v", pub.sent)
	}
	if pub.topics[0] != "care.booking-requested" {
		t.Fatalf("topic not mapped: %s", pub.topics[0])
	}
	left, _ := ob.PendingEvents(context.Background(), 10)
	if len(left) != 0 {
		t.Fatalf("expected outbox drained, %d left", len(left))
	}
}

func TestFlushStopsAtFirstFailure(t *testing.T) {
	ob := &memOutbox{}
	ob.add(3)
	pub := &fakePublisher{failOn: "r-e2"}
	r := NewRelay(ob, pub, nil)

	n, err := r.Flush(context.Background())
	if err == nil || n != 1 {
		t.Fatalf("expected failure after one event, n=%d err=%v", n, err)
	}
	left, _ := ob.PendingEvents(context.Background(), 10)
	if len(left) != 2 || left[0].ID != "e2" {
		t.Fatalf("unexpected remaining %v", left)
	}

	pub.failOn = ""
	if n, err := r.Flush(context.Background()); err != nil || n != 2 {
		t.Fatalf("retry: n=%d err=%v", n, err)
	}
}

func TestNudgeWakesRunningRelay(t *testing.T) {
	ob := &memOutbox{}
	pub := &fakePublisher{}
	r := NewRelay(ob, pub, nil)
	r.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	ob.add(2)
	r.Nudge()
	r.Nudge()
	deadline := time.Now().Add(time.Second)
	for pub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pub.count() != 2 {
		t.Fatalf("nudge did not flush, sent %d", pub.count())
	}
	cancel()
	<-done
}
