package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before event arrived")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestRedisNotifierDeliversToThreadSubscribers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	notifier := NewRedisNotifier(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := notifier.Subscribe(ctx, "thr_1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := notifier.Publish(ctx, Event{ThreadID: "thr_2", Kind: EventMessage, Seq: 9}); err != nil {
		t.Fatalf("publish other thread: %v", err)
	}
	if err := notifier.Publish(ctx, Event{ThreadID: "thr_1", Kind: EventMessage, Seq: 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	event := receive(t, events)
	if event.ThreadID != "thr_1" || event.Seq != 3 || event.Kind != EventMessage {
		t.Fatalf("unexpected event: %+v", event)
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected channel to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRedisNotifierPublishFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	err := NewRedisNotifier(client).Publish(context.Background(), Event{ThreadID: "thr_1", Kind: EventStatus})
	if err == nil {
		t.Fatal("expected publish error with redis down")
	}
}

func TestLocalNotifierFanOutAndUnsubscribe(t *testing.T) {
	notifier := NewLocalNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	first, _ := notifier.Subscribe(ctx, "thr_1")
	second, _ := notifier.Subscribe(context.Background(), "thr_1")

	_ = notifier.Publish(context.Background(), Event{ThreadID: "thr_1", Kind: EventRead})
	if receive(t, first).Kind != EventRead || receive(t, second).Kind != EventRead {
		t.Fatal("both subscribers should see the event")
	}

	cancel()
	for range first {
	}
	_ = notifier.Publish(context.Background(), Event{ThreadID: "thr_1", Kind: EventStatus})
	if receive(t, second).Kind != EventStatus {
		t.Fatal("remaining subscriber should still receive events")
	}
}
