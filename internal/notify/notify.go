// Package notify pushes thread change events to connected clients. Delivery
// is best-effort and at-most-once; the durable store stays the source of
// truth and clients refetch on every event.
package notify

import (
	"context"
	"time"
)

type EventKind string

const (
	EventMessage EventKind = "message"
	EventRead    EventKind = "read"
	EventStatus  EventKind = "status"
)

type Event struct {
	ThreadID string    `json:"threadId"`
	Kind     EventKind `json:"kind"`
	Seq      int64     `json:"seq,omitempty"`
	Status   string    `json:"status,omitempty"`
	At       time.Time `json:"at"`
}

type Notifier interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe streams events for one thread until ctx is done, then
	// closes the returned channel.
	Subscribe(ctx context.Context, threadID string) (<-chan Event, error)
}

func channelName(threadID string) string {
	return "parley:thread:" + threadID
}
