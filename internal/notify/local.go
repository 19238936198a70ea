package notify

import (
	"context"
	"sync"
)

// LocalNotifier delivers events to subscribers in this process only. It is
// used when no Redis is configured.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: map[string]map[chan Event]struct{}{}}
}

func (n *LocalNotifier) Publish(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[event.ThreadID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Subscribe(ctx context.Context, threadID string) (<-chan Event, error) {
	ch := make(chan Event, 16)
	n.mu.Lock()
	if n.subs[threadID] == nil {
		n.subs[threadID] = map[chan Event]struct{}{}
	}
	n.subs[threadID][ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs[threadID], ch)
		if len(n.subs[threadID]) == 0 {
			delete(n.subs, threadID)
		}
		n.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
