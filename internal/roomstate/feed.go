package roomstate

import (
	"context"
	"errors"
	"sync"
)

// Feed fans room-state events out to interested subscribers. The in-memory
// implementation serves single-process deployments and tests; the Redis
// implementation bridges events between nodes.
type Feed interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription represents an active event stream. Close is idempotent.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryFeed initialises an in-memory fan-out feed.
func NewMemoryFeed(buffer int) Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryFeed{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryFeed struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (f *memoryFeed) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Never block on a slow consumer; queue a lag marker in
			// place of the lost event so the consumer knows to
			// rebuild from the store.
			markLagged(sub.ch)
		}
	}
	return nil
}

// markLagged makes room for an EventFeedLagged marker by discarding queued
// events until it fits. The marker forces a full rebuild downstream, so the
// discarded events carry no state the consumer will miss.
func markLagged(ch chan Event) {
	for {
		select {
		case ch <- Event{Type: EventFeedLagged}:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (f *memoryFeed) Subscribe() Subscription {
	sub := &memorySubscription{
		feed: f,
		ch:   make(chan Event, f.buffer),
	}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once sync.Once
	feed *memoryFeed
	ch   chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
		close(s.ch)
	})
}
