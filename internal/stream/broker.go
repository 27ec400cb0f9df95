package stream

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 64

// Broker fans events out to in-process subscribers of a thread. Slow
// subscribers lose events rather than block the publisher.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{}), buffer: defaultSubscriberBuffer}
}

func (b *Broker) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.ThreadID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber; the channel closes when ctx ends.
func (b *Broker) Subscribe(ctx context.Context, threadID string) (<-chan Event, error) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	if b.subs[threadID] == nil {
		b.subs[threadID] = make(map[chan Event]struct{})
	}
	b.subs[threadID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[threadID], ch)
		if len(b.subs[threadID]) == 0 {
			delete(b.subs, threadID)
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Subscribers returns the number of live subscribers for threadID.
func (b *Broker) Subscribers(threadID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[threadID])
}
