package events

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

type subscriber struct {
	ch     chan Event
	filter Filter
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	buffer int
}

// NewMemoryBus creates a MemoryBus whose subscriber channels hold buffer
// events. A non-positive buffer uses the default.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MemoryBus{subs: make(map[uint64]*subscriber), buffer: buffer}
}

// Publish delivers e to every matching subscriber without blocking.
func (b *MemoryBus) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber. The channel is closed on cancel.
func (b *MemoryBus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	id := b.seq.Add(1)
	sub := &subscriber{ch: make(chan Event, b.buffer), filter: filter}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

var _ Bus = (*MemoryBus)(nil)
