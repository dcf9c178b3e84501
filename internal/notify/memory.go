package notify

import (
	"context"
	"sync"
)

// MemoryBus is an in-process bus used in tests and in single-instance
// deployments without Redis.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[int]chan *Event
	next int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan *Event)}
}

func (b *MemoryBus) Publish(_ context.Context, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		// Non-blocking: a slow subscriber drops events rather than
		// stalling the pipeline. Consumers reconcile from storage.
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan *Event, func(), error) {
	ch := make(chan *Event, 64)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel, nil
}
