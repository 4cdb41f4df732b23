// internal/runtime/broadcast.go
package runtime

import (
	"sync"

	"github.com/user/turnstile/internal/types"
)

// broadcaster fans envelopes out to live subscribers. Publication never
// blocks: a subscriber that falls behind has its oldest buffered envelope
// evicted (and counted) so the newest events always land. Subscribing after
// events were published never replays them.
type broadcaster struct {
	mu       sync.Mutex
	subs     map[uint64]chan *types.Envelope
	nextID   uint64
	capacity int
	metrics  *Metrics
}

func newBroadcaster(capacity int, metrics *Metrics) *broadcaster {
	return &broadcaster{
		subs:     make(map[uint64]chan *types.Envelope),
		capacity: capacity,
		metrics:  metrics,
	}
}

// Subscribe registers a new receiver. The cancel function is idempotent.
func (b *broadcaster) Subscribe() (<-chan *types.Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *types.Envelope, b.capacity)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers one envelope to every subscriber without blocking.
func (b *broadcaster) Publish(envelope *types.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		for {
			select {
			case sub <- envelope:
			default:
				select {
				case <-sub:
					b.metrics.recordBroadcastDrop()
				default:
				}
				continue
			}
			break
		}
	}
}

// Close drops every subscriber.
func (b *broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
