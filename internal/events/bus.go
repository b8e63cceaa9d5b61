// Package events carries the execution core's lifecycle notifications.
// Publishers never wait on a listener: a subscriber that falls behind
// its buffer loses messages, and the loss is logged and counted instead
// of back-pressuring the trading path.
package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Bus fans lifecycle events out to in-process subscribers.
type Bus struct {
	logger  *zap.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	nextID uint64
	subs   map[Event]map[uint64]chan any
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, subs: make(map[Event]map[uint64]chan any)}
}

// Subscribe registers a listener for one event. The buffer bounds how
// far the listener may lag before deliveries are lost. The returned
// stop function closes the channel and may be called more than once.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan any, buffer)
	if b.subs[e] == nil {
		b.subs[e] = make(map[uint64]chan any)
	}
	b.subs[e][id] = ch

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[e], id)
			close(ch)
		})
	}
	return ch, unsub
}

// Publish delivers the payload to every subscriber of the event. A full
// subscriber buffer forfeits that copy.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber lagging",
				zap.String("event", string(e)))
		}
	}
}

// Dropped reports how many deliveries have been lost to lagging
// subscribers since the bus was built.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
