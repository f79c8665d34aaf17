// Package eventbus fans relay events (inbound recorded, claim won, broadcast
// finished, ...) out to in-process subscribers. Publish never blocks; a slow
// subscriber loses events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	InboundRecorded   = "inbound.recorded"
	ClaimWon          = "claim.won"
	ClaimLost         = "claim.lost"
	BroadcastFinished = "broadcast.finished"
	ReplySent         = "reply.sent"
	ReplyFailed       = "reply.failed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Nop is a Bus that drops everything. Handy for tests and optional wiring.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped reports events lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
