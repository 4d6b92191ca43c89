package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small in-process signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers receive on buffered channels; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]sub{}}
}

type sub struct {
	ch     chan Event
	prefix string
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.prefix == "" || strings.HasPrefix(e.Type, s.prefix) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// A concurrent unsubscribe may close the channel under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, "")
}

func (b *memBus) subscribe(buffer int, prefix string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub{ch: ch, prefix: prefix}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// SubscribePrefix subscribes to events whose Type starts with prefix
// (e.g. "registrar." or "task."). Buses other than New's fall back to
// an unfiltered subscription.
func SubscribePrefix(b Bus, buffer int, prefix string) (<-chan Event, func()) {
	if mb, ok := b.(*memBus); ok {
		return mb.subscribe(buffer, prefix)
	}
	return b.Subscribe(buffer)
}

// Dropped reports how many deliveries were dropped because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

// Publish is a nil-safe helper used by components with an optional bus.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}
