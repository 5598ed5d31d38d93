// Package bus fans out Supervisor events to any number of subscribers
// without exposing internal references — a typed, observable event bus
// (§9 design notes: "event-emitter chains modelled as channel-or-queue
// message passing with typed event records").
package bus

import (
	"log"
	"sync"

	"github.com/pm-runner/orunner/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus is the observable event bus. A REPL, a status display, or a test
// harness can each register their own tap channel via NewTap.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.EventKind][]chan types.Event
	taps        []chan types.Event
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[types.EventKind][]chan types.Event)}
}

// Publish fans out e to all subscribers of e.Kind and to every tap.
// Non-blocking: a full subscriber channel drops the event with a warning.
func (b *Bus) Publish(e types.Event) {
	b.mu.RLock()
	subs := b.subscribers[e.Kind]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for kind=%s — event dropped", e.Kind)
		}
	}

	b.mu.RLock()
	taps := b.taps
	b.mu.RUnlock()
	for _, tap := range taps {
		select {
		case tap <- e:
		default:
			log.Printf("[BUS] WARNING: tap channel full — event dropped kind=%s", e.Kind)
		}
	}
}

// Subscribe returns a receive-only channel that delivers events of kind k.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(k types.EventKind) <-chan types.Event {
	ch := make(chan types.Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[k] = append(b.subscribers[k], ch)
	b.mu.Unlock()
	return ch
}

// NewTap registers and returns a new read-only tap channel that receives
// every published event regardless of kind.
func (b *Bus) NewTap() <-chan types.Event {
	ch := make(chan types.Event, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}
