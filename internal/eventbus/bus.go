// Package eventbus carries relaybot's pipeline signals (album flushes, job
// enqueues, delivery outcomes) between components that must not know about
// each other.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pipeline event types published by the forwarding core.
const (
	EventAlbumFlushed       = "album.flushed"
	EventAlbumDiscarded     = "album.discarded"
	EventJobEnqueued        = "job.enqueued"
	EventEnqueueFailed      = "job.enqueue_failed"
	EventDeliverySent       = "delivery.sent"
	EventDeliveryFailed     = "delivery.failed"
	EventDeliverySkipped    = "delivery.skipped"
	EventDeliverySuppressed = "delivery.suppressed"
	EventUnreachableMarked  = "recipient.unreachable"
)

// Event is one pipeline signal. Data is a small JSON-serializable payload
// owned by the publishing package (album.AlbumEvent, delivery.Event, ...).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: the hot paths
// (aggregator flush, delivery workers) must not stall on a slow observer, so
// a subscriber whose buffer is full misses the event instead.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-process fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot under the read lock, send outside it: a publisher never waits
	// on another publisher's sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close the channel under us; the send
		// panic is recovered and counts as a drop.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Safe because Publish recovers from sends on a closed channel.
			close(ch)
		})
	}
	return ch, unsub
}
