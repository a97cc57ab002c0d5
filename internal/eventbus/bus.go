// Package eventbus carries the relay's lifecycle signals between components:
// the dispatcher publishes routing reports and the delivery policy publishes
// terminal outcomes, without either side knowing who listens.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one signal on the bus. Topic selects the payload type carried in
// Data (a dispatch report, a delivery outcome).
//
// Publish never blocks: subscribers get buffered channels and a subscriber
// that falls behind loses events rather than stalling the dispatch path.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory bus the relay runs on. It owns no goroutines;
// Publish executes on the caller.
func New() Bus {
	return &fanout{subs: make(map[uint64]chan Event)}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next atomic.Uint64
}

// Publish delivers e to every subscriber with buffer room. Sends happen
// under the read lock and never block; unsubscribe closes its channel only
// under the write lock, so a send on a closed channel cannot occur.
func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
			// Subscriber behind; drop.
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := f.next.Add(1)

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
}
