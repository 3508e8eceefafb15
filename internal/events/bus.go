// Package events fans out state changes of the protocol layer to
// subscribers such as the UI or the composition root.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whispo/contextd/pkg/models"
)

const defaultBuffer = 64

// Bus is a non-blocking broadcast channel. Slow subscribers miss events
// rather than stall publishers. A nil *Bus discards everything.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan models.Event]struct{}
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{subs: make(map[chan models.Event]struct{}), buffer: buffer}
}

// Publish stamps e with an id and timestamp when missing and delivers it
// to every subscriber with room in its buffer.
func (b *Bus) Publish(e models.Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a receive channel and a cancel func that unsubscribes
// and closes it.
func (b *Bus) Subscribe() (<-chan models.Event, func()) {
	ch := make(chan models.Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
