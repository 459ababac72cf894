package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

// ChangeFeed fans row changes out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the change.
type ChangeFeed struct {
	mu     sync.Mutex
	subs   map[int]chan core.ChangeEvent
	nextID int
}

// NewChangeFeed creates an empty feed
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subs: make(map[int]chan core.ChangeEvent)}
}

// Subscribe returns a channel of changes that is closed when ctx ends
func (f *ChangeFeed) Subscribe(ctx context.Context, buffer int) <-chan core.ChangeEvent {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan core.ChangeEvent, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

// Publish delivers ev to every subscriber
func (f *ChangeFeed) Publish(ev core.ChangeEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			logging.WithField("table", ev.Table).Warn("change feed subscriber is full, dropping %s", ev.Operation)
		}
	}
}

// Subscribers returns the current subscriber count
func (f *ChangeFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
