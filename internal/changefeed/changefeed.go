// Package changefeed delivers row-level change notifications for the
// messages relation. Delivery is at-least-once and coalescing: an event
// that cannot be queued is dropped only while older events are still
// pending, which is safe because consumers react to any event with a
// full re-fetch rather than by applying the payload.
package changefeed

import (
	"errors"
	"sync"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

type Event struct {
	Type      EventType
	MessageID string
}

var ErrClosed = errors.New("changefeed closed")

const subscriberBuffer = 16

// Subscription is an explicitly owned handle. After Cancel returns no
// further events are delivered and Events is closed.
type Subscription struct {
	ch   chan Event
	feed *Feed
	once sync.Once
}

// Events yields change events until the subscription is cancelled or the
// feed shuts down. A closed channel without a preceding Cancel means the
// feed is gone and the consumer must treat its view as stale.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.feed.remove(s)
	})
}

type Feed struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func New() *Feed {
	return &Feed{subs: make(map[*Subscription]struct{})}
}

func (f *Feed) Subscribe() (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{
		ch:   make(chan Event, subscriberBuffer),
		feed: f,
	}
	f.subs[sub] = struct{}{}
	return sub, nil
}

// Publish fans the event out to all live subscriptions.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	for sub := range f.subs {
		select {
		case sub.ch <- ev:
		default:
			// Buffer full: older events are still queued, the
			// subscriber will re-fetch when it drains them.
		}
	}
}

// Close shuts the feed down. Subscriber channels are closed so consumers
// observe a reconnect-required condition instead of silence.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true

	for sub := range f.subs {
		close(sub.ch)
		delete(f.subs, sub)
	}
}

func (f *Feed) remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subs[sub]; !ok {
		return
	}
	delete(f.subs, sub)
	close(sub.ch)
}
