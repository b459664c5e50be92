// Package presence tracks which users currently hold an active connection.
// It is the in-process equivalent of a presence broadcast channel: members
// track themselves on connect and release on disconnect, and watchers get
// join/leave events to relay.
package presence

import (
	"sort"
	"sync"

	"palaver/internal/metrics"
)

type Event struct {
	UserID string
	Online bool
}

// Membership is a scoped handle for one tracked connection. Leave is
// idempotent. A user with several connections stays online until the last
// membership is released.
type Membership struct {
	tracker *Tracker
	userID  string
	once    sync.Once
}

func (m *Membership) Leave() {
	m.once.Do(func() {
		m.tracker.leave(m.userID)
	})
}

// Watch receives membership events until cancelled.
type Watch struct {
	ch      chan Event
	tracker *Tracker
	once    sync.Once
}

func (w *Watch) Events() <-chan Event {
	return w.ch
}

func (w *Watch) Cancel() {
	w.once.Do(func() {
		w.tracker.removeWatch(w)
	})
}

type Tracker struct {
	mu      sync.RWMutex
	online  map[string]int // connection count per user
	watches map[*Watch]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		online:  make(map[string]int),
		watches: make(map[*Watch]struct{}),
	}
}

// Track marks the user online and returns the membership handle the caller
// must release on disconnect.
func (t *Tracker) Track(userID string) *Membership {
	t.mu.Lock()
	t.online[userID]++
	first := t.online[userID] == 1
	t.mu.Unlock()

	if first {
		metrics.OnlineUsers.Inc()
		t.notify(Event{UserID: userID, Online: true})
	}
	return &Membership{tracker: t, userID: userID}
}

func (t *Tracker) leave(userID string) {
	t.mu.Lock()
	count, ok := t.online[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	count--
	last := count == 0
	if last {
		delete(t.online, userID)
	} else {
		t.online[userID] = count
	}
	t.mu.Unlock()

	if last {
		metrics.OnlineUsers.Dec()
		t.notify(Event{UserID: userID, Online: false})
	}
}

// Online reports whether the user has at least one tracked connection.
func (t *Tracker) Online(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Snapshot returns the currently online user IDs, sorted.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Subscribe registers a watcher for join/leave events.
func (t *Tracker) Subscribe() *Watch {
	w := &Watch{
		ch:      make(chan Event, 64),
		tracker: t,
	}
	t.mu.Lock()
	t.watches[w] = struct{}{}
	t.mu.Unlock()
	return w
}

func (t *Tracker) removeWatch(w *Watch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.watches[w]; !ok {
		return
	}
	delete(t.watches, w)
	close(w.ch)
}

func (t *Tracker) notify(ev Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for w := range t.watches {
		select {
		case w.ch <- ev:
		default:
			// Slow watcher: drop. Watchers resync from Snapshot.
		}
	}
}
