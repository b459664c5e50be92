// Package feed maintains an ordered, de-duplicated view of the room's
// message history for one active session and mediates message submission.
//
// The reconciliation model is coarse: any change event, and a periodic
// safety-net tick, triggers a full ordered re-fetch rather than patching
// the view from event payloads. Correctness comes from the re-fetch; the
// events are only invalidation signals. Overlapping re-fetches are allowed
// and serialized by a sequence number so a stale completion never
// overwrites a newer view.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"palaver/internal/changefeed"
	"palaver/internal/metrics"
	"palaver/internal/models"

	"golang.org/x/time/rate"
)

const DefaultRefreshInterval = time.Second

// Store is the slice of the backing store the feed needs.
type Store interface {
	ListMessages() ([]models.Message, error)
	InsertMessage(senderID, content string, isImage bool) (models.Message, error)
}

type Config struct {
	Store  Store
	Events *changefeed.Feed

	// UserID is the authenticated session identity messages are
	// attributed to. Empty means no active session.
	UserID string

	RefreshInterval time.Duration

	// SendsPerSecond bounds the send path; zero disables limiting.
	SendsPerSecond float64
}

// Handler receives feed callbacks. Callbacks are invoked sequentially from
// a single goroutine; none are invoked after Close returns.
type Handler struct {
	// OnChange delivers the refreshed ordered view.
	OnChange func(view []models.Message)

	// OnStale signals that the change feed shut down and no further
	// invalidation signals will arrive; the holder must reconnect.
	OnStale func()
}

type Feed struct {
	store   Store
	events  *changefeed.Feed
	userID  string
	limiter *rate.Limiter

	refreshInterval time.Duration

	mu          sync.Mutex
	view        []models.Message
	lastApplied uint64
	nextSeq     uint64

	started bool
	closed  bool
	sub     *changefeed.Subscription
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds the feed for an authenticated session.
func New(cfg Config) (*Feed, error) {
	if cfg.Store == nil {
		return nil, errors.New("feed: store is required")
	}
	if cfg.UserID == "" {
		return nil, models.ErrUnauthorized
	}

	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}

	var limiter *rate.Limiter
	if cfg.SendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), int(cfg.SendsPerSecond)+1)
	}

	return &Feed{
		store:           cfg.Store,
		events:          cfg.Events,
		userID:          cfg.UserID,
		limiter:         limiter,
		refreshInterval: refreshInterval,
		stop:            make(chan struct{}),
	}, nil
}

// History performs a full ordered fetch, applies it to the local view and
// returns it. An empty history is valid.
func (f *Feed) History(ctx context.Context) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	view, err := f.refresh()
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Snapshot returns the current local ordered view without fetching.
func (f *Feed) Snapshot() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.view...)
}

// Send validates and submits one message attributed to the session user.
// Validation failures happen before any store call and leave the local
// view untouched. The send does not append optimistically: the
// authoritative copy arrives through the change feed or the periodic
// refresh, for the sender as for everyone else.
func (f *Feed) Send(ctx context.Context, content string, isImage bool) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return models.Message{}, fmt.Errorf("%w: message is empty", models.ErrValidation)
	}
	if !isImage && utf8.RuneCountInString(trimmed) > models.MaxMessageLength {
		return models.Message{}, fmt.Errorf("%w: message exceeds %d characters", models.ErrValidation, models.MaxMessageLength)
	}
	if f.limiter != nil && !f.limiter.Allow() {
		return models.Message{}, fmt.Errorf("%w: sending too fast", models.ErrValidation)
	}

	msg, err := f.store.InsertMessage(f.userID, trimmed, isImage)
	if err != nil {
		return models.Message{}, err
	}
	metrics.MessagesSent.Inc()
	return msg, nil
}

// Start subscribes to the change feed and begins the refresh loop. The
// subscription and the ticker are released by Close.
func (f *Feed) Start(h Handler) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("feed: closed")
	}
	if f.started {
		f.mu.Unlock()
		return errors.New("feed: already started")
	}
	f.started = true
	f.mu.Unlock()

	var events <-chan changefeed.Event
	if f.events != nil {
		sub, err := f.events.Subscribe()
		if err != nil {
			return fmt.Errorf("feed: %w", err)
		}
		f.mu.Lock()
		f.sub = sub
		f.mu.Unlock()
		events = sub.Events()
	}

	f.wg.Add(1)
	go f.run(events, h)
	return nil
}

func (f *Feed) run(events <-chan changefeed.Event, h Handler) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.refreshInterval)
	defer ticker.Stop()

	deliver := func() {
		view, err := f.refresh()
		if err != nil {
			slog.Error("feed refresh failed", "user_id", f.userID, "error", err)
			return
		}
		if view == nil {
			return // stale completion, a newer view is already out
		}
		if h.OnChange != nil {
			h.OnChange(view)
		}
	}

	for {
		select {
		case _, ok := <-events:
			if !ok {
				// Change feed shut down. Without invalidation
				// signals the view can only go stale. Cancelling
				// our own subscription via Close is not staleness.
				f.mu.Lock()
				closed := f.closed
				f.mu.Unlock()
				if !closed && h.OnStale != nil {
					h.OnStale()
				}
				return
			}
			deliver()
		case <-ticker.C:
			deliver()
		case <-f.stop:
			return
		}
	}
}

// refresh re-fetches the full history and applies it unless a newer
// refresh already completed. It returns nil with no error for a discarded
// stale completion.
func (f *Feed) refresh() ([]models.Message, error) {
	f.mu.Lock()
	f.nextSeq++
	seq := f.nextSeq
	f.mu.Unlock()

	metrics.RefreshesRun.Inc()
	messages, err := f.store.ListMessages()
	if err != nil {
		metrics.RefreshErrors.Inc()
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if seq <= f.lastApplied {
		metrics.StaleRefreshes.Inc()
		return nil, nil
	}
	f.lastApplied = seq
	f.view = messages
	return append([]models.Message(nil), f.view...), nil
}

// Close cancels the change-feed subscription and stops the refresh loop.
// When it returns, no further Handler callbacks will be invoked. Close
// must not be called from inside a callback.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	sub := f.sub
	started := f.started
	f.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	close(f.stop)
	if started {
		f.wg.Wait()
	}
}

// GroupStarts reports, for each message of an ordered view, whether it
// opens a new visual group: the first message overall, or any message
// whose sender differs from its predecessor.
func GroupStarts(view []models.Message) []bool {
	starts := make([]bool, len(view))
	for i := range view {
		starts[i] = i == 0 || view[i].SenderID != view[i-1].SenderID
	}
	return starts
}
