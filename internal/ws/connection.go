package ws

import (
	"context"
	"errors"
	"sync"

	"palaver/internal/auth"
	"palaver/internal/feed"
	"palaver/internal/models"
	"palaver/internal/notify"
	"palaver/internal/presence"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// Connection ties one websocket to its session-scoped feed and presence
// membership. All of those are handles acquired in Handle and released on
// teardown; a dropped connection never leaks a standing listener.
type Connection struct {
	ws       wsConnection
	feed     *feed.Feed
	tracker  *presence.Tracker
	notifier *notify.Notifier
	claims   auth.Claims

	fromClient chan models.ClientMessage
	outbound   chan models.ServerMessage
	errorCh    chan error
}

func NewConnection(
	ws wsConnection,
	fd *feed.Feed,
	tracker *presence.Tracker,
	notifier *notify.Notifier,
	claims auth.Claims,
) *Connection {
	return &Connection{
		ws:         ws,
		feed:       fd,
		tracker:    tracker,
		notifier:   notifier,
		claims:     claims,
		fromClient: make(chan models.ClientMessage),
		outbound:   make(chan models.ServerMessage, 16),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	membership := c.tracker.Track(c.claims.Subject)
	defer membership.Leave()

	watch := c.tracker.Subscribe()
	defer watch.Cancel()

	defer c.feed.Close()
	err := c.feed.Start(feed.Handler{
		OnChange: func(view []models.Message) {
			c.push(models.ServerMessage{
				Type:     models.ServerMessageTypeMessages,
				Messages: view,
			})
		},
		OnStale: func() {
			c.push(models.ServerMessage{
				Type:  models.ServerMessageTypeError,
				Error: "change feed lost, reconnect required",
			})
			cancel()
		},
	})
	if err != nil {
		return err
	}

	// Initial state: full history plus the current online set.
	history, err := c.feed.History(ctx)
	if err != nil {
		return err
	}
	if err := c.ws.WriteJSON(models.ServerMessage{
		Type:     models.ServerMessageTypeMessages,
		Messages: history,
	}); err != nil {
		return err
	}
	for _, id := range c.tracker.Snapshot() {
		if err := c.ws.WriteJSON(models.ServerMessage{
			Type:   models.ServerMessageTypeOnline,
			UserID: id,
			Online: true,
		}); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx, watch)
		cancel()
	})

	var loopErr error
	select {
	case loopErr = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return loopErr
	}

	return nil
}

// push queues a frame without blocking the caller. A saturated client
// just misses this frame; the next refresh supersedes it.
func (c *Connection) push(msg models.ServerMessage) {
	select {
	case c.outbound <- msg:
	default:
	}
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context, watch *presence.Watch) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.processClientMessage(ctx, msg); err != nil {
				return err
			}
		case msg := <-c.outbound:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case ev, ok := <-watch.Events():
			if !ok {
				return nil
			}
			frame := models.ServerMessage{
				Type:   models.ServerMessageTypeOnline,
				UserID: ev.UserID,
				Online: ev.Online,
			}
			if !ev.Online {
				frame.Type = models.ServerMessageTypeOffline
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(ctx context.Context, msg models.ClientMessage) error {
	switch msg.Type {
	case models.ClientMessageTypeSend:
		sent, err := c.feed.Send(ctx, msg.Content, msg.IsImage)
		if err != nil {
			if errors.Is(err, models.ErrValidation) {
				// Surfaced to the sender, view untouched.
				c.push(models.ServerMessage{
					Type:  models.ServerMessageTypeError,
					Error: err.Error(),
				})
				return nil
			}
			return err
		}
		if c.notifier.Enabled() {
			go c.notifier.MessageSent(sent, c.claims.Username)
		}
	}

	return nil
}
