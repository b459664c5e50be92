package ws

import (
	"log/slog"
	"net/http"
	"time"

	"palaver/internal/auth"
	"palaver/internal/changefeed"
	"palaver/internal/feed"
	"palaver/internal/notify"
	"palaver/internal/presence"

	"github.com/gorilla/websocket"
)

// FeedStore is what each per-connection feed needs from the store.
type FeedStore interface {
	feed.Store
	SetLastSeen(id string, lastSeen int64) error
}

type Config struct {
	RefreshInterval time.Duration
	SendsPerSecond  float64
}

type Server struct {
	auth     *auth.AuthService
	store    FeedStore
	events   *changefeed.Feed
	tracker  *presence.Tracker
	notifier *notify.Notifier
	cfg      Config
	upgrader *websocket.Upgrader
}

func NewServer(
	authService *auth.AuthService,
	store FeedStore,
	events *changefeed.Feed,
	tracker *presence.Tracker,
	notifier *notify.Notifier,
	cfg Config,
) *Server {
	return &Server{
		auth:     authService,
		store:    store,
		events:   events,
		tracker:  tracker,
		notifier: notifier,
		cfg:      cfg,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Same-origin is enforced by the cookie token
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Verify(tokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	fd, err := feed.New(feed.Config{
		Store:           s.store,
		Events:          s.events,
		UserID:          claims.Subject,
		RefreshInterval: s.cfg.RefreshInterval,
		SendsPerSecond:  s.cfg.SendsPerSecond,
	})
	if err != nil {
		_ = conn.Close()
		return
	}

	c := NewConnection(conn, fd, s.tracker, s.notifier, claims)

	defer func() {
		if err := s.store.SetLastSeen(claims.Subject, time.Now().Unix()); err != nil {
			slog.Warn("failed to record last seen", "user_id", claims.Subject, "error", err)
		}
	}()

	if err := c.Handle(r.Context()); err != nil {
		slog.Info("connection closed", "user_id", claims.Subject, "error", err)
	}
}

func tokenFromRequest(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}
