package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"palaver/internal/api"
	"palaver/internal/metrics"
	"palaver/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(handlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		// Public endpoints
		r.Group(func(r chi.Router) {
			r.Use(api.RequireSameOrigin)
			r.Post("/register", handlers.RegisterHandler)
			r.Post("/login", handlers.LoginHandler)
			r.Post("/logoff", handlers.LogoffHandler)
		})
		r.Get("/images/*", handlers.GetImageHandler)

		// Session-scoped endpoints
		r.Group(func(r chi.Router) {
			r.Use(handlers.RequireAuth)
			r.Get("/profile", handlers.ProfileHandler)
			r.Get("/users", handlers.UsersHandler)
			r.Get("/friends", handlers.FriendsHandler)
			r.Get("/messages", handlers.MessagesHandler)

			r.Group(func(r chi.Router) {
				r.Use(api.RequireSameOrigin)
				r.Post("/profile", handlers.UpdateProfileHandler)
				r.Post("/friends", handlers.AddFriendHandler)
				r.Post("/friends/accept", handlers.AcceptFriendHandler)
				r.Post("/messages", handlers.SendMessageHandler)
				r.Post("/upload/image", handlers.UploadImageHandler)
				r.Post("/upload/avatar", handlers.UploadAvatarHandler)
				r.Post("/push/subscribe", handlers.PushSubscribeHandler)
			})
		})

		// WebSocket endpoint (does its own token check)
		r.Get("/chat", wsServer.HandleConnections)
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: r,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
