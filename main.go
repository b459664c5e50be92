package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"palaver/internal/api"
	"palaver/internal/auth"
	"palaver/internal/changefeed"
	"palaver/internal/commands"
	"palaver/internal/config"
	"palaver/internal/feed"
	"palaver/internal/filestore"
	"palaver/internal/http"
	"palaver/internal/notify"
	"palaver/internal/presence"
	"palaver/internal/storage"
	"palaver/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, addAdmin string) error {
	cfg, err := config.Load(addAdmin != "")
	if err != nil {
		return err
	}

	if addAdmin != "" {
		return commands.AddAdmin(ctx, addAdmin, cfg)
	}

	events := changefeed.New()
	defer events.Close()

	store, err := storage.NewBboltStorage(cfg.DBFile, events)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      cfg.AuthSecret,
		TokenExpiry: cfg.TokenExpiry,
	}, store)
	if err != nil {
		return err
	}

	objects, err := filestore.NewLocalObjectStore(cfg.UploadsPath)
	if err != nil {
		return err
	}
	uploader := feed.NewUploader(objects, store, cfg.BaseURL, cfg.MaxUploadBytes)

	tracker := presence.NewTracker()
	notifier := notify.New(notify.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Contact:         cfg.VAPIDContact,
	}, store, tracker)

	wsServer := ws.NewServer(authService, store, events, tracker, notifier, ws.Config{
		RefreshInterval: cfg.RefreshInterval,
		SendsPerSecond:  5,
	})

	handlers := api.New(authService, store, objects, uploader, tracker, notifier)
	apiServer := http.NewAPIServer(handlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addAdmin := flag.String("add-admin", "", "Username to create as admin (generates a password and prints details)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addAdmin); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
