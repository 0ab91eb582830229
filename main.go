package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tagarela/internal/auth"
	"tagarela/internal/backend"
	"tagarela/internal/commands"
	"tagarela/internal/config"
	"tagarela/internal/content"
	"tagarela/internal/filestore"
	"tagarela/internal/http"
	"tagarela/internal/notify"
	"tagarela/internal/pubsub"
	"tagarela/internal/storage"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("tagarela", flag.ContinueOnError)
	online := flags.Bool("online", false, "Print the users active within ONLINE_WINDOW and exit")
	offline := flags.String("offline", "", "User id to force offline (removes their messages and media) and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cliMode := *online || *offline != ""

	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	switch {
	case *online:
		return commands.Online(cfg, os.Stdout)
	case *offline != "":
		return commands.ForceOffline(cfg, *offline, os.Stdout)
	}

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	store, err := storage.Open(cfg.StorageDriver, cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService, err := auth.NewAuthService(ctx, authConfig, store)
	if err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	hub := pubsub.NewHub()
	svc := backend.NewService(authService, store, hub, files, backend.Settings{
		BaseURL: cfg.BaseURL,
		Limits:  content.Limits{MaxImageBytes: cfg.MaxImageBytes, MaxVideoBytes: cfg.MaxVideoBytes},
	})

	adminServer := http.NewAdminServer(svc, cfg.OnlineWindow, cfg.AdminAddr)
	apiServer := http.NewAPIServer(svc, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	if cfg.PushEnabled() {
		notifier := notify.NewInviteNotifier(notify.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubject,
		}, hub, store)
		g.Go(func() error { return notifier.Run(gCtx) })
	} else {
		log.Println("VAPID keys not set, call invite push notifications are disabled")
	}

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
