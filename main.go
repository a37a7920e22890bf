package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"touchline/internal/auth"
	"touchline/internal/broker"
	"touchline/internal/commands"
	"touchline/internal/config"
	"touchline/internal/filestore"
	"touchline/internal/http"
	"touchline/internal/models"
	"touchline/internal/notify"
	"touchline/internal/storage"
	"touchline/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("touchline", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create; prints the user's token")
	displayName := flags.String("display-name", "", "Display name for -add-user")
	role := flags.String("role", "", "Role for -add-user (candidate or employer)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}
	cfg.SetupLogging()

	if *addUser != "" {
		return commands.AddUser(auth.AddUserRequest{
			Username:    *addUser,
			DisplayName: *displayName,
			Role:        models.UserRole(*role),
		}, cfg, out)
	}

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}
	users, err := bbStorage.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	authService.LoadUsers(users)

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	var fanout broker.Broker
	if cfg.RedisAddr != "" {
		redisBroker, err := broker.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() { _ = redisBroker.Close() }()
		fanout = redisBroker
		log.Printf("Fan-out through Redis at %s", cfg.RedisAddr)
	}

	var notifier notify.Notifier
	if cfg.WebPushEnabled() {
		notifier = notify.NewWebPush(bbStorage, notify.Config{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subject:    cfg.VAPIDSubject,
		})
		log.Println("Web Push notifications enabled")
	}

	hub := ws.NewHub(bbStorage, fanout, notifier)

	adminServer := http.NewAdminServer(authService, bbStorage, cfg.AdminAddr)
	apiServer := http.NewAPIServer(authService, hub, files, bbStorage, http.APIServerConfig{
		Addr:        cfg.APIAddr,
		CORSOrigins: cfg.CORSOrigins,
	})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)
	g.Go(func() error {
		return hub.Run(gCtx)
	})

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

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("Application error: %v", err)
	}
}
