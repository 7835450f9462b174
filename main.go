package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/commands"
	"chatsync/internal/config"
	"chatsync/internal/http"
	"chatsync/internal/hub"
	"chatsync/internal/relay"
	"chatsync/internal/storage"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chatsync", flag.ContinueOnError)
	addUser := fs.String("add-user", "", "Username to create through the admin API of a running server")
	password := fs.String("password", "", "Password of the user created with -add-user")
	displayName := fs.String("display-name", "", "Display name of the user created with -add-user")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(*addUser, *password, *displayName, cfg)
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, bbStorage)
	if err != nil {
		return err
	}

	h := hub.New(hub.Config{
		Directory: bbStorage,
		LastSeen:  bbStorage,
		Logger:    logger,
	})

	if cfg.NATSURL != "" {
		r, err := relay.Connect(relay.Config{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Logger:        logger,
		}, h)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()
		h.SetRelay(r)
		logger.Info("relaying events over NATS", "url", cfg.NATSURL, "subject_prefix", cfg.NATSSubjectPrefix)
	}

	g, gCtx := errgroup.WithContext(ctx)

	adminServer := http.NewAdminServer(authService, cfg.AdminAddr, logger)
	apiServer := http.NewAPIServer(gCtx, authService, h, bbStorage, http.APIConfig{
		Addr:           cfg.APIAddr,
		LoginRateLimit: cfg.LoginRateLimit,
		Logger:         logger,
	})

	// Start Admin Server
	g.Go(adminServer.Start)

	// Start API Server
	g.Go(apiServer.Start)

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}
		return gCtx.Err()
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
