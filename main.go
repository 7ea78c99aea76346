package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"io"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"estatechat/internal/api"
	"estatechat/internal/auth"
	"estatechat/internal/chat"
	"estatechat/internal/commands"
	"estatechat/internal/config"
	"estatechat/internal/fanout"
	"estatechat/internal/http"
	"estatechat/internal/notify"
	"estatechat/internal/presence"
	"estatechat/internal/ratelimit"
	"estatechat/internal/storage"
	"estatechat/internal/users"
	"estatechat/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("estatechat", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create through the admin API of a running server (prints an access token)")
	avatar := flags.String("avatar", "", "Avatar URL for -add-user")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	if *addUser != "" {
		return commands.AddUser(out, *addUser, *avatar, cfg)
	}

	store, err := storage.Open(ctx, storage.Options{
		Driver:        cfg.StoreDriver,
		DBFile:        cfg.DBFile,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tokens, err := auth.NewTokenService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	adminCredentials, err := auth.NewAdminCredentials(cfg.AdminUser, cfg.AdminPassword, cfg.AdminPasswordHash)
	if err != nil {
		return err
	}

	policy, err := fanout.ParsePolicy(cfg.FanoutPolicy)
	if err != nil {
		return err
	}

	directory := users.NewDirectory(ctx, store)
	registry := presence.New[fanout.Handle]()
	publisher := fanout.NewPublisher(registry, policy)

	notifier := notify.New(ctx, notify.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
	}, store, registry)
	defer notifier.Wait()

	chatService := chat.NewService(chat.Config{
		Store:     store,
		Directory: directory,
		Listener:  notifier,
	})

	g, gCtx := errgroup.WithContext(ctx)

	hub := ws.NewHub(registry, publisher, chatService)
	// Streams end with the server group, so a failed listener closes them too.
	wsServer := ws.NewServer(gCtx, tokens, hub, cfg.PushBuffer)
	limiter := ratelimit.NewLimiterStore(ctx, cfg.MessageRate, cfg.MessageBurst, time.Minute)

	apiHandlers := api.New(api.Config{
		Auth:  tokens,
		Chat:  chatService,
		Users: directory,
		Push:  notifier,
	})
	adminHandler := api.NewAdminHandler(api.AdminConfig{
		Users:       directory,
		Tokens:      tokens,
		Presence:    hub,
		Credentials: adminCredentials,
		BaseURL:     cfg.BaseURL,
	})

	adminServer := http.NewAdminServer(adminHandler, cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, limiter, cfg.APIAddr)

	slog.Info("starting estatechat",
		"store", cfg.StoreDriver,
		"fanout_policy", policy,
		"web_push", notifier.Enabled(),
	)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && !errors.Is(err, oshttp.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && !errors.Is(err, oshttp.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown failed", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown failed", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
