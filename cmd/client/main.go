package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"secure_msg/internal/config"
	"secure_msg/internal/conversation"
	"secure_msg/internal/protocol/keyagreement"
	"secure_msg/internal/realtime"
	"secure_msg/internal/repository/local"
	"secure_msg/internal/service/api"
	"secure_msg/internal/service/app"
	"secure_msg/internal/utils/log"

	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}

	logFile, err := log.InitFile(cfg.Client.LogFile, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Client.DataDir, 0o700); err != nil {
		return err
	}
	store, err := local.Open(ctx, filepath.Join(cfg.Client.DataDir, cfg.Client.User+".db"))
	if err != nil {
		return err
	}
	defer store.Close()

	apiURL, _ := cfg.APIURL()
	client, err := api.New(apiURL, cfg.Client.Token, nil)
	if err != nil {
		return err
	}

	strategy, err := newStrategy(cfg, client)
	if err != nil {
		return err
	}

	host, _ := cfg.ResolveRealtimeHost()
	opts := realtime.Options{
		Host:                 host,
		Secure:               cfg.RealtimeSecure(),
		Token:                cfg.Client.Token,
		HeartbeatInterval:    cfg.Realtime.HeartbeatInterval,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		BaseDelay:            cfg.Realtime.BaseDelay,
	}

	ui := app.NewApp(true)
	ctrl := conversation.New(conversation.Config{
		UserID:  cfg.Client.User,
		Box:     keyagreement.NewBox(cfg.Client.User, strategy),
		Store:   client,
		Devices: client,
		Local:   store,
		Dial: func(threadID string, h realtime.Handlers) conversation.Channel {
			return realtime.New(threadID, opts, h)
		},
		Notifier:      ui,
		OnChange:      ui.Render,
		DeviceName:    cfg.Client.DeviceName,
		TypingTimeout: cfg.Client.TypingTimeout,
	})

	log.Info("client starting",
		zap.String("user", cfg.Client.User),
		zap.String("api", apiURL),
		zap.String("realtime", host),
		zap.String("scheme", strategy.Scheme()),
	)
	return ui.Run(ctx, ctrl)
}

func newStrategy(cfg *config.Config, dir keyagreement.KeyDirectory) (keyagreement.Strategy, error) {
	switch cfg.Client.KeyScheme {
	case config.SchemeThread:
		return keyagreement.NewThreadKey([]byte(cfg.Client.ThreadSecret)), nil
	default:
		return keyagreement.NewPairwise(cfg.Client.User, dir)
	}
}
