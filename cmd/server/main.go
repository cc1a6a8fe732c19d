package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"secure_msg/internal/auth"
	"secure_msg/internal/config"
	"secure_msg/internal/repository/device"
	"secure_msg/internal/repository/message"
	"secure_msg/internal/repository/thread"
	"secure_msg/internal/repository/user"
	redisSvc "secure_msg/internal/service/redis"
	"secure_msg/internal/service/server"
	"secure_msg/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const usage = `usage:
  server [flags]              run the relay
  server token <user> [flags] print a bearer token for user`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var issueFor string
	if len(args) > 0 && args[0] == "token" {
		if len(args) < 2 {
			return errors.New(usage)
		}
		issueFor, args = args[1], args[2:]
	}

	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	if issueFor != "" {
		token, err := auth.GenerateToken(issueFor, []byte(cfg.Auth.Secret), cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	if err := log.Init(!cfg.Production(), cfg.LogLevel); err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mongoDBClient, err := initMongo(ctx, cfg.Server.MongoURI)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoDBClient.Disconnect(context.Background())

	db := mongoDBClient.Database(cfg.Server.MongoDatabase)
	threads := thread.NewThreadRepo(db)
	messages := message.NewMessageRepo(db)
	if err := threads.EnsureIndexes(ctx); err != nil {
		return err
	}
	if err := messages.EnsureIndexes(ctx); err != nil {
		return err
	}

	stores := server.Stores{
		Keys:     user.NewUserRepo(db),
		Threads:  threads,
		Messages: messages,
		Devices:  device.NewDeviceRepo(db),
	}

	var broker server.Broker
	if cfg.Server.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Server.RedisAddr,
			Password: cfg.Server.RedisPassword,
			DB:       cfg.Server.RedisDB,
		})
		defer rdb.Close()

		rds := redisSvc.NewRedis(rdb)
		if err := rds.Ping(ctx); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		broker = server.NewRedisBroker(rds)
		stores.Presence = rds
	} else {
		log.Warn("no redis configured, fan-out is limited to this process")
		broker = server.NewLocalBroker()
		stores.Presence = server.NewMemoryPresence()
	}

	srv := server.NewHttpServer(stores, broker, server.Options{
		Secret:      []byte(cfg.Auth.Secret),
		PresenceTTL: cfg.Server.PresenceTTL,
	})
	if err := srv.Run(ctx, cfg.Server.Addr); err != nil {
		log.Error("relay stopped", zap.Error(err))
		return err
	}
	return nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
