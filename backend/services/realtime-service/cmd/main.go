package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/api"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/auth"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/chat"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/config"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/crypto"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/events"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/handlers"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/hub"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/identity"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/kafka"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/message"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/metric"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/presence"
	rstore "github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/redis"
	"github.com/fathima-sithara/inventory-realtime/backend/services/realtime-service/internal/repository"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/jwt"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/logger"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/middleware"
	"github.com/fathima-sithara/inventory-realtime/backend/shared/retry"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	mintToken := flag.String("mint-token", "", "print a 24h access token for this e-mail and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	if *mintToken != "" {
		tok, err := jwt.NewSigner(cfg.Auth.JWTSecret).Sign(*mintToken, 24*time.Hour)
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	lg, err := logger.New(logger.Config{Development: cfg.Development(), Level: cfg.App.LogLevel})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatalw("realtime-service stopped", "err", err)
	}
}

func run(cfg *config.Config, lg *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := metric.Init(); err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}
	if cfg.App.InstanceID == "" {
		cfg.App.InstanceID = uuid.NewString()
	}

	store, closeStore, err := openStore(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Storage.SeedFile != "" {
		n, err := identity.LoadSeed(ctx, cfg.Storage.SeedFile, store)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		lg.Infow("seed loaded", "file", cfg.Storage.SeedFile, "records", n)
	}
	users := identity.NewDirectory(store)

	codec, err := crypto.NewCodec(cfg.Crypto.EncryptionKey, lg)
	if err != nil {
		return fmt.Errorf("crypto init: %w", err)
	}

	var sinks []hub.Sink
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.TopicEvents != "" {
		kprod := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, lg)
		defer func() { _ = kprod.Close() }()
		sinks = append(sinks, kprod)
	}
	if cfg.NATS.URL != "" {
		np, err := events.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, lg)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer np.Close()
		sinks = append(sinks, np)
	}

	h := hub.New(hub.Options{
		SendBuffer: cfg.WS.SendBuffer,
		Policy:     hub.OverflowPolicy(cfg.WS.OverflowPolicy),
		InstanceID: cfg.App.InstanceID,
	}, lg, sinks...)

	var (
		mirror  presence.Mirror
		limiter *middleware.RateLimiter
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Pass,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		err := retry.Until(ctx, retry.Config{MaxElapsed: 30 * time.Second}, func() error {
			return rdb.Ping(ctx).Err()
		}, func(err error, wait time.Duration) {
			lg.Warnw("redis not reachable yet", "addr", cfg.Redis.Addr, "retry_in", wait, "err", err)
		})
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		mirror = rstore.NewPresenceMirror(rdb, cfg.Redis.Prefix, cfg.App.InstanceID, cfg.MirrorTTL)
		relay := rstore.NewRelay(rdb, cfg.Redis.Prefix, lg)
		h.PublishToOtherInstances = relay.Publish
		go func() {
			err := retry.Until(ctx, retry.Config{Max: 30 * time.Second}, func() error {
				if err := relay.Run(ctx, h.HandleRelayed); err != nil {
					return err
				}
				if ctx.Err() == nil {
					return errors.New("relay subscription closed")
				}
				return nil
			}, func(err error, wait time.Duration) {
				lg.Warnw("relay reconnecting", "retry_in", wait, "err", err)
			})
			if err != nil && ctx.Err() == nil {
				lg.Errorw("relay stopped", "err", err)
			}
		}()
		limiter = middleware.NewRateLimiter(rdb, cfg.Redis.Prefix+":ratelimit", cfg.HTTP.HeartbeatLimitPerMin, time.Minute, lg)
	}

	tracker := presence.NewTracker(presence.Options{HeartbeatTimeout: cfg.HeartbeatTimeout}, h, store, mirror, h, lg)
	chats := chat.NewDirectory(chat.Options{RecentLimit: cfg.Chat.RecentLimit}, store, users, codec, tracker, h, lg)
	messages := message.NewLog(message.Options{MaxBytes: cfg.Chat.MaxMessageBytes}, chats, store, codec, h, lg)

	authn, err := auth.New(cfg.Auth.JWTSecret, users, cfg.Auth.AllowAnonymous, lg)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}
	wsh := handlers.NewWSHandler(h, tracker, messages, chats, handlers.Options{
		PingInterval:   cfg.PingInterval,
		WriteDeadline:  cfg.WriteDeadline,
		ReadTimeout:    cfg.HeartbeatTimeout,
		MaxMessageSize: int64(cfg.WS.MaxMessageSizeBytes),
		RatePerSec:     cfg.WS.RatePerSec,
	}, lg)

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.TopicEntityChanges != "" {
		kcons := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEntityChanges, cfg.Kafka.GroupID, h, lg)
		defer func() { _ = kcons.Close() }()
		go func() {
			if err := kcons.Start(ctx); err != nil && ctx.Err() == nil {
				lg.Errorw("entity change consumer stopped", "err", err)
			}
		}()
	}

	go h.Run(ctx)
	go tracker.Run(ctx)

	app := api.NewServer(api.Deps{
		Auth:     authn,
		Users:    users,
		Chats:    chats,
		Messages: messages,
		Presence: tracker,
		WS:       wsh,
		Limiter:  limiter,
		Log:      lg,
	})

	errs := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.App.Port)
		lg.Infow("starting realtime service", "addr", addr, "instance_id", cfg.App.InstanceID, "storage", cfg.Storage.Driver)
		errs <- app.Listen(addr)
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		lg.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.Close()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		lg.Warnw("fiber shutdown", "err", err)
	}
	lg.Info("realtime service stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, lg *zap.SugaredLogger) (repository.Store, func(), error) {
	if cfg.Storage.Driver != "mongo" {
		lg.Info("using in-memory storage")
		return repository.NewMemoryStore(), func() {}, nil
	}
	mc, err := repository.NewMongoClient(ctx, cfg.Mongo.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("mongo init: %w", err)
	}
	closeFn := func() { _ = mc.Disconnect(context.Background()) }
	st, err := repository.NewMongoStore(ctx, mc.Database(cfg.Mongo.DB))
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("mongo store: %w", err)
	}
	return st, closeFn, nil
}
