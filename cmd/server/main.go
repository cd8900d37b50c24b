package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carpool/ridematch/internal/app"
	"github.com/carpool/ridematch/internal/auth"
	"github.com/carpool/ridematch/internal/chat"
	"github.com/carpool/ridematch/internal/config"
	"github.com/carpool/ridematch/internal/connection"
	"github.com/carpool/ridematch/internal/events"
	"github.com/carpool/ridematch/internal/logging"
	"github.com/carpool/ridematch/internal/matching"
	"github.com/carpool/ridematch/internal/messaging"
	"github.com/carpool/ridematch/internal/notify"
	"github.com/carpool/ridematch/internal/protocol"
	"github.com/carpool/ridematch/internal/ratelimit"
	"github.com/carpool/ridematch/internal/search"
	"github.com/carpool/ridematch/internal/storage"
	"github.com/carpool/ridematch/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ridematch:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Redis ---
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	var index search.Index = search.NewMemoryIndex()
	if cfg.Search.Index == "redis" {
		index = search.NewRedisIndex(rdb, "carpool:")
	}

	// --- Postgres ---
	var (
		connStore connection.Store = connection.NewMemoryStore()
		chatStore chat.Store       = chat.NewMemoryStore(chat.DefaultHistoryLimit)
	)
	if cfg.Postgres.DSN != "" {
		if cfg.Postgres.Migrate {
			if err := storage.Migrate(cfg.Postgres.DSN, logger); err != nil {
				return err
			}
		}
		pg, err := storage.Open(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		connStore, chatStore = pg, pg
		logger.Info("postgres connected")
	}

	// --- NATS ---
	hubOpts := []notify.Option{notify.WithLogger(logger)}
	if cfg.NATS.URL != "" {
		natsCfg := messaging.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		if cfg.NATS.Name != "" {
			natsCfg.Name = cfg.NATS.Name
		}
		nc, err := messaging.Connect(natsCfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		hubOpts = append(hubOpts, notify.WithBus(notify.NewNATSBus(nc)))
	}
	hub := notify.NewHub(hubOpts...)

	// --- Kafka ---
	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer kp.Close()
		publisher = kp
		logger.Info("lifecycle events enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// --- Domain ---
	contacts := connection.NewContactBook()
	chatSvc := chat.NewService(chatStore, connStore, hub, chat.WithLogger(logger))
	establisher := connection.NewEstablisher(connStore, hub, chatSvc, contacts,
		connection.WithLogger(logger),
		connection.WithEvents(publisher),
	)
	registry := search.NewRegistry(index, cfg.Search.TTL)
	coord := matching.NewCoordinator(registry, hub, establisher.ForMatching(), matching.Config{
		ScanInterval: cfg.Matching.ScanInterval,
		MatchTimeout: cfg.Matching.MatchTimeout,
		Radii: matching.Radii{
			Pickup: cfg.Matching.PickupRadiusMeters,
			Drop:   cfg.Matching.DropRadiusMeters,
		},
	}, matching.WithLogger(logger), matching.WithEvents(publisher))

	handlerOpts := []app.Option{app.WithLogger(logger)}
	if rdb != nil {
		handlerOpts = append(handlerOpts, app.WithLimiter(ratelimit.NewLimiter(rdb, map[string]ratelimit.Rule{
			protocol.TypeStartSearch:     ratelimit.SearchRule(cfg.RateLimit.SearchLimit, cfg.RateLimit.SearchWindow),
			protocol.TypeSendChatMessage: ratelimit.ChatRule(cfg.RateLimit.ChatLimit, cfg.RateLimit.ChatWindow),
		}, logger)))
	}
	handlers := app.New(coord, chatSvc, hub, connStore, contacts, handlerOpts...)

	// --- Transport ---
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:      cfg.Server.Listen,
		MaxConnections:  cfg.Server.MaxConnections,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Server.HeartbeatInterval,
			Timeout:  cfg.Server.HeartbeatTimeout,
		},
	}, auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer), logger)
	handlers.Bind(server, ws.NewMessageDispatcher(logger, cfg.Server.WriteTimeout))

	go coord.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("ridematch started",
		"listen", cfg.Server.Listen,
		"index", cfg.Search.Index,
		"postgres", cfg.Postgres.DSN != "",
		"nats", cfg.NATS.URL != "",
		"kafka", len(cfg.Kafka.Brokers) > 0,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}
	return nil
}
