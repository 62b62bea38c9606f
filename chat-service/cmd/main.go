package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/teachflow/teachflow-live/chat-service/internal/archive"
	"github.com/teachflow/teachflow-live/chat-service/internal/config"
	chatgrpc "github.com/teachflow/teachflow-live/chat-service/internal/grpc"
	"github.com/teachflow/teachflow-live/chat-service/internal/handler"
	"github.com/teachflow/teachflow-live/chat-service/internal/hub"
	"github.com/teachflow/teachflow-live/chat-service/internal/kafka"
	"github.com/teachflow/teachflow-live/chat-service/internal/service"
	"github.com/teachflow/teachflow-live/chat-service/internal/store"
	"github.com/teachflow/teachflow-live/pkg/jwt"
	pkglog "github.com/teachflow/teachflow-live/pkg/log"
	"github.com/teachflow/teachflow-live/pkg/middleware"
	"github.com/teachflow/teachflow-live/pkg/pubsub"
	"github.com/teachflow/teachflow-live/pkg/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty || cfg.Log.Level == "debug",
		ServiceName: "chat-service",
	})
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, 15*time.Minute, 7*24*time.Hour, cfg.Auth.Issuer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create jwt manager")
	}

	// Room state, and cross-instance fan-out when state is shared
	var (
		rooms store.RoomStore
		bus   pubsub.PubSub
	)
	switch cfg.Store.Driver {
	case "redis":
		var client *redis.Client
		client, err = pubsub.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		rooms = store.NewRedisStore(client, cfg.Store)
		bus = pubsub.NewRedisPubSubFromClient(client)
		logger.Info().Str("address", cfg.Redis.Address).Msg("redis room store connected")
	case "memory", "":
		rooms = store.NewMemoryStore()
	default:
		logger.Fatal().Str("driver", cfg.Store.Driver).Msg("unsupported store driver")
	}
	defer rooms.Close()

	var producer kafka.EventProducer = kafka.NoopProducer{}
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewConfluentProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize kafka producer")
		}
		logger.Info().Str("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka producer connected")
	}

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize transcript storage")
	}
	archiver := archive.New(objects)

	wsHub := hub.NewHub(cfg.WebSocket)
	go wsHub.Run(ctx)

	chatSvc := service.NewChatService(service.Deps{
		Hub:        wsHub,
		Store:      rooms,
		Producer:   producer,
		Archiver:   archiver,
		Bus:        bus,
		Rooms:      cfg.Rooms,
		InstanceID: cfg.Server.InstanceID,
	})
	if err := chatSvc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start chat service")
	}
	defer func() {
		if err := chatSvc.Stop(); err != nil {
			logger.Warn().Err(err).Msg("chat service stop")
		}
	}()

	grpcServer, err := chatgrpc.NewServer(fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create grpc server")
	}

	// REST API
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))
	handler.NewAPIHandler(chatSvc, archiver).RegisterRoutes(r, middleware.NewAuthMiddleware(tokens))

	mux := http.NewServeMux()
	handler.NewWSHandler(wsHub, chatSvc, tokens, cfg.WebSocket).RegisterRoutes(mux, pkglog.HTTPMiddleware(logger))
	mux.Handle("/api/", r)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.Store.Driver).Msg("chat-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down chat-service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		grpcServer.Stop()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("chat-service stopped with error")
		return
	}
	logger.Info().Msg("chat-service stopped")
}
