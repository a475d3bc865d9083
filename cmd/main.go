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
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-relay/internal/auth"
	"github.com/weiawesome/wes-io-relay/internal/config"
	"github.com/weiawesome/wes-io-relay/internal/directory"
	"github.com/weiawesome/wes-io-relay/internal/handler"
	"github.com/weiawesome/wes-io-relay/internal/hub"
	"github.com/weiawesome/wes-io-relay/internal/metrics"
	"github.com/weiawesome/wes-io-relay/internal/presence"
	"github.com/weiawesome/wes-io-relay/internal/router"
	"github.com/weiawesome/wes-io-relay/internal/service"
	"github.com/weiawesome/wes-io-relay/internal/store"
	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

const serviceName = "wes-io-relay"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: serviceName})
	logger := pkglog.L()

	logger.Info().
		Str("addr", cfg.Server.Addr()).
		Str("store", cfg.Store.Driver).
		Str("handshake", cfg.Auth.Handshake).
		Msg("starting " + serviceName)

	// Database holds the user directory, and messages for the sql store
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(db)

	userRepo, err := directory.NewGormUserRepository(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate users")
	}

	var dir directory.Directory = userRepo
	if cfg.Cache.Driver == "redis" {
		cache, err := directory.NewRedisUserCache(directory.RedisConfig{
			Address:  cfg.Cache.Address,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, user cache disabled")
		} else {
			defer cache.Close()
			dir = directory.NewCachedDirectory(userRepo, cache, cfg.Cache.Prefix, cfg.Cache.TTL)
			logger.Info().Str("address", cfg.Cache.Address).Msg("user cache enabled")
		}
	}

	msgStore, err := openStore(cfg, db)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open message store")
	}
	defer msgStore.Close()

	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token manager")
	}

	publisher, err := pubsub.NewPublisher(cfg.Events)
	if err != nil {
		logger.Warn().Err(err).Str("driver", cfg.Events.Driver).Msg("event bus unavailable, events disabled")
		publisher = pubsub.NopPublisher{}
	}
	defer publisher.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Relay core
	registry := presence.NewRegistry()
	h := hub.NewHub()
	go h.Run()

	msgRouter := router.New(msgStore, registry, dir, m, router.Config{
		MaxTextLength:    cfg.Relay.MaxTextLength,
		ConfirmRecipient: cfg.Relay.ConfirmRecipient,
	})

	relayService := service.NewRelayService(h, registry, auth.NewAuthenticator(tokens, dir), msgRouter, publisher, m, service.RelayConfig{
		AuthTimeout:    cfg.WebSocket.AuthTimeout,
		PerMessageAuth: cfg.Auth.PerMessage,
		ChannelPrefix:  cfg.Events.ChannelPrefix,
	})
	var userIndex directory.UserIndex
	if cfg.Search.Driver == "elasticsearch" {
		idx, err := directory.NewESUserIndex(directory.ESConfig{
			Addresses: cfg.Search.Addresses,
			Username:  cfg.Search.Username,
			Password:  cfg.Search.Password,
			Index:     cfg.Search.Index,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("elasticsearch unavailable, searching the database")
		} else {
			userIndex = idx
			logger.Info().Strs("addresses", cfg.Search.Addresses).Msg("elasticsearch connected")
		}
	}
	userService := service.NewUserService(userRepo, msgStore, tokens, userIndex)

	// REST API
	if pkglog.ParseLevel(cfg.Log.Level) > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), pkglog.GinMiddleware(logger))
	handler.NewHandler(userService, relayService, middleware.NewAuthMiddleware(tokens)).RegisterRoutes(engine)

	wsHandler := handler.NewWSHandler(relayService, handler.WSConfig{
		Client: hub.Config{
			PingInterval:   cfg.WebSocket.PingInterval,
			PongWait:       cfg.WebSocket.PongWait,
			WriteWait:      cfg.WebSocket.WriteWait,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		},
		SendBuffer:   cfg.WebSocket.SendBuffer,
		RequireToken: cfg.Auth.Handshake == config.HandshakeRequired,
	})

	// Setup routes
	r := mux.NewRouter()
	wsHandler.RegisterRoutes(r)
	r.HandleFunc("/health", handler.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.PathPrefix("/api/").Handler(engine)

	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     pkglog.HTTPMiddleware(logger, "/health", "/metrics")(r),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg(serviceName + " listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down " + serviceName)

		// Websocket connections are hijacked, so the server does not track them.
		h.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server error")
	}
	logger.Info().Msg(serviceName + " stopped")
}

func openStore(cfg *config.Config, db *gorm.DB) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreBadger:
		bdb, err := store.OpenBadger(cfg.Badger.Path, cfg.Badger.InMemory)
		if err != nil {
			return nil, err
		}
		st, err := store.NewBadgerStore(bdb)
		if err != nil {
			bdb.Close()
			return nil, err
		}
		return st, nil
	case config.StoreCassandra:
		return store.NewCassandraStore(store.CassandraConfig{
			Hosts:          cfg.Cassandra.Hosts,
			Keyspace:       cfg.Cassandra.Keyspace,
			Consistency:    cfg.Cassandra.Consistency,
			Timeout:        cfg.Cassandra.Timeout,
			ConnectTimeout: cfg.Cassandra.ConnectTimeout,
		})
	case config.StoreSQL:
		return store.NewGormStore(db)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
