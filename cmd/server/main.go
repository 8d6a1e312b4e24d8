package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/J511Y/share-paint-sub000/internal/config"
	"github.com/J511Y/share-paint-sub000/internal/events"
	"github.com/J511Y/share-paint-sub000/internal/gateway"
	"github.com/J511Y/share-paint-sub000/internal/httpapi"
	"github.com/J511Y/share-paint-sub000/internal/repository"
	"github.com/J511Y/share-paint-sub000/internal/room"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment")
	}
	setupLogging()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := setupDatabase(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	bus := setupEventBus(ctx, cfg)

	store := repository.NewRoomStore(pool)
	roomConfig := room.DefaultConfig()
	roomConfig.GracePeriod = cfg.Room.GracePeriod
	roomConfig.IdempotencyTTL = cfg.Room.IdempotencyTTL
	registry := room.NewRegistry(ctx, store, bus, nil, clockwork.NewRealClock(), roomConfig)

	connConfig := gateway.DefaultConnectionConfig()
	dispatcher := gateway.NewRoomDispatcher(registry, connConfig.AckTimeout)
	connectionManager := gateway.NewConnectionManager(connConfig, dispatcher)
	registry.SetBroadcaster(connectionManager)
	go connectionManager.Start(ctx)

	mux := http.NewServeMux()
	gateway.NewWebSocketHandler(connectionManager, gateway.InsecureVerifier{}).RegisterRoutes(mux)
	httpapi.NewHandler(store, registry).RegisterRoutes(mux)

	server := setupServer(cfg, mux)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if getEnv("LOG_PRETTY", "") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func setupDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info().
		Str("host", cfg.Database.Host).
		Str("database", cfg.Database.Database).
		Msg("connected to database")
	return pool, nil
}

func setupEventBus(ctx context.Context, cfg *config.Config) events.Publisher {
	if !cfg.NATS.Enabled {
		log.Info().Msg("event bus disabled")
		return events.NopPublisher{}
	}
	jsConfig := events.DefaultJetStreamConfig()
	jsConfig.URL = cfg.NATS.URL
	publisher, err := events.NewJetStreamPublisher(ctx, jsConfig)
	if err != nil {
		log.Warn().Err(err).Msg("event bus unavailable, lifecycle events disabled")
		return events.NopPublisher{}
	}
	log.Info().Str("url", cfg.NATS.URL).Msg("connected to NATS")
	return publisher
}

func setupServer(cfg *config.Config, mux *http.ServeMux) *http.Server {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	handler := c.Handler(mux)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
