package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"needtotell/api/internal/app"
	"needtotell/api/internal/cache"
	"needtotell/api/internal/config"
	"needtotell/api/internal/metrics"
	"needtotell/api/internal/realtime"
	"needtotell/api/internal/search"
	"needtotell/api/internal/session"
	"needtotell/api/internal/store"
)

func main() {
	flags := pflag.NewFlagSet("needtotell-api", pflag.ExitOnError)
	envFile := flags.String("env-file", "", "load environment variables from this file before reading config")
	migrateOnly := flags.Bool("migrate-only", false, "apply database migrations and exit")
	addr := flags.String("addr", "", "listen address (overrides API_ADDR)")
	_ = flags.Parse(os.Args[1:])

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("load env file %s: %v", *envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("WARNING: .env not loaded: %v", err)
	}

	cfg := config.Load()
	if *addr != "" {
		cfg.Addr = *addr
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	if *migrateOnly {
		log.Printf("migrations applied")
		return
	}

	dataStore := store.NewPostgresStore(db)
	deps := app.Dependencies{Metrics: metrics.New()}

	var redisStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for token revocation and the feed cache")
		redisStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		deps.Revocations = redisStore
		deps.FeedCache = cache.NewFeedCache(redisStore.Client(), cfg.FeedCacheTTL)
	} else {
		log.Printf("Using PostgreSQL for token revocation")
	}

	broker, err := newBroker(cfg, redisStore)
	if err != nil {
		log.Fatalf("realtime broker: %v", err)
	}
	deps.Broker = broker

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}
	deps.Search = searchService

	service := app.New(cfg, dataStore, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Event streams run on this context so shutdown can end them.
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	go sweepLimiter(baseCtx, httpServer)

	go func() {
		log.Printf("Need to tell API listening on %s (realtime: %s)", cfg.Addr, cfg.Broker())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancelStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := broker.Close(); err != nil {
		log.Printf("realtime broker close: %v", err)
	}
}

// newBroker picks the realtime backend. Redis reuses the revocation client.
func newBroker(cfg config.Config, redisStore *session.RedisStore) (realtime.Broker, error) {
	switch cfg.Broker() {
	case "nats":
		log.Printf("Using NATS at %s for realtime chat events", cfg.NATSURL)
		broker, err := realtime.NewNATSBroker(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		return broker, nil
	case "redis":
		if redisStore == nil {
			return nil, errors.New("REALTIME_BROKER=redis requires REDIS_URL")
		}
		log.Printf("Using Redis pub/sub for realtime chat events")
		return realtime.NewRedisBroker(redisStore.Client()), nil
	default:
		log.Printf("Using in-process realtime chat events (single instance only)")
		return realtime.NewMemoryBroker(), nil
	}
}

func sweepLimiter(ctx context.Context, server *app.HTTPServer) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.RateLimiter().Sweep()
		}
	}
}
