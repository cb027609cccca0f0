package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"qms/token-service/internal/cache"
	"qms/token-service/internal/config"
	"qms/token-service/internal/dispatch"
	"qms/token-service/internal/httpapi"
	"qms/token-service/internal/hub"
	"qms/token-service/internal/logging"
	"qms/token-service/internal/notify"
	"qms/token-service/internal/realtime"
	"qms/token-service/internal/stats"
	"qms/token-service/internal/store/postgres"
	"qms/token-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	shutdownTelemetry := telemetry.Setup(telemetry.Options{
		ServiceName: "token-service",
		Version:     cfg.Version,
		Environment: cfg.Environment,
		Location:    cfg.Location,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DB_DSN is required")
	}
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := postgres.NewStore(pool, postgres.Options{Location: cfg.Location})
	listener := postgres.NewListener(pool, postgres.ListenerOptions{MaxBackoff: cfg.FeedReconnectMax}, logger)
	go listener.Run(ctx)

	var statsCache stats.Cache
	if client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); client != nil {
		defer client.Close()
		statsCache = cache.NewStatsCache(client, cfg.StatsCacheTTL)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("stats cache enabled")
	} else if cfg.RedisAddr != "" {
		logger.Warn().Str("addr", cfg.RedisAddr).Msg("redis unreachable, stats cache disabled")
	}
	recomputer := stats.NewRecomputer(store, statsCache, cfg.Location, logger)

	notifier := notify.New(cfg.NotifyProvider, cfg.NotifyWebhookURL, cfg.NotifyWebhookToken, logger)
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("amqp notifier disabled")
		} else {
			defer publisher.Close()
			notifier = notify.Multi{notifier, publisher}
		}
	}
	announcer := notify.NewAsync(notifier, 5*time.Second, logger)

	dispatcher := dispatch.New(store, announcer, dispatch.Options{Location: cfg.Location, Stats: recomputer}, logger)
	h := hub.New(logger)
	live := realtime.NewService(h, store, listener, recomputer, realtime.Options{
		Location:        cfg.Location,
		RefreshInterval: cfg.PositionRefresh,
		ResyncInterval:  cfg.FeedResync,
	}, logger)

	api := httpapi.NewHandler(store, dispatcher, recomputer, httpapi.Options{Location: cfg.Location}, logger)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		BusinessPerMinute: cfg.BusinessRateLimitPerMinute,
		BusinessBurst:     cfg.BusinessRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", live.SockJSHandler("/realtime"))
	mux.Handle("/ws", live.WebSocketHandler(cfg.AllowedOrigins))
	mux.Handle("/", api.Routes())

	handler := httpapi.CORS(cfg.AllowedOrigins)(limiter.Middleware(mux))
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, handler), "token-service"),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("token-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	live.Close()
	announcer.Wait()
}
