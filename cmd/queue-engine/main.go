package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/queue-engine/internal/admin"
	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/hub"
	"qms/queue-engine/internal/logger"
	"qms/queue-engine/internal/outbox"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/scheduler"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/store/postgres"
	"qms/queue-engine/internal/stream"
	"qms/queue-engine/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "queue-engine"

type backend interface {
	store.Repository
	store.OutboxStore
	store.SequenceResetter
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	loc := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, serviceName, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	var st backend
	if cfg.DatabaseURL == "" {
		log.Warn("DB_DSN not set, using in-memory store")
		st = memory.NewStore()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Error("db connect")
			os.Exit(1)
		}
		defer pool.Close()
		st = postgres.NewStore(pool)
	}

	realtime := hub.New(log)
	broadcasters := outbox.Fanout{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		relay := hub.NewRedisRelay(client, cfg.RedisChannel, realtime, log)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.WithError(err).Error("redis relay stopped")
			}
		}()
		broadcasters = append(broadcasters, relay)
	} else {
		broadcasters = append(broadcasters, realtime)
	}
	if brokers := stream.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		publisher, err := stream.NewPublisher(stream.Config{Brokers: brokers, Topic: cfg.KafkaTopic}, log)
		if err != nil {
			log.WithError(err).Error("kafka publisher")
			os.Exit(1)
		}
		defer publisher.Close()
		broadcasters = append(broadcasters, publisher)
	}

	dispatcher := outbox.NewDispatcher(st, broadcasters, log, outbox.Config{
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
	})
	go dispatcher.Start(ctx, cfg.OutboxPollInterval)

	engine := queue.NewService(st, queue.Options{
		Logger:   log,
		Notifier: dispatcher,
		Location: loc,
	})
	administration := admin.NewService(st, admin.Options{
		Logger:    log,
		Notifier:  dispatcher,
		Projector: engine.Projector(),
	})

	cron := scheduler.New(log, loc)
	jobs := &scheduler.Jobs{
		Resetter:  st,
		Outbox:    st,
		Location:  loc,
		Retention: cfg.OutboxRetention,
		Log:       log,
	}
	if err := jobs.Register(cron, cfg.SequenceResetSchedule, cfg.OutboxPurgeSchedule); err != nil {
		os.Exit(1)
	}
	cron.Start()
	defer cron.Stop()

	handler := httpapi.NewHandler(engine, administration, log)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:           cfg.RateLimitPerMinute,
		IPBurst:               cfg.RateLimitBurst,
		OrganizationPerMinute: cfg.OrganizationRateLimitPerMinute,
		OrganizationBurst:     cfg.OrganizationRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", hub.Handler("/realtime", realtime))
	mux.Handle("/", limiter.Middleware(handler.Routes()))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(httpapi.IdentityMiddleware(httpapi.LoggingMiddleware(log, mux)), serviceName),
		// No write timeout: sockjs streams and websockets stay open.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("queue-engine listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
	// Deliver whatever the last requests committed.
	if _, err := dispatcher.RunOnce(shutdownCtx); err != nil {
		log.WithError(err).Warn("final outbox pass failed")
	}
}
