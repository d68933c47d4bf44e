package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/couchcryptid/quake-alert-service/internal/adapter/afad"
	"github.com/couchcryptid/quake-alert-service/internal/adapter/fcm"
	httpadapter "github.com/couchcryptid/quake-alert-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/quake-alert-service/internal/adapter/kafka"
	"github.com/couchcryptid/quake-alert-service/internal/adapter/koeri"
	"github.com/couchcryptid/quake-alert-service/internal/adapter/postgres"
	"github.com/couchcryptid/quake-alert-service/internal/adapter/redisstore"
	"github.com/couchcryptid/quake-alert-service/internal/adapter/webpush"
	"github.com/couchcryptid/quake-alert-service/internal/config"
	"github.com/couchcryptid/quake-alert-service/internal/crowd"
	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
	"github.com/couchcryptid/quake-alert-service/internal/observability"
	"github.com/couchcryptid/quake-alert-service/internal/poller"
	"github.com/couchcryptid/quake-alert-service/internal/source"
	"github.com/couchcryptid/quake-alert-service/internal/subscriber"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	sources := buildSources(cfg, logger, metrics)
	tol := domain.Tolerance{Seconds: cfg.CombinedTolSeconds, Km: cfg.CombinedTolKm}
	checks := readiness{}

	// Subscriber and crowd-report storage: Redis when configured, memory otherwise.
	var (
		subStore    subscriber.Store = subscriber.NewMemoryStore()
		reportStore crowd.Store      = crowd.NewMemoryStore()
		rdb         *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		subStore = redisstore.NewSubscribers(rdb)
		reportStore = redisstore.NewReports(rdb)
		checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info("redis storage enabled", "addr", cfg.RedisAddr)
	} else {
		logger.Info("redis not configured, using in-memory storage")
	}

	var (
		auditSink   notify.AuditSink
		auditReader notify.AuditReader
		pg          *postgres.AuditStore
	)
	if cfg.DatabaseURL != "" {
		var err error
		pg, err = postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		auditSink, auditReader = pg, pg
		checks = append(checks, pg.Ping)
		logger.Info("postgres audit log enabled")
	} else {
		mem := notify.NewMemoryAudit(500)
		auditSink, auditReader = mem, mem
	}

	channels, validators, vapidKey, err := buildChannels(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var topics notify.TopicManager
	for _, ch := range channels {
		if tm, ok := ch.(notify.TopicManager); ok {
			topics = tm
		}
	}

	manager := subscriber.NewManager(subStore, validators, cfg.TokenMaxAge, nil, logger, metrics)

	dispatchOpts := notify.DefaultOptions()
	dispatchOpts.BatchSize = cfg.PushBatchSize
	dispatchOpts.Concurrency = cfg.PushConcurrency
	dispatchOpts.CallTimeout = cfg.PushTimeout
	dispatcher := notify.NewDispatcher(manager, auditSink, channels, dispatchOpts, logger, metrics)

	detector := crowd.NewDetector(reportStore, dispatcher, crowd.DefaultOptions(), nil, logger, metrics)

	var (
		publisher poller.Publisher
		writer    *kafkaadapter.Writer
	)
	if cfg.KafkaEnabled {
		writer = kafkaadapter.NewWriter(cfg, logger)
		publisher = writer
		logger.Info("kafka publishing enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	pollOpts := poller.DefaultOptions()
	pollOpts.Interval = cfg.PollInterval
	pollOpts.InitialDelay = cfg.PollInitialDelay
	pollOpts.Window = cfg.RecencyWindow
	pollOpts.SeenCapacity = cfg.SeenCapacity
	pollOpts.Tolerance = tol
	p := poller.New(sources, dispatcher, publisher, pollOpts, logger, metrics)
	checks = append(checks, p.CheckReadiness)

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Deps{
		Sources:        sources,
		Subscribers:    manager,
		Dispatcher:     dispatcher,
		Detector:       detector,
		Audit:          auditReader,
		Topics:         topics,
		Ready:          checks,
		VAPIDPublicKey: vapidKey,
		AdminSecret:    cfg.AdminJWTSecret,
		Tolerance:      tol,
		Logger:         logger,
		Metrics:        metrics,
	})

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start poller.
	go func() {
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("poller error", "error", err)
		}
	}()

	go manager.RunSweeper(ctx, cfg.TokenSweepInterval)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	sources.Wait()
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func buildSources(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *source.Set {
	opts := source.DefaultOptions()
	opts.TTL = cfg.CacheTTL
	opts.BreakerThreshold = cfg.BreakerThreshold
	opts.BreakerCooldown = cfg.BreakerCooldown

	afadClient := afad.NewClient(cfg.AFADURL, logger)
	koeriClient := koeri.NewClient(koeri.Config{
		URL:         cfg.KOERIURL,
		FallbackURL: cfg.KOERIFallbackURL,
		APIBase:     cfg.KOERIAPIBase,
	}, logger)

	return source.NewSet(logger,
		source.NewCached(domain.SourceAFAD, afadClient, opts, logger, metrics),
		source.NewCached(domain.SourceKOERI, koeriClient, opts, logger, metrics),
	)
}

// buildChannels returns the configured delivery channels and their token
// validators. Unconfigured channels are left out; their subscribers are
// counted as skipped at dispatch time.
func buildChannels(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]notify.Channel, map[domain.Channel]notify.Validator, string, error) {
	var channels []notify.Channel
	validators := make(map[domain.Channel]notify.Validator)

	if cfg.FCMEnabled {
		ch, err := fcm.New(ctx, cfg.FCMProjectID, cfg.FCMCredentialsFile, logger)
		if err != nil {
			return nil, nil, "", fmt.Errorf("init fcm: %w", err)
		}
		channels = append(channels, ch)
		validators[domain.ChannelFCM] = ch
		logger.Info("fcm delivery enabled", "project_id", cfg.FCMProjectID)
	} else {
		logger.Info("fcm delivery disabled")
	}

	var vapidKey string
	if cfg.WebPushEnabled() {
		ch := webpush.New(webpush.Config{
			PublicKey:   cfg.VAPIDPublicKey,
			PrivateKey:  cfg.VAPIDPrivateKey,
			Subject:     cfg.VAPIDSubject,
			Concurrency: cfg.PushConcurrency * 2,
		}, logger)
		channels = append(channels, ch)
		validators[domain.ChannelWebPush] = ch
		vapidKey = ch.PublicKey()
		logger.Info("web push delivery enabled")
	} else {
		logger.Info("web push delivery disabled")
	}
	return channels, validators, vapidKey, nil
}

// readiness reports ready when every check passes.
type readiness []func(ctx context.Context) error

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, check := range r {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}
