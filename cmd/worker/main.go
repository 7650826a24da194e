// Command worker consumes job cues from Redpanda and runs the enrichment
// stages against the vendors.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/leadgen-engine/internal/adapter/observability"
	"github.com/fairyhunter13/leadgen-engine/internal/adapter/profile/rapidapi"
	"github.com/fairyhunter13/leadgen-engine/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/leadgen-engine/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/leadgen-engine/internal/adapter/verifier/mailtester"
	"github.com/fairyhunter13/leadgen-engine/internal/adapter/webhook"
	"github.com/fairyhunter13/leadgen-engine/internal/app"
	"github.com/fairyhunter13/leadgen-engine/internal/config"
	"github.com/fairyhunter13/leadgen-engine/internal/domain"
	"github.com/fairyhunter13/leadgen-engine/internal/service/domainfind"
	"github.com/fairyhunter13/leadgen-engine/internal/stage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	companyRepo := postgres.NewCompanyRepo(pool)

	// Distinct transactional ID so server and worker producers don't fence
	// each other.
	producer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "leadgen-engine-worker-producer")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	verifiers := func() domain.EmailVerifier {
		return mailtester.New(cfg.MailTesterAPIKey,
			mailtester.WithBaseURL(cfg.MailTesterBaseURL),
			mailtester.WithTimeout(cfg.VerifyTimeout),
			mailtester.WithWindow(cfg.VerifyWindowMax, cfg.VerifyWindow),
		)
	}

	finderOpts := []domainfind.Option{
		domainfind.WithTimeouts(cfg.DNSQueryTimeout, cfg.DNSTotalTimeout),
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		finderOpts = append(finderOpts, domainfind.WithRedis(rdb))
	}
	finder := domainfind.New(finderOpts...)

	profiles := rapidapi.New("https://"+cfg.RapidAPIHost, cfg.RapidAPIKey, cfg.RapidAPIHost,
		cfg.ProfileTimeout, rapidapi.WithDomainFinder(finder))

	webhooks := webhook.New(cfg.WebhookTimeout)

	orch := stage.NewOrchestrator(jobRepo, taskRepo, webhooks)
	orch.Register(domain.KindBulkVerifyLeads, &stage.VerifyLeads{
		Verifiers: verifiers,
		Companies: companyRepo,
	}, 10)
	orch.Register(domain.KindBulkVerifyEmails, &stage.VerifyEmails{
		Verifiers: verifiers,
	}, 10)
	orch.Register(domain.KindScrapeProfiles, &stage.ScrapeProfiles{
		Profiles:   profiles,
		Verifiers:  verifiers,
		ChunkSize:  cfg.ScrapeChunkSize,
		ChunkPause: cfg.ScrapeChunkPause,
	}, cfg.ScrapeChunkSize)
	orch.Register(domain.KindEnrichEmails, &stage.EnrichEmails{
		Verifiers: verifiers,
		Companies: companyRepo,
	}, 10)

	retry := redpanda.RetryPolicy{
		MaxRetries:   cfg.RetryMaxRetries,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
	}
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "leadgen-engine-workers", orch, retry)
	if err != nil {
		slog.Error("redpanda consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close consumer", slog.Any("error", err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if sweeper := app.NewStuckJobSweeper(jobRepo, producer, cfg.JobVisibilityTimeout, cfg.StuckSweepInterval); sweeper != nil {
		go sweeper.Run(runCtx)
	}

	go func() {
		slog.Info("starting redpanda consumer")
		if err := consumer.Start(runCtx); err != nil {
			slog.Error("consumer error", slog.Any("error", err))
		}
	}()

	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
	time.Sleep(time.Second)
	slog.Info("worker stopped")
}
