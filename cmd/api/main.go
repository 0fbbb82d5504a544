package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	goredis "github.com/redis/go-redis/v9"

	config "skeenode/configs"
	"skeenode/pkg/api"
	"skeenode/pkg/api/middleware"
	"skeenode/pkg/auth"
	"skeenode/pkg/coordination"
	"skeenode/pkg/coordination/etcd"
	"skeenode/pkg/events"
	"skeenode/pkg/jobs"
	"skeenode/pkg/logger"
	tracing "skeenode/pkg/observability"
	"skeenode/pkg/pipeline"
	"skeenode/pkg/storage/logstore"
	"skeenode/pkg/storage/postgres"
	"skeenode/pkg/storage/redis"
)

func main() {
	cfg := config.LoadConfig()

	if _, err := logger.Init(logger.DefaultConfig("orchestrator")); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting orchestrator API")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	tracingProvider, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "orchestrator",
		Endpoint:    cfg.OTLPEndpoint,
		Enabled:     cfg.TracingEnabled,
		SamplingRate: 1.0,
	})
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracingProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)

	jobStore, err := postgres.NewJobStore(connStr)
	if err != nil {
		logger.Fatal("failed to init job store", zap.Error(err))
	}
	defer jobStore.Close()

	pipelineStore, err := postgres.NewPipelineStore(connStr)
	if err != nil {
		logger.Fatal("failed to init pipeline store", zap.Error(err))
	}
	defer pipelineStore.Close()

	logger.Info("postgres connected")

	redisAddr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	bus, err := redis.NewEventBus(redisAddr)
	if err != nil {
		logger.Fatal("failed to init redis event bus", zap.Error(err))
	}
	defer bus.Close()
	publisher := events.NewPublisher(bus)

	logger.Info("redis connected")

	var coordinator coordination.Coordinator
	var election coordination.Election
	if len(cfg.EtcdEndpoints) > 0 {
		etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.LeaderElectionTTL)
		if err != nil {
			logger.Fatal("failed to connect to etcd", zap.Error(err))
		}
		defer etcdCoord.Close()
		coordinator = etcdCoord
		election = etcdCoord.NewElection(cfg.LeaderElectionKey)

		go func() {
			if err := election.Campaign(ctx, hostnameOrDefault()); err != nil && ctx.Err() == nil {
				logger.Warn("leader campaign ended", zap.Error(err))
			}
		}()
		logger.Info("etcd connected, campaigning for leadership")
	}

	logArchiver := buildLogArchiver(cfg)

	registry := jobs.NewRegistry()
	if logArchiver != nil {
		registry.RegisterHandler("shell", jobs.NewShellHandler(nil, logArchiver))
	} else {
		registry.RegisterHandler("shell", jobs.NewShellHandler(nil))
	}

	validatorCfg := middleware.DefaultValidatorConfig()
	validatorCfg.AllowedJobTypes = append(validatorCfg.AllowedJobTypes, "shell")
	validator := middleware.NewValidator(validatorCfg)

	retryCfg := jobs.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoffMs:  cfg.RetryInitialBackoffMs,
		MaxBackoffMs:      cfg.RetryMaxBackoffMs,
		BackoffMultiplier: cfg.RetryBackoffMultiplier,
	}

	schedulerCfg := jobs.Config{
		PollInterval:    time.Duration(cfg.WorkerPollIntervalMs) * time.Millisecond,
		ShutdownTimeout: time.Duration(cfg.WorkerShutdownTimeoutMs) * time.Millisecond,
		Concurrency: jobs.ConcurrencyConfig{
			Global:     cfg.ConcurrencyGlobal,
			PerType:    cfg.ConcurrencyPerType,
			PerSession: cfg.ConcurrencyPerSession,
		},
		Timeouts: jobs.TimeoutConfig{
			Default: cfg.TimeoutDefaultMs,
			PerType: cfg.TimeoutPerTypeMs,
		},
	}

	scheduler := jobs.NewScheduler(jobStore, registry, publisher, schedulerCfg, retryCfg)
	go scheduler.Run(ctx)

	jobService := jobs.NewService(jobStore, scheduler, publisher, retryCfg)

	pipelineEngine := pipeline.NewEngine(pipelineStore, publisher, nil)

	cronTrigger := pipeline.NewCronTrigger(pipelineEngine)
	if err := cronTrigger.Sync(ctx); err != nil {
		logger.Warn("cron sync failed", zap.Error(err))
	}
	cronTrigger.Start()
	defer cronTrigger.Stop()

	go runCleanupLoop(ctx, jobStore, cfg)

	apiPort := cfg.APIPort
	if apiPort == "" {
		apiPort = "8080"
	}

	var authCfg middleware.AuthConfig
	if cfg.AuthEnabled {
		jwtService, err := auth.NewJWTService(auth.JWTConfig{
			SecretKey:     cfg.JWTSecret,
			Issuer:        cfg.JWTIssuer,
			TokenExpiry:   1 * time.Hour,
			RefreshExpiry: 24 * time.Hour,
		})
		if err != nil {
			logger.Fatal("failed to init jwt service", zap.Error(err))
		}
		apiKeyClient := goredis.NewClient(&goredis.Options{Addr: redisAddr})
		defer apiKeyClient.Close()
		authCfg = middleware.AuthConfig{
			JWTService:  jwtService,
			APIKeyStore: auth.NewRedisAPIKeyStore(apiKeyClient),
		}
		logger.Info("gateway authentication enabled")
	}

	server := api.NewServer(api.Config{
		Port:        apiPort,
		Jobs:        jobService,
		Pipelines:   pipelineEngine,
		Coordinator: coordinator,
		Election:    election,
		Validator:   validator,
		AuthEnabled: cfg.AuthEnabled,
		Auth:        authCfg,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("port", apiPort))

	sig := <-sigChan
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if election != nil {
		_ = election.Resign(shutdownCtx)
	}

	cancel()
	logger.Info("shutdown complete")
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "orchestrator-api"
	}
	return h
}

// buildLogArchiver wires an overflow destination for oversized shell-job
// output: S3 (or a MinIO-compatible endpoint) when a bucket is configured,
// a local directory otherwise. Returns nil when neither is reachable,
// leaving large output inline in Postgres.
func buildLogArchiver(cfg *config.Config) logstore.LogStore {
	if cfg.S3LogBucket != "" {
		store, err := logstore.NewS3LogStore(logstore.S3LogStoreConfig{
			Bucket: cfg.S3LogBucket,
			Prefix: "logs/jobs/",
			Region: cfg.S3Region,
		})
		if err != nil {
			logger.Warn("failed to init s3 log archiver, falling back to local", zap.Error(err))
		} else {
			return store
		}
	}
	store, err := logstore.NewLocalLogStore("/var/lib/orchestrator/job-logs")
	if err != nil {
		logger.Warn("failed to init local log archiver", zap.Error(err))
		return nil
	}
	return store
}

// runCleanupLoop periodically purges terminal jobs past their retention
// window, the way the teacher's executor runs its own background sweeps.
func runCleanupLoop(ctx context.Context, store *postgres.JobStore, cfg *config.Config) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	retention := jobs.Retention{
		CompletedRetention: time.Duration(cfg.CleanupCompletedRetentionHours) * time.Hour,
		FailedRetention:    time.Duration(cfg.CleanupFailedRetentionHours) * time.Hour,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Cleanup(ctx, retention)
			if err != nil {
				logger.Warn("cleanup sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("cleanup sweep removed jobs", zap.Int64("count", n))
			}
		}
	}
}
