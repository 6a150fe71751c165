// Command worker drives claimed jobs through the pipeline state machine.
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

	"github.com/reclip/recap-engine/internal/adapter/blob"
	"github.com/reclip/recap-engine/internal/adapter/observability"
	"github.com/reclip/recap-engine/internal/adapter/providers"
	"github.com/reclip/recap-engine/internal/adapter/queue/asynq"
	"github.com/reclip/recap-engine/internal/adapter/queue/redpanda"
	"github.com/reclip/recap-engine/internal/adapter/repo/postgres"
	"github.com/reclip/recap-engine/internal/adapter/textextractor/tika"
	"github.com/reclip/recap-engine/internal/adapter/vector"
	qdrantcli "github.com/reclip/recap-engine/internal/adapter/vector/qdrant"
	"github.com/reclip/recap-engine/internal/config"
	"github.com/reclip/recap-engine/internal/service/controller"
	"github.com/reclip/recap-engine/internal/service/gate"
	"github.com/reclip/recap-engine/internal/service/planner"
	"github.com/reclip/recap-engine/internal/service/progressbus"
	"github.com/reclip/recap-engine/internal/service/ratelimiter"
	"github.com/reclip/recap-engine/internal/service/stitcher"
	"github.com/reclip/recap-engine/internal/service/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
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

	store := postgres.NewJobRepo(pool)
	ledger := postgres.NewLedgerRepo(pool)

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpt)

	policies, err := config.LoadProviders(cfg.ProvidersConfigPath)
	if err != nil {
		slog.Error("providers config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	buckets := map[string]ratelimiter.BucketConfig{}
	for key, p := range policies {
		buckets[key] = ratelimiter.NewBucketConfigFromPerMinute(int(p.RequestsPerSecond * 60))
	}
	limiter := ratelimiter.NewRedisLuaLimiter(rdb, pool, buckets)
	callGate := gate.New(limiter, policies)

	blobs := blob.New(cfg.BlobEndpoint, cfg.BlobBucket, cfg.BlobAccessKey, cfg.BlobSecretKey, cfg.BlobHMACKey)

	var qcli *qdrantcli.Client
	var characterGuide planner.CharacterGuideLookup
	if cfg.QdrantURL != "" {
		qcli = qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
		characterGuide = vector.New(qcli)
	}

	chapterSvc := providers.NewChapterClient(cfg.ChapterServiceURL, callGate)
	planLimits := planner.Limits{
		MinSegmentSeconds:   cfg.PlanMinSegmentSeconds,
		MaxSegmentSeconds:   cfg.PlanMaxSegmentSeconds,
		ShortClipMaxSeconds: planner.DefaultLimits().ShortClipMaxSeconds,
		TargetOverrunFactor: cfg.PlanTargetOverrunFactor,
		MaxSegments:         cfg.PlanMaxSegments,
	}
	pl := planner.New(callGate, chapterSvc, characterGuide, planLimits)

	visualClient := providers.NewVisualClient(cfg.VisualProviderURL, cfg.VisualProviderKey, callGate)
	ttsClient := providers.NewTTSClient(cfg.TTSProviderURL, cfg.TTSProviderKey, callGate, blobs)
	transcoderClient := providers.NewTranscoderClient(cfg.TranscoderURL, callGate)

	bus := progressbus.New()

	workerPoolCfg := workerpool.Config{
		Concurrency:       cfg.WorkerConcurrencyPerJob,
		DescribeMaxWords:  cfg.SegmentDescribeMaxWords,
		DescribeMaxTokens: cfg.SegmentDescribeMaxTokens,
		FailureTolerance:  workerpool.DefaultConfig().FailureTolerance,
	}
	segmentPool := workerpool.New(visualClient, ttsClient, bus, store, workerPoolCfg)
	stitch := stitcher.New(transcoderClient)

	billingSink, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "recap-engine-worker-billing-producer", cfg.BillingHMACKey)
	if err != nil {
		slog.Error("billing sink init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = billingSink.Close() }()

	textExtractor := tika.New(cfg.TikaURL)

	ctrl := controller.New(store, ledger, blobs, billingSink, bus, pl, segmentPool, stitch, textExtractor, controller.Config{
		WorkerID:          "worker-" + hostnameOrDefault(),
		LeaseSeconds:      cfg.LeaseSeconds,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		Timeouts: controller.StageTimeouts{
			Ingesting:         cfg.StageTimeoutIngesting,
			Planning:          cfg.StageTimeoutPlanning,
			SegmentProcessing: cfg.StageTimeoutSegmentProcessing,
			Stitching:         cfg.StageTimeoutStitching,
			Committing:        cfg.StageTimeoutCommitting,
		},
		BillSourceDurationFallback: cfg.BillSourceDurationFallback,
	})

	asynqWorker, err := asynq.NewWorker(cfg.RedisURL, ctrl, cfg.MaxConcurrentJobs)
	if err != nil {
		slog.Error("asynq worker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	if _, err := ctrl.RecoverySweep(ctx, cfg.MaxConcurrentJobs); err != nil {
		slog.Warn("startup recovery sweep failed", slog.Any("error", err))
	}

	recoveryTicker := time.NewTicker(time.Duration(cfg.LeaseSeconds) * time.Second)
	defer recoveryTicker.Stop()
	go func() {
		for range recoveryTicker.C {
			if _, err := ctrl.RecoverySweep(ctx, cfg.MaxConcurrentJobs); err != nil {
				slog.Warn("recovery sweep failed", slog.Any("error", err))
			}
		}
	}()

	go func() {
		slog.Info("asynq worker starting")
		if err := asynqWorker.Start(ctx); err != nil {
			slog.Error("worker error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	asynqWorker.Stop()
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "local"
	}
	return h
}
