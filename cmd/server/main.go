// Command server starts the recap engine's admission HTTP API.
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
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/reclip/recap-engine/internal/adapter/httpserver"
	"github.com/reclip/recap-engine/internal/adapter/observability"
	"github.com/reclip/recap-engine/internal/adapter/providers"
	"github.com/reclip/recap-engine/internal/adapter/queue/asynq"
	"github.com/reclip/recap-engine/internal/adapter/queue/redpanda"
	"github.com/reclip/recap-engine/internal/adapter/repo/postgres"
	"github.com/reclip/recap-engine/internal/adapter/vector"
	qdrantcli "github.com/reclip/recap-engine/internal/adapter/vector/qdrant"
	"github.com/reclip/recap-engine/internal/app"
	"github.com/reclip/recap-engine/internal/config"
	"github.com/reclip/recap-engine/internal/service/controller"
	"github.com/reclip/recap-engine/internal/service/gate"
	"github.com/reclip/recap-engine/internal/service/planner"
	"github.com/reclip/recap-engine/internal/service/progressbus"
	"github.com/reclip/recap-engine/internal/service/ratelimiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}

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

	var qcli *qdrantcli.Client
	var characterGuide planner.CharacterGuideLookup
	if cfg.QdrantURL != "" {
		qcli = qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
		characterGuide = vector.New(qcli)
	}

	chapterSvc := providers.NewChapterClient(cfg.ChapterServiceURL, callGate)
	pl := planner.New(callGate, chapterSvc, characterGuide, planner.DefaultLimits())

	queueClient, err := asynq.New(cfg.RedisURL)
	if err != nil {
		slog.Error("asynq client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = queueClient.Close() }()

	billingSink, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.BillingHMACKey)
	if err != nil {
		slog.Error("billing sink init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = billingSink.Close() }()

	bus := progressbus.New()

	// The admission process itself never drives the pipeline; it only
	// needs a Controller to expose RequestCancel to the cancellation
	// endpoint. The worker process owns the pool/stitcher that actually
	// run jobs.
	ctrl := controller.New(store, ledger, nil, billingSink, bus, pl, nil, nil, nil, controller.Config{
		WorkerID:     "admission",
		LeaseSeconds: cfg.LeaseSeconds,
	})

	dbCheck, qdrantCheck := app.BuildReadinessChecks(cfg, pool)

	srv := httpserver.NewServer(cfg, store, ledger, queueClient, bus, ctrl, dbCheck, qdrantCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
