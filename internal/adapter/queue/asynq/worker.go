package asynqadp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/reclip/recap-engine/internal/domain"
	"github.com/reclip/recap-engine/internal/service/controller"
)

// Worker runs the asynq consumer loop: every ProcessJobPayload wakes the
// process up to claim and drive the next pending job. Because the Job
// Store's Claim uses `FOR UPDATE SKIP LOCKED`, any number of worker
// processes can share one asynq queue without two of them ever taking
// the same row.
type Worker struct {
	server     *asynq.Server
	mux        *asynq.ServeMux
	controller *controller.Controller
}

// NewWorker constructs a Worker bound to ctrl. concurrency bounds how
// many jobs this process drives at once, mirroring maxConcurrentJobs.
func NewWorker(redisURL string, ctrl *controller.Controller, concurrency int) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	srv := asynq.NewServer(opt, asynq.Config{Concurrency: concurrency})
	mux := asynq.NewServeMux()
	w := &Worker{server: srv, mux: mux, controller: ctrl}

	mux.HandleFunc(TaskProcessJob, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("recap-engine")
		ctx, span := tracer.Start(ctx, "ProcessJob")
		defer span.End()

		var payload domain.ProcessJobPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}

		claimed, err := w.controller.ClaimAndRun(ctx)
		if err != nil {
			slog.Error("claim and run failed", slog.String("job_id", payload.JobID), slog.Any("error", err))
			return err
		}
		if !claimed {
			slog.Info("no pending job to claim", slog.String("job_id", payload.JobID))
		}
		return nil
	})

	return w, nil
}

// Start begins processing tasks until shutdown.
func (w *Worker) Start(_ context.Context) error { return w.server.Start(w.mux) }

// Stop gracefully shuts down the worker server.
func (w *Worker) Stop() { w.server.Shutdown() }
