// Package controller implements the Pipeline Controller: the per-job
// state machine driving Pending through Reserving, Ingesting, Planning,
// SegmentProcessing, Stitching, and Committing to a terminal stage.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reclip/recap-engine/internal/domain"
	"github.com/reclip/recap-engine/internal/service/planner"
	"github.com/reclip/recap-engine/internal/service/progressbus"
	"github.com/reclip/recap-engine/internal/service/stitcher"
	"github.com/reclip/recap-engine/internal/service/workerpool"
)

// stageNeedsFail is a non-terminal sentinel a stage function returns
// alongside its error to tell advance/fail "this job still needs to be
// marked Failed" — as opposed to domain.StageFailed, which a stage
// function only returns after it has already called terminalFail
// itself (e.g. for QuotaExceeded/SourceUnreadable/PlanUnrealizable).
// Stage.IsTerminal() is true for domain.StageFailed regardless of how
// it was produced, so a stage function that reused domain.StageFailed
// here would make fail()'s already-terminal check fire for a job that
// was never actually marked Failed in the store.
const stageNeedsFail domain.Stage = "needs_fail"

// StageTimeouts bounds how long the Controller allows each
// non-deterministic stage to run before failing the job with
// domain.ErrStageTimeout.
type StageTimeouts struct {
	Ingesting         time.Duration
	Planning          time.Duration
	SegmentProcessing time.Duration
	Stitching         time.Duration
	Committing        time.Duration
}

// Config tunes Controller behavior.
type Config struct {
	WorkerID                string
	LeaseSeconds            int
	MaxConcurrentJobs       int
	Timeouts                StageTimeouts
	BillSourceDurationFallback bool
}

// Controller drives claimed jobs through the pipeline state machine.
type Controller struct {
	store         domain.JobStore
	ledger        domain.Ledger
	blobs         domain.BlobStore
	billing       domain.BillingSink
	bus           *progressbus.Bus
	planner       *planner.Planner
	pool          *workerpool.Pool
	stitcher      *stitcher.Stitcher
	textExtractor domain.TextExtractor
	cfg           Config

	mu        sync.Mutex
	cancelers map[string]context.CancelFunc
}

// New constructs a Controller. textExtractor may be nil: a job whose
// OverrideScriptBlob is empty never calls it.
func New(
	store domain.JobStore,
	ledger domain.Ledger,
	blobs domain.BlobStore,
	billing domain.BillingSink,
	bus *progressbus.Bus,
	pl *planner.Planner,
	pool *workerpool.Pool,
	st *stitcher.Stitcher,
	textExtractor domain.TextExtractor,
	cfg Config,
) *Controller {
	return &Controller{
		store:         store,
		ledger:        ledger,
		blobs:         blobs,
		billing:       billing,
		bus:           bus,
		planner:       pl,
		pool:          pool,
		stitcher:      st,
		textExtractor: textExtractor,
		cfg:           cfg,
		cancelers:     map[string]context.CancelFunc{},
	}
}

// RequestCancel cancels jobID's in-flight root context, if this
// Controller instance currently owns it. It is idempotent: cancelling
// an unknown or already-terminal job id is a no-op.
func (c *Controller) RequestCancel(jobID string) {
	c.mu.Lock()
	cancel, ok := c.cancelers[jobID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// ClaimAndRun claims one pending or recoverable job and drives it to a
// terminal stage. It returns (false, nil) if there was no job to claim.
func (c *Controller) ClaimAndRun(ctx context.Context) (bool, error) {
	job, ok, err := c.store.Claim(ctx, c.cfg.WorkerID, c.cfg.LeaseSeconds)
	if err != nil {
		return false, fmt.Errorf("op=controller.claim_and_run: %w", err)
	}
	if !ok {
		return false, nil
	}
	c.Run(ctx, job)
	return true, nil
}

// RecoverySweep reclaims jobs whose lease has expired while non-terminal
// and resumes each one; every stage is idempotent so resumption never
// duplicates billed work.
func (c *Controller) RecoverySweep(ctx context.Context, limit int) (int, error) {
	jobs, err := c.store.ListPendingForRecovery(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("op=controller.recovery_sweep: %w", err)
	}
	for range jobs {
		claimed, ok, err := c.store.Claim(ctx, c.cfg.WorkerID, c.cfg.LeaseSeconds)
		if err != nil || !ok {
			continue
		}
		go c.Run(ctx, claimed)
	}
	return len(jobs), nil
}

// Run drives job through the state machine until it reaches a terminal
// stage, renewing its lease on a ticker and honoring cancellation
// requests made via RequestCancel.
func (c *Controller) Run(parent context.Context, job domain.Job) {
	rootCtx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancelers[job.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancelers, job.ID)
		c.mu.Unlock()
		cancel()
	}()

	leaseTicker := time.NewTicker(time.Duration(c.cfg.LeaseSeconds) * time.Second / 3)
	defer leaseTicker.Stop()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-leaseTicker.C:
				if err := c.store.RenewLease(rootCtx, job.ID, c.cfg.WorkerID, c.cfg.LeaseSeconds); err != nil {
					slog.Warn("lease renewal failed", slog.String("jobId", job.ID), slog.Any("error", err))
					cancel()
					return
				}
			case <-stop:
				return
			}
		}
	}()

	if err := c.advance(rootCtx, job); err != nil {
		slog.Error("job terminated with error", slog.String("jobId", job.ID), slog.Any("error", err))
	}
}

// advance runs the state machine from job's current stage to a terminal
// stage, in the exact order Reserving -> Ingesting -> Planning ->
// SegmentProcessing -> Stitching -> Committing -> Completed.
func (c *Controller) advance(ctx context.Context, job domain.Job) error {
	stage := job.Stage
	if stage == domain.StagePending {
		stage = domain.StageReserving
	}

	for !stage.IsTerminal() {
		if ctx.Err() != nil {
			stage = c.cancelJob(ctx, job)
			break
		}

		var err error
		switch stage {
		case domain.StageReserving:
			stage, err = c.doReserve(ctx, job)
		case domain.StageIngesting:
			stage, err = c.doIngest(ctx, job)
		case domain.StagePlanning:
			stage, err = c.doPlan(ctx, job)
		case domain.StageSegmentProcessing:
			stage, err = c.doSegmentProcessing(ctx, job)
		case domain.StageStitching:
			stage, err = c.doStitch(ctx, job)
		case domain.StageCommitting:
			stage, err = c.doCommit(ctx, job)
		default:
			return fmt.Errorf("op=controller.advance: unknown stage %q", stage)
		}
		if err != nil {
			if stage == domain.StageCommitting {
				// Commit failures are never fatal: the job stays in
				// Committing for the next recovery sweep to retry, so a
				// job is never marked Completed without a successful
				// commit and never marked Failed after billing began.
				return err
			}
			return c.fail(ctx, job, stage, err)
		}

		job, err = c.reload(ctx, job.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) reload(ctx context.Context, jobID string) (domain.Job, error) {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=controller.reload: %w", err)
	}
	return j, nil
}

func (c *Controller) publish(jobID string, stage domain.Stage, progress int, step string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(jobID, domain.ProgressEvent{Stage: stage, Progress: progress, CurrentStep: step})
}

// doReserve calls Ledger.Reserve with an estimate = min(sourceDurationMinutes,
// subscriptionMinutesLimit+Σtopups): a cap on the account's total theoretical
// capacity, never a function of how much of that capacity is already used.
// Reserve itself is what checks the estimate against currently-available
// minutes and fails with ErrQuotaExceeded.
func (c *Controller) doReserve(ctx context.Context, job domain.Job) (domain.Stage, error) {
	c.publish(job.ID, domain.StageReserving, domain.StageProgressBudget[domain.StageReserving][0], "reserving quota")

	account, err := c.ledger.GetAccount(ctx, job.OwnerID)
	if err != nil {
		return stageNeedsFail, fmt.Errorf("op=controller.reserve: %w", err)
	}

	capacity := account.SubscriptionMinutesLimit
	for _, t := range account.TopUps {
		capacity += t.RemainingMinutes
	}
	estimate := estimateSourceDurationSeconds(job) / 60
	if estimate > capacity {
		estimate = capacity
	}

	reservationID, err := c.ledger.Reserve(ctx, job.OwnerID, estimate, job.ID)
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			return c.terminalFail(ctx, job, "QuotaExceeded", err.Error(), false)
		}
		return stageNeedsFail, fmt.Errorf("op=controller.reserve: %w", err)
	}

	_, err = c.store.Update(ctx, job.ID, job.Revision, func(j *domain.Job) {
		j.ReservationID = reservationID
		j.Stage = domain.StageIngesting
		j.Progress = domain.StageProgressBudget[domain.StageReserving][1]
		j.CurrentStep = "reserved"
	})
	if err != nil {
		return stageNeedsFail, fmt.Errorf("op=controller.reserve: %w", err)
	}
	c.publish(job.ID, domain.StageIngesting, domain.StageProgressBudget[domain.StageIngesting][0], "ingesting source")
	return domain.StageIngesting, nil
}

// doIngest ensures the source blob is resident and readable, and, when
// the job's override script was uploaded as a document rather than
// inline text, extracts its plain text before Planning runs.
func (c *Controller) doIngest(ctx context.Context, job domain.Job) (domain.Stage, error) {
	ingestCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Ingesting)
	defer cancel()

	if _, err := c.blobs.GetObject(ingestCtx, job.SourceBlob); err != nil {
		if errors.Is(ingestCtx.Err(), context.DeadlineExceeded) {
			return stageNeedsFail, fmt.Errorf("op=controller.ingest: %w", domain.ErrStageTimeout)
		}
		return c.terminalFail(ctx, job, "SourceUnreadable", err.Error(), false)
	}

	extractedScript := ""
	if job.Config.OverrideScriptBlob != "" {
		if c.textExtractor == nil {
			return c.terminalFail(ctx, job, "ScriptExtractionUnavailable", "no text extractor configured", false)
		}
		raw, err := c.blobs.GetObject(ingestCtx, job.Config.OverrideScriptBlob)
		if err != nil {
			return c.terminalFail(ctx, job, "ScriptUnreadable", err.Error(), false)
		}
		extractedScript, err = c.textExtractor.ExtractText(ingestCtx, raw, job.Config.OverrideScriptBlob)
		if err != nil {
			if errors.Is(ingestCtx.Err(), context.DeadlineExceeded) {
				return stageNeedsFail, fmt.Errorf("op=controller.ingest: %w", domain.ErrStageTimeout)
			}
			return c.terminalFail(ctx, job, "ScriptExtractionFailed", err.Error(), false)
		}
	}

	updated, err := c.store.Update(ctx, job.ID, job.Revision, func(j *domain.Job) {
		if extractedScript != "" {
			j.Config.OverrideScript = extractedScript
		}
		j.Stage = domain.StagePlanning
		j.Progress = domain.StageProgressBudget[domain.StageIngesting][1]
		j.CurrentStep = "planning segments"
	})
	if err != nil {
		return stageNeedsFail, fmt.Errorf("op=controller.ingest: %w", err)
	}
	_ = updated
	c.publish(job.ID, domain.StagePlanning, domain.StageProgressBudget[domain.StagePlanning][0], "planning segments")
	return domain.StagePlanning, nil
}

// doPlan runs the Segment Planner. Planner failures are deterministic
// and are never retried: they fail the job outright.
func (c *Controller) doPlan(ctx context.Context, job domain.Job) (domain.Stage, error) {
	planCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Planning)
	defer cancel()

	sourceDuration := estimateSourceDurationSeconds(job)
	segments, err := c.planner.Plan(planCtx, job.ID, job.SourceBlob, sourceDuration, job.Config)
	if err != nil {
		return c.terminalFail(ctx, job, "PlanUnrealizable", err.Error(), false)
	}

	// The Planner is deterministic, so a recovery sweep that re-enters
	// Planning for a job whose segments already made it to the store before
	// a crash recomputes the same fingerprints. Check the first one via
	// GetSegmentByFingerprint before re-inserting the whole plan; the
	// unique fingerprint index's ON CONFLICT DO NOTHING is the fallback for
	// the race between this check and a concurrent recovery attempt.
	alreadyPlanned := false
	if len(segments) > 0 {
		if _, found, fpErr := c.store.GetSegmentByFingerprint(ctx, segments[0].Fingerprint); fpErr == nil && found {
			alreadyPlanned = true
		}
	}
	if !alreadyPlanned {
		if err := c.store.CreateSegments(ctx, job.ID, segments); err != nil {
			return stageNeedsFail, fmt.Errorf("op=controller.plan: %w", err)
		}
	}

	_, err = c.store.Update(ctx, job.ID, job.Revision, func(j *domain.Job) {
		j.Stage = domain.StageSegmentProcessing
		j.SegmentsPlanned = len(segments)
		j.Progress = domain.StageProgressBudget[domain.StagePlanning][1]
		j.CurrentStep = "processing segments"
	})
	if err != nil {
		return stageNeedsFail, fmt.Errorf("op=controller.plan: %w", err)
	}
	c.publish(job.ID, domain.StageSegmentProcessing, domain.StageProgressBudget[domain.StageSegmentProcessing][0], "processing segments")
	return domain.StageSegmentProcessing, nil
}

// estimateSourceDurationSeconds is a stand-in for a real media probe:
// media duration detection is estimated from the requested target
// duration when present, else a conservative default.
func estimateSourceDurationSeconds(job domain.Job) float64 {
	if job.Config.TargetDurationMinutes > 0 {
		return job.Config.TargetDurationMinutes * 60 * 3
	}
	return 20 * 60
}

// doSegmentProcessing runs the Segment Worker Pool, skipping segments
// already marked Done by a prior (crashed) attempt via their fingerprint.
func (c *Controller) doSegmentProcessing(ctx context.Context, job domain.Job) (domain.Stage, error) {
	stageCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.SegmentProcessing)
	defer cancel()

	segments, err := c.store.GetSegments(ctx, job.ID)
	if err != nil {
		return stageNeedsFail, fmt.Errorf("op=controller.segment_processing: %w", err)
	}

	pending := segments[:0:0]
	for _, s := range segments {
		if s.Status == domain.SegmentDone {
			continue
		}
		pending = append(pending, s)
	}

	from, to := domain.StageProgressBudget[domain.StageSegmentProcessing][0], domain.StageProgressBudget[domain.StageSegmentProcessing][1]
	result, err := c.pool.Run(stageCtx, job, pending, job.SourceBlob, from, to)
	if err != nil {
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return stageNeedsFail, fmt.Errorf("op=controller.segment_processing: %w", domain.ErrStageTimeout)
		}
		if ctx.Err() != nil {
			return c.cancelJob(ctx, job), nil
		}
		return c.terminalFail(ctx, job, "SegmentProcessingFailed", err.Error(), false)
	}

	completed := result.Completed
	for _, s := range segments {
		if s.Status == domain.SegmentDone {
			completed++
		}
	}

	_, err = c.store.Update(ctx, job.ID, job.Revision, func(j *domain.Job) {
		j.Stage = domain.StageStitching
		j.SegmentsCompleted = completed
		j.Progress = to
		j.CurrentStep = "stitching output"
	})
	if err != nil {
		return stageNeedsFail, fmt.Errorf("op=controller.segment_processing: %w", err)
	}
	c.publish(job.ID, domain.StageStitching, domain.StageProgressBudget[domain.StageStitching][0], "stitching output")
	return domain.StageStitching, nil
}

// doStitch runs the Stitcher, keyed by the set of segment fingerprints
// and ordering so a retried attempt after recovery produces the same plan.
func (c *Controller) doStitch(ctx context.Context, job domain.Job) (domain.Stage, error) {
	stitchCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Stitching)
	defer cancel()

	segments, err := c.store.GetSegments(ctx, job.ID)
	if err != nil {
		return stageNeedsFail, fmt.Errorf("op=controller.stitch: %w", err)
	}

	handle, duration, err := c.stitcher.Stitch(stitchCtx, job.ID, segments)
	if err != nil {
		if errors.Is(stitchCtx.Err(), context.DeadlineExceeded) {
			return stageNeedsFail, fmt.Errorf("op=controller.stitch: %w", domain.ErrStageTimeout)
		}
		return c.terminalFail(ctx, job, "StitchFailed", err.Error(), false)
	}

	_, err = c.store.Update(ctx, job.ID, job.Revision, func(j *domain.Job) {
		j.Stage = domain.StageCommitting
		j.OutputBlob = handle
		j.OutputDurationSeconds = duration
		j.Progress = domain.StageProgressBudget[domain.StageStitching][1]
		j.CurrentStep = "committing usage"
	})
	if err != nil {
		return stageNeedsFail, fmt.Errorf("op=controller.stitch: %w", err)
	}
	c.publish(job.ID, domain.StageCommitting, domain.StageProgressBudget[domain.StageCommitting][0], "committing usage")
	return domain.StageCommitting, nil
}

// doCommit bills the job and marks it Completed. A commit failure
// leaves the job in Committing for the next recovery sweep to retry:
// a job is never marked Completed without a successful commit.
func (c *Controller) doCommit(ctx context.Context, job domain.Job) (domain.Stage, error) {
	commitCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Committing)
	defer cancel()

	outputDuration := job.OutputDurationSeconds
	if outputDuration <= 0 && c.cfg.BillSourceDurationFallback {
		outputDuration = estimateSourceDurationSeconds(job)
	}
	billingPeriod := billingPeriodOf(time.Now())

	err := c.ledger.Commit(commitCtx, job.ReservationID, outputDuration/60, job.ID, billingPeriod)
	if err != nil {
		return domain.StageCommitting, fmt.Errorf("op=controller.commit: %w", err)
	}

	_, err = c.store.MarkTerminal(ctx, job.ID, job.Revision, domain.StageCompleted, nil)
	if err != nil {
		return domain.StageCommitting, fmt.Errorf("op=controller.commit: %w", err)
	}
	c.publish(job.ID, domain.StageCompleted, 100, "completed")
	if c.bus != nil {
		c.bus.Close(job.ID)
	}

	if c.billing != nil {
		notice := domain.BillingCompletionNotice{
			JobID:         job.ID,
			UserID:        job.OwnerID,
			BilledMinutes: outputDuration / 60,
			BillingPeriod: billingPeriod,
		}
		if err := c.billing.PublishCompletion(ctx, notice); err != nil {
			slog.Error("billing completion publish failed", slog.String("jobId", job.ID), slog.Any("error", err))
		}
	}
	return domain.StageCompleted, nil
}

func billingPeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// cancelJob transitions job to Cancelled, releasing any reservation
// without billing. Cancellation is allowed from any non-terminal state.
func (c *Controller) cancelJob(ctx context.Context, job domain.Job) domain.Stage {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if job.ReservationID != "" {
		if err := c.ledger.Release(releaseCtx, job.ReservationID); err != nil {
			slog.Error("release on cancel failed", slog.String("jobId", job.ID), slog.Any("error", err))
		}
	}
	_, err := c.store.MarkTerminal(releaseCtx, job.ID, job.Revision, domain.StageCancelled, &domain.TerminalError{
		Kind:         "Cancelled",
		HumanMessage: "job cancelled",
		Retriable:    false,
	})
	if err != nil {
		slog.Error("mark cancelled failed", slog.String("jobId", job.ID), slog.Any("error", err))
	}
	c.publish(job.ID, domain.StageCancelled, job.Progress, "cancelled")
	if c.bus != nil {
		c.bus.Close(job.ID)
	}
	return domain.StageCancelled
}

// fail releases any reservation and marks the job Failed with a
// terminal error record, unless the failure has already been recorded
// via terminalFail (in which case stage is domain.StageFailed itself,
// the job is already terminal in the store, and this is a no-op
// wrapper preserving the original error for the caller/log). Any other
// stage value here, including stageNeedsFail, still needs marking.
func (c *Controller) fail(ctx context.Context, job domain.Job, stage domain.Stage, err error) error {
	if stage.IsTerminal() {
		return err
	}
	_, _ = c.terminalFail(ctx, job, "InternalError", err.Error(), true)
	return fmt.Errorf("op=controller.advance: %w", err)
}

func (c *Controller) terminalFail(ctx context.Context, job domain.Job, kind, message string, retriable bool) (domain.Stage, error) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if job.ReservationID != "" {
		if err := c.ledger.Release(releaseCtx, job.ReservationID); err != nil {
			slog.Error("release on failure failed", slog.String("jobId", job.ID), slog.Any("error", err))
		}
	}
	terminalErr := &domain.TerminalError{Kind: kind, HumanMessage: message, Retriable: retriable}
	_, err := c.store.MarkTerminal(releaseCtx, job.ID, job.Revision, domain.StageFailed, terminalErr)
	if err != nil {
		slog.Error("mark failed failed", slog.String("jobId", job.ID), slog.Any("error", err))
	}
	c.publish(job.ID, domain.StageFailed, job.Progress, kind)
	if c.bus != nil {
		c.bus.Close(job.ID)
	}
	return domain.StageFailed, fmt.Errorf("op=controller.terminal_fail: %s: %s", kind, message)
}
