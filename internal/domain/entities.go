// Package domain defines core entities, ports, and domain-specific errors
// for the recap pipeline engine.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Every failure surfaced by a component is
// tagged with one of these via errors.Is/errors.As, never a bare string.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")

	// ErrQuotaExceeded is returned by the Ledger when a reservation
	// would exceed a user's available minutes.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrPaymentRequired surfaces at admission when a user has no plan.
	ErrPaymentRequired = errors.New("payment required")
	// ErrProviderTransient marks a failure the External Call Gate should retry.
	ErrProviderTransient = errors.New("provider transient error")
	// ErrProviderPermanent marks a failure that fails the stage immediately.
	ErrProviderPermanent = errors.New("provider permanent error")
	// ErrStageTimeout marks a whole-stage timeout (SegmentProcessing, Stitching).
	ErrStageTimeout = errors.New("stage timeout")
	// ErrPlanUnrealizable marks a Planner that could not produce a single segment.
	ErrPlanUnrealizable = errors.New("plan unrealizable")
	// ErrStitcherFailed marks a Stitcher failure after its one retry.
	ErrStitcherFailed = errors.New("stitcher failed")
	// ErrCancelled marks a terminal-but-not-an-error job outcome.
	ErrCancelled = errors.New("cancelled")
	// ErrLeaseLost is returned by JobStore writes when the caller's lease
	// has been reclaimed by another Controller instance.
	ErrLeaseLost = errors.New("lease lost")
)

// Context aliases stdlib context.Context so domain ports read independently
// of the standard library import in call sites that only need the type name.
type Context = context.Context

// Stage is the job pipeline's state machine position.
type Stage string

// Pipeline stages, in the order they are entered on the happy path.
const (
	StagePending           Stage = "pending"
	StageReserving         Stage = "reserving"
	StageIngesting         Stage = "ingesting"
	StagePlanning          Stage = "planning"
	StageSegmentProcessing Stage = "segment_processing"
	StageStitching         Stage = "stitching"
	StageCommitting        Stage = "committing"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
	StageCancelled         Stage = "cancelled"
)

// IsTerminal reports whether a stage is one of the job's terminal states.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Progress budget per stage (start, end) shown to subscribers.
var StageProgressBudget = map[Stage][2]int{
	StageReserving:         {0, 2},
	StageIngesting:         {2, 10},
	StagePlanning:          {10, 20},
	StageSegmentProcessing: {20, 90},
	StageStitching:         {90, 97},
	StageCommitting:        {97, 100},
}

// TerminalError records why a job ended in Failed (or the cancellation reason).
type TerminalError struct {
	Kind         string `json:"kind"`
	HumanMessage string `json:"humanMessage"`
	Retriable    bool   `json:"retriable"`
}

// FeatureToggles are per-job feature flags from the admission request.
type FeatureToggles struct {
	ShortClipMode    bool `json:"shortClipMode"`
	AISegmentMatching bool `json:"aiSegmentMatching"`
}

// JobConfig is the configuration bag carried by a Job: target duration,
// optional override script, series identifier, and feature toggles.
type JobConfig struct {
	TargetDurationMinutes float64 `json:"targetDurationMinutes,omitempty"`
	OverrideScript        string  `json:"overrideScript,omitempty"`
	// OverrideScriptBlob, when set, names a blob holding a PDF/DOCX
	// script document instead of inline text; the Ingest stage extracts
	// its text with the TextExtractor and replaces OverrideScript before
	// Planning runs.
	OverrideScriptBlob string         `json:"overrideScriptBlob,omitempty"`
	SeriesID           string         `json:"seriesId,omitempty"`
	CharacterGuide     string         `json:"characterGuide,omitempty"`
	Features           FeatureToggles `json:"features"`
}

// Job represents one end-to-end recap processing request.
//
// Invariants: 0 <= SegmentsCompleted <= SegmentsPlanned; Progress never
// decreases; once Stage is terminal it never changes again;
// OutputDurationSeconds is set iff Stage == StageCompleted; a job is
// owned by exactly one OwnerID for its entire lifecycle.
type Job struct {
	ID        string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time

	Stage       Stage
	Progress    int
	CurrentStep string

	SegmentsPlanned   int
	SegmentsCompleted int

	SourceBlob string
	Config     JobConfig

	OutputBlob             string
	OutputDurationSeconds  float64

	TerminalError       *TerminalError
	TerminalCommitted    bool
	ReservationID        string

	// Revision is the optimistic-concurrency token. Every successful
	// Update increments it; a write with a stale Revision is rejected.
	Revision int64

	// LeaseOwner/LeaseExpiresAt are internal lease bookkeeping fields,
	// stripped from the public Job Snapshot returned to callers.
	LeaseOwner     string
	LeaseExpiresAt time.Time
}

// Snapshot returns the public view of a Job: everything except
// Revision and lease metadata, for the Status query response.
type Snapshot struct {
	ID                    string
	OwnerID               string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Stage                 Stage
	Progress              int
	CurrentStep           string
	SegmentsPlanned       int
	SegmentsCompleted     int
	SourceBlob            string
	Config                JobConfig
	OutputBlob            string
	OutputDurationSeconds float64
	TerminalError         *TerminalError
}

// ToSnapshot strips internal fields (revision, lease) from a Job.
func (j Job) ToSnapshot() Snapshot {
	return Snapshot{
		ID:                    j.ID,
		OwnerID:               j.OwnerID,
		CreatedAt:             j.CreatedAt,
		UpdatedAt:             j.UpdatedAt,
		Stage:                 j.Stage,
		Progress:              j.Progress,
		CurrentStep:           j.CurrentStep,
		SegmentsPlanned:       j.SegmentsPlanned,
		SegmentsCompleted:     j.SegmentsCompleted,
		SourceBlob:            j.SourceBlob,
		Config:                j.Config,
		OutputBlob:            j.OutputBlob,
		OutputDurationSeconds: j.OutputDurationSeconds,
		TerminalError:         j.TerminalError,
	}
}

// SegmentStatus is the per-segment lifecycle state.
type SegmentStatus string

// Segment status values.
const (
	SegmentPlanned     SegmentStatus = "planned"
	SegmentDescribing  SegmentStatus = "describing"
	SegmentSynthesizing SegmentStatus = "synthesizing"
	SegmentAligning    SegmentStatus = "aligning"
	SegmentDone        SegmentStatus = "done"
	SegmentFailed      SegmentStatus = "failed"
)

// Segment is a planned unit of work inside a job.
type Segment struct {
	JobID       string
	Index       int
	Start       float64
	End         float64
	Fingerprint string

	Status SegmentStatus

	NarrationText  string
	AudioHandle    string
	SpeedFactor    float64

	Error *TerminalError
}

// TopUpCredit is an out-of-subscription pool of additional minutes,
// consumed oldest-first after subscription minutes are exhausted.
type TopUpCredit struct {
	ID               string
	UserID           string
	ExternalRef      string
	PurchasedMinutes float64
	RemainingMinutes float64
	CreatedAt        time.Time
}

// QuotaAccount is the per-user minutes ledger state.
type QuotaAccount struct {
	UserID                  string
	SubscriptionMinutesLimit float64
	SubscriptionMinutesUsed  float64
	TopUps                   []TopUpCredit
}

// AvailableMinutes returns limit - used + sum(remaining top-ups).
func (q QuotaAccount) AvailableMinutes() float64 {
	total := q.SubscriptionMinutesLimit - q.SubscriptionMinutesUsed
	for _, t := range q.TopUps {
		total += t.RemainingMinutes
	}
	return total
}

// UsageRecord anchors exactly-once billing: one row per (jobID, billingPeriod).
type UsageRecord struct {
	JobID         string
	UserID        string
	BillingPeriod string
	MinutesBilled float64
	CreatedAt     time.Time
}

// ProgressEvent is the tagged variant pushed through the Progress Bus
// and the live subscription transport.
type ProgressEvent struct {
	JobID         string    `json:"jobId"`
	Sequence      int64     `json:"sequence"`
	Stage         Stage     `json:"stage"`
	Progress      int       `json:"progress"`
	CurrentStep   string    `json:"currentStep"`
	Completed     int       `json:"completed"`
	Planned       int       `json:"planned"`
	TerminalError *TerminalError `json:"terminalError,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schemaVersion"`
}

// AdmissionRequest is the input to job creation.
type AdmissionRequest struct {
	OwnerID               string
	SourceBlob            string
	UploadToken           string
	OverrideScript        string
	TargetDurationMinutes float64
	SeriesID              string
	Features              FeatureToggles
	CharacterGuide        string
}

// ProcessJobPayload is the queue payload dispatched from admission to
// the worker process; it carries only the job id, not the business data,
// which lives durably in the Job Store.
type ProcessJobPayload struct {
	JobID string `json:"jobId"`
}

// BillingCompletionNotice is the signed event emitted to the billing
// sink when a job reaches Completed.
type BillingCompletionNotice struct {
	JobID         string  `json:"jobId"`
	UserID        string  `json:"userId"`
	BilledMinutes float64 `json:"billedMinutes"`
	BillingPeriod string  `json:"billingPeriod"`
}

// Ports

// JobStore is the durable record of each job/segment.
type JobStore interface {
	Create(ctx Context, j Job) (string, error)
	Claim(ctx Context, workerID string, leaseSeconds int) (Job, bool, error)
	RenewLease(ctx Context, jobID, workerID string, leaseSeconds int) error
	Update(ctx Context, jobID string, revision int64, patch func(*Job)) (Job, error)
	GetSnapshot(ctx Context, jobID string) (Snapshot, error)
	Get(ctx Context, jobID string) (Job, error)
	ListByOwner(ctx Context, ownerID string, offset, limit int) ([]Snapshot, error)
	MarkTerminal(ctx Context, jobID string, revision int64, stage Stage, terminalErr *TerminalError) (Job, error)
	ListPendingForRecovery(ctx Context, limit int) ([]Job, error)

	CreateSegments(ctx Context, jobID string, segments []Segment) error
	GetSegments(ctx Context, jobID string) ([]Segment, error)
	UpdateSegment(ctx Context, s Segment) error
	GetSegmentByFingerprint(ctx Context, fingerprint string) (Segment, bool, error)
}

// Ledger manages quota reservation, exactly-once commit, and top-ups.
type Ledger interface {
	Reserve(ctx Context, userID string, estimateMinutes float64, jobID string) (reservationID string, err error)
	Commit(ctx Context, reservationID string, actualMinutes float64, jobID, billingPeriod string) error
	Release(ctx Context, reservationID string) error
	TopUp(ctx Context, userID string, minutes float64, externalReference string) error
	GetAccount(ctx Context, userID string) (QuotaAccount, error)
}

// BlobStore is the gateway for uploading/downloading media.
type BlobStore interface {
	PutObject(ctx Context, key string, data []byte, contentType string) (handle string, err error)
	GetObject(ctx Context, handle string) ([]byte, error)
	PresignGet(ctx Context, handle string, ttl time.Duration) (url string, err error)
	Delete(ctx Context, handle string) error
}

// Queue dispatches ProcessJobPayload from the admission path to worker processes.
type Queue interface {
	EnqueueProcessJob(ctx Context, payload ProcessJobPayload) (string, error)
}

// BillingSink publishes billing completion notices.
type BillingSink interface {
	PublishCompletion(ctx Context, notice BillingCompletionNotice) error
}

// VisualDescriber is the visual-understanding provider port.
type VisualDescriber interface {
	Describe(ctx Context, sourceBlob string, start, end float64, targetWords int) (narration string, err error)
}

// Synthesizer is the text-to-speech provider port.
type Synthesizer interface {
	Synthesize(ctx Context, text string) (audioHandle string, durationSeconds float64, err error)
}

// ChapterService is the external chapter/TOC provider port.
type ChapterService interface {
	Chapters(ctx Context, sourceBlob string) ([]Chapter, error)
}

// Chapter is a coarse chapter boundary returned by the chapter service.
type Chapter struct {
	Start, End float64
	Importance float64
}

// Transcoder is the media sub-process port.
type Transcoder interface {
	Stitch(ctx Context, plan AssemblyPlan) (outputHandle string, outputDurationSeconds float64, err error)
}

// TextExtractor converts an uploaded document (PDF, DOCX) into plain
// text for an override script supplied as a file rather than inline text.
type TextExtractor interface {
	ExtractText(ctx Context, data []byte, fileName string) (string, error)
}

// AssemblyPlan is handed to the Transcoder by the Stitcher.
type AssemblyPlan struct {
	JobID string
	Items []AssemblyItem
}

// AssemblyItem is one entry of an AssemblyPlan.
type AssemblyItem struct {
	SourceStart, SourceEnd float64
	AudioHandle            string
	SpeedFactor            float64
}
