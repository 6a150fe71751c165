// Package postgres provides PostgreSQL database adapters.
//
// It implements the Job Store and Quota Ledger behind the domain
// ports, with explicit transaction management, optimistic-concurrency
// updates, and OpenTelemetry instrumentation throughout.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/reclip/recap-engine/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists jobs and segments in PostgreSQL and implements domain.JobStore.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

func tracerSpan(ctx context.Context, name, op, table string) (context.Context, func()) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", table),
	)
	return ctx, span.End
}

// Create inserts a new job at revision 0 and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	ctx, end := tracerSpan(ctx, "jobs.Create", "INSERT", "jobs")
	defer end()

	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	cfgJSON, err := json.Marshal(j.Config)
	if err != nil {
		return "", fmt.Errorf("op=job.create.marshal_config: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs
		(id, owner_id, stage, progress, current_step, segments_planned, segments_completed,
		 source_blob, config, revision, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$10)`
	_, err = r.Pool.Exec(ctx, q, id, j.OwnerID, domain.StagePending, 0, "", 0, 0, j.SourceBlob, cfgJSON, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Claim atomically assigns a pending (or lease-expired) job to workerID
// and starts its lease, in worker-lease priority order of creation.
func (r *JobRepo) Claim(ctx domain.Context, workerID string, leaseSeconds int) (domain.Job, bool, error) {
	ctx, end := tracerSpan(ctx, "jobs.Claim", "UPDATE", "jobs")
	defer end()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.claim.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)

	q := `UPDATE jobs SET lease_owner=$1, lease_expires_at=$2, updated_at=$3, revision=revision+1
		WHERE id = (
			SELECT id FROM jobs
			WHERE stage != ALL($4) AND (lease_owner = '' OR lease_expires_at < $3)
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, owner_id, stage, progress, current_step, segments_planned, segments_completed,
			source_blob, config, output_blob, output_duration_seconds, terminal_error,
			terminal_committed, reservation_id, revision, created_at, updated_at`

	terminal := []string{string(domain.StageCompleted), string(domain.StageFailed), string(domain.StageCancelled)}
	row := tx.QueryRow(ctx, q, workerID, lease, now, terminal)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.claim: %w", err)
	}
	j.LeaseOwner = workerID
	j.LeaseExpiresAt = lease

	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.claim.commit: %w", err)
	}
	committed = true
	return j, true, nil
}

// RenewLease extends a held lease; it fails if another worker has taken it.
func (r *JobRepo) RenewLease(ctx domain.Context, jobID, workerID string, leaseSeconds int) error {
	ctx, end := tracerSpan(ctx, "jobs.RenewLease", "UPDATE", "jobs")
	defer end()

	lease := time.Now().UTC().Add(time.Duration(leaseSeconds) * time.Second)
	q := `UPDATE jobs SET lease_expires_at=$1, updated_at=$2 WHERE id=$3 AND lease_owner=$4`
	tag, err := r.Pool.Exec(ctx, q, lease, time.Now().UTC(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("op=job.renew_lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.renew_lease: %w", domain.ErrLeaseLost)
	}
	return nil
}

// Update applies patch to a fresh in-memory copy of the job and writes
// it back only if revision still matches, incrementing it on success.
func (r *JobRepo) Update(ctx domain.Context, jobID string, revision int64, patch func(*domain.Job)) (domain.Job, error) {
	ctx, end := tracerSpan(ctx, "jobs.Update", "UPDATE", "jobs")
	defer end()

	current, err := r.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if current.Revision != revision {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrConflict)
	}
	patch(&current)
	current.UpdatedAt = time.Now().UTC()

	cfgJSON, err := json.Marshal(current.Config)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.update.marshal_config: %w", err)
	}
	var terminalJSON []byte
	if current.TerminalError != nil {
		terminalJSON, err = json.Marshal(current.TerminalError)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=job.update.marshal_terminal: %w", err)
		}
	}

	q := `UPDATE jobs SET stage=$1, progress=$2, current_step=$3, segments_planned=$4,
		segments_completed=$5, source_blob=$6, config=$7, output_blob=$8,
		output_duration_seconds=$9, terminal_error=$10, terminal_committed=$11,
		reservation_id=$12, updated_at=$13, revision=revision+1
		WHERE id=$14 AND revision=$15`
	tag, err := r.Pool.Exec(ctx, q,
		current.Stage, current.Progress, current.CurrentStep, current.SegmentsPlanned,
		current.SegmentsCompleted, current.SourceBlob, cfgJSON, current.OutputBlob,
		current.OutputDurationSeconds, terminalJSON, current.TerminalCommitted,
		current.ReservationID, current.UpdatedAt, jobID, revision)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrConflict)
	}
	current.Revision = revision + 1
	return current, nil
}

// MarkTerminal transitions a job to a terminal stage with an optional error.
func (r *JobRepo) MarkTerminal(ctx domain.Context, jobID string, revision int64, stage domain.Stage, terminalErr *domain.TerminalError) (domain.Job, error) {
	return r.Update(ctx, jobID, revision, func(j *domain.Job) {
		j.Stage = stage
		j.TerminalError = terminalErr
		if stage == domain.StageCompleted {
			j.Progress = 100
		}
	})
}

// GetSnapshot loads the public view of a job.
func (r *JobRepo) GetSnapshot(ctx domain.Context, jobID string) (domain.Snapshot, error) {
	j, err := r.Get(ctx, jobID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return j.ToSnapshot(), nil
}

// Get loads the full internal job record by id.
func (r *JobRepo) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	ctx, end := tracerSpan(ctx, "jobs.Get", "SELECT", "jobs")
	defer end()
	q := `SELECT id, owner_id, stage, progress, current_step, segments_planned, segments_completed,
		source_blob, config, output_blob, output_duration_seconds, terminal_error,
		terminal_committed, reservation_id, revision, created_at, updated_at
		FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ListByOwner returns a paginated list of a user's job snapshots, newest first.
func (r *JobRepo) ListByOwner(ctx domain.Context, ownerID string, offset, limit int) ([]domain.Snapshot, error) {
	ctx, end := tracerSpan(ctx, "jobs.ListByOwner", "SELECT", "jobs")
	defer end()
	q := `SELECT id, owner_id, stage, progress, current_step, segments_planned, segments_completed,
		source_blob, config, output_blob, output_duration_seconds, terminal_error,
		terminal_committed, reservation_id, revision, created_at, updated_at
		FROM jobs WHERE owner_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_owner: %w", err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_by_owner.scan: %w", err)
		}
		out = append(out, j.ToSnapshot())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_by_owner.rows: %w", err)
	}
	return out, nil
}

// ListPendingForRecovery returns jobs whose lease has expired or that
// are still mid-pipeline after a crash, for the Controller's startup sweep.
func (r *JobRepo) ListPendingForRecovery(ctx domain.Context, limit int) ([]domain.Job, error) {
	ctx, end := tracerSpan(ctx, "jobs.ListPendingForRecovery", "SELECT", "jobs")
	defer end()
	q := `SELECT id, owner_id, stage, progress, current_step, segments_planned, segments_completed,
		source_blob, config, output_blob, output_duration_seconds, terminal_error,
		terminal_committed, reservation_id, revision, created_at, updated_at
		FROM jobs
		WHERE stage != ALL($1) AND lease_expires_at < $2
		ORDER BY created_at ASC LIMIT $3`
	terminal := []string{string(domain.StageCompleted), string(domain.StageFailed), string(domain.StageCancelled)}
	rows, err := r.Pool.Query(ctx, q, terminal, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_pending_recovery: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_pending_recovery.scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var cfgJSON []byte
	var terminalJSON []byte
	var outputBlob, reservationID *string
	var outputDuration *float64
	if err := row.Scan(&j.ID, &j.OwnerID, &j.Stage, &j.Progress, &j.CurrentStep,
		&j.SegmentsPlanned, &j.SegmentsCompleted, &j.SourceBlob, &cfgJSON,
		&outputBlob, &outputDuration, &terminalJSON, &j.TerminalCommitted,
		&reservationID, &j.Revision, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &j.Config); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if len(terminalJSON) > 0 {
		var te domain.TerminalError
		if err := json.Unmarshal(terminalJSON, &te); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal terminal_error: %w", err)
		}
		j.TerminalError = &te
	}
	if outputBlob != nil {
		j.OutputBlob = *outputBlob
	}
	if outputDuration != nil {
		j.OutputDurationSeconds = *outputDuration
	}
	if reservationID != nil {
		j.ReservationID = *reservationID
	}
	return j, nil
}

// CreateSegments bulk-inserts the plan produced by the Segment Planner.
func (r *JobRepo) CreateSegments(ctx domain.Context, jobID string, segments []domain.Segment) error {
	ctx, end := tracerSpan(ctx, "jobs.CreateSegments", "INSERT", "segments")
	defer end()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=segments.create.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// ON CONFLICT (fingerprint) is a crash-retry safeguard: doPlan can run
	// again against a job whose segments were already inserted before the
	// prior process died, and idx_segments_fingerprint's unique index would
	// otherwise turn that retry into a permanent recovery failure.
	q := `INSERT INTO segments (job_id, idx, start_seconds, end_seconds, fingerprint, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (fingerprint) DO NOTHING`
	for _, s := range segments {
		if _, err := tx.Exec(ctx, q, jobID, s.Index, s.Start, s.End, s.Fingerprint, domain.SegmentPlanned); err != nil {
			return fmt.Errorf("op=segments.create: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=segments.create.commit: %w", err)
	}
	committed = true
	return nil
}

// GetSegments returns all segments for a job, ordered by index.
func (r *JobRepo) GetSegments(ctx domain.Context, jobID string) ([]domain.Segment, error) {
	ctx, end := tracerSpan(ctx, "jobs.GetSegments", "SELECT", "segments")
	defer end()
	q := `SELECT job_id, idx, start_seconds, end_seconds, fingerprint, status,
		COALESCE(narration_text,''), COALESCE(audio_handle,''), COALESCE(speed_factor,1), error
		FROM segments WHERE job_id=$1 ORDER BY idx ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=segments.get: %w", err)
	}
	defer rows.Close()

	var out []domain.Segment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("op=segments.get.scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSegment(row rowScanner) (domain.Segment, error) {
	var s domain.Segment
	var errJSON []byte
	if err := row.Scan(&s.JobID, &s.Index, &s.Start, &s.End, &s.Fingerprint, &s.Status,
		&s.NarrationText, &s.AudioHandle, &s.SpeedFactor, &errJSON); err != nil {
		return domain.Segment{}, err
	}
	if len(errJSON) > 0 {
		var te domain.TerminalError
		if err := json.Unmarshal(errJSON, &te); err != nil {
			return domain.Segment{}, fmt.Errorf("unmarshal segment error: %w", err)
		}
		s.Error = &te
	}
	return s, nil
}

// UpdateSegment writes back a segment's status/output fields.
func (r *JobRepo) UpdateSegment(ctx domain.Context, s domain.Segment) error {
	ctx, end := tracerSpan(ctx, "jobs.UpdateSegment", "UPDATE", "segments")
	defer end()

	var errJSON []byte
	if s.Error != nil {
		var err error
		errJSON, err = json.Marshal(s.Error)
		if err != nil {
			return fmt.Errorf("op=segments.update.marshal_error: %w", err)
		}
	}
	q := `UPDATE segments SET status=$1, narration_text=$2, audio_handle=$3, speed_factor=$4, error=$5
		WHERE job_id=$6 AND idx=$7`
	_, err := r.Pool.Exec(ctx, q, s.Status, s.NarrationText, s.AudioHandle, s.SpeedFactor, errJSON, s.JobID, s.Index)
	if err != nil {
		return fmt.Errorf("op=segments.update: %w", err)
	}
	return nil
}

// GetSegmentByFingerprint looks up a segment by its idempotency fingerprint,
// used by the worker pool to skip redoing completed work after a crash.
func (r *JobRepo) GetSegmentByFingerprint(ctx domain.Context, fingerprint string) (domain.Segment, bool, error) {
	ctx, end := tracerSpan(ctx, "jobs.GetSegmentByFingerprint", "SELECT", "segments")
	defer end()
	q := `SELECT job_id, idx, start_seconds, end_seconds, fingerprint, status,
		COALESCE(narration_text,''), COALESCE(audio_handle,''), COALESCE(speed_factor,1), error
		FROM segments WHERE fingerprint=$1 LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, fingerprint)
	s, err := scanSegment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Segment{}, false, nil
	}
	if err != nil {
		return domain.Segment{}, false, fmt.Errorf("op=segments.get_by_fingerprint: %w", err)
	}
	return s, true, nil
}
