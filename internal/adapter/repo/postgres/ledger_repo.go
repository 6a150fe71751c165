package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reclip/recap-engine/internal/domain"
)

// LedgerRepo implements domain.Ledger: quota reservation, exactly-once
// commit, release, and top-up, all serialized per user via
// SELECT ... FOR UPDATE to avoid racing concurrent jobs for the same account.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// Reserve locks the user's account, checks available minutes, and
// records a pending reservation. It never partially reserves: either
// the estimate fits and a reservation is created, or domain.ErrQuotaExceeded.
func (r *LedgerRepo) Reserve(ctx domain.Context, userID string, estimateMinutes float64, jobID string) (string, error) {
	ctx, end := tracerSpan(ctx, "ledger.Reserve", "INSERT", "reservations")
	defer end()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", fmt.Errorf("op=ledger.reserve.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var limit, used float64
	err = tx.QueryRow(ctx, `SELECT subscription_minutes_limit, subscription_minutes_used
		FROM quota_accounts WHERE user_id=$1 FOR UPDATE`, userID).Scan(&limit, &used)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("op=ledger.reserve: %w", domain.ErrPaymentRequired)
	}
	if err != nil {
		return "", fmt.Errorf("op=ledger.reserve.get_account: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT remaining_minutes FROM top_up_credits
		WHERE user_id=$1 AND remaining_minutes > 0 FOR UPDATE`, userID)
	if err != nil {
		return "", fmt.Errorf("op=ledger.reserve.get_topups: %w", err)
	}
	topUpTotal := 0.0
	for rows.Next() {
		var remaining float64
		if err := rows.Scan(&remaining); err != nil {
			rows.Close()
			return "", fmt.Errorf("op=ledger.reserve.scan_topup: %w", err)
		}
		topUpTotal += remaining
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("op=ledger.reserve.topup_rows: %w", err)
	}

	available := (limit - used) + topUpTotal
	if estimateMinutes > available {
		return "", fmt.Errorf("op=ledger.reserve: %w", domain.ErrQuotaExceeded)
	}

	reservationID := uuid.New().String()
	_, err = tx.Exec(ctx, `INSERT INTO reservations (id, user_id, job_id, estimate_minutes, status, created_at)
		VALUES ($1,$2,$3,$4,'reserved',$5)`, reservationID, userID, jobID, estimateMinutes, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=ledger.reserve.insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=ledger.reserve.commit: %w", err)
	}
	committed = true
	return reservationID, nil
}

// Commit consumes a reservation at the job's actual usage and records a
// usage_records row anchored on (jobID, billingPeriod). A unique-violation
// on that anchor means another attempt already committed this job's
// billing for this period; Commit treats that as success, not an error,
// so retried Committing-stage work never double-bills.
func (r *LedgerRepo) Commit(ctx domain.Context, reservationID string, actualMinutes float64, jobID, billingPeriod string) error {
	ctx, end := tracerSpan(ctx, "ledger.Commit", "UPDATE", "reservations")
	defer end()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=ledger.commit.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var userID, status string
	err = tx.QueryRow(ctx, `SELECT user_id, status FROM reservations WHERE id=$1 FOR UPDATE`, reservationID).Scan(&userID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=ledger.commit: %w", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("op=ledger.commit.get_reservation: %w", err)
	}
	if status == "committed" {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("op=ledger.commit.noop_commit: %w", err)
		}
		committed = true
		return nil
	}

	_, err = tx.Exec(ctx, `INSERT INTO usage_records (job_id, user_id, billing_period, minutes_billed, created_at)
		VALUES ($1,$2,$3,$4,$5)`, jobID, userID, billingPeriod, actualMinutes, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			_, _ = tx.Exec(ctx, `UPDATE reservations SET status='committed' WHERE id=$1`, reservationID)
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("op=ledger.commit.dup_commit: %w", err)
			}
			committed = true
			return nil
		}
		return fmt.Errorf("op=ledger.commit.insert_usage: %w", err)
	}

	remainingMinutes := actualMinutes
	remainingMinutes = drawFromSubscription(ctx, tx, userID, remainingMinutes)
	if remainingMinutes > 0 {
		if err := drawFromTopUps(ctx, tx, userID, remainingMinutes); err != nil {
			return fmt.Errorf("op=ledger.commit.draw_topups: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE reservations SET status='committed' WHERE id=$1`, reservationID); err != nil {
		return fmt.Errorf("op=ledger.commit.mark_reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ledger.commit.commit: %w", err)
	}
	committed = true
	return nil
}

func drawFromSubscription(ctx domain.Context, tx pgx.Tx, userID string, minutes float64) float64 {
	var limit, used float64
	if err := tx.QueryRow(ctx, `SELECT subscription_minutes_limit, subscription_minutes_used
		FROM quota_accounts WHERE user_id=$1`, userID).Scan(&limit, &used); err != nil {
		return minutes
	}
	available := limit - used
	draw := minutes
	if draw > available {
		draw = available
	}
	if draw <= 0 {
		return minutes
	}
	if _, err := tx.Exec(ctx, `UPDATE quota_accounts SET subscription_minutes_used = subscription_minutes_used + $1
		WHERE user_id=$2`, draw, userID); err != nil {
		return minutes
	}
	return minutes - draw
}

func drawFromTopUps(ctx domain.Context, tx pgx.Tx, userID string, minutes float64) error {
	rows, err := tx.Query(ctx, `SELECT id, remaining_minutes FROM top_up_credits
		WHERE user_id=$1 AND remaining_minutes > 0 ORDER BY created_at ASC FOR UPDATE`, userID)
	if err != nil {
		return err
	}
	type credit struct {
		id        string
		remaining float64
	}
	var credits []credit
	for rows.Next() {
		var c credit
		if err := rows.Scan(&c.id, &c.remaining); err != nil {
			rows.Close()
			return err
		}
		credits = append(credits, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	remaining := minutes
	for _, c := range credits {
		if remaining <= 0 {
			break
		}
		draw := remaining
		if draw > c.remaining {
			draw = c.remaining
		}
		if _, err := tx.Exec(ctx, `UPDATE top_up_credits SET remaining_minutes = remaining_minutes - $1 WHERE id=$2`, draw, c.id); err != nil {
			return err
		}
		remaining -= draw
	}
	return nil
}

// Release cancels a reservation without billing, used on job
// Failed/Cancelled outcomes where no minutes were actually consumed.
func (r *LedgerRepo) Release(ctx domain.Context, reservationID string) error {
	ctx, end := tracerSpan(ctx, "ledger.Release", "UPDATE", "reservations")
	defer end()
	_, err := r.Pool.Exec(ctx, `UPDATE reservations SET status='released' WHERE id=$1 AND status='reserved'`, reservationID)
	if err != nil {
		return fmt.Errorf("op=ledger.release: %w", err)
	}
	return nil
}

// TopUp adds a purchased block of minutes to a user's account.
func (r *LedgerRepo) TopUp(ctx domain.Context, userID string, minutes float64, externalReference string) error {
	ctx, end := tracerSpan(ctx, "ledger.TopUp", "INSERT", "top_up_credits")
	defer end()
	_, err := r.Pool.Exec(ctx, `INSERT INTO quota_accounts (user_id, subscription_minutes_limit, subscription_minutes_used)
		VALUES ($1,0,0) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("op=ledger.topup.ensure_account: %w", err)
	}
	_, err = r.Pool.Exec(ctx, `INSERT INTO top_up_credits (id, user_id, external_ref, purchased_minutes, remaining_minutes, created_at)
		VALUES ($1,$2,$3,$4,$4,$5)`, uuid.New().String(), userID, externalReference, minutes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=ledger.topup: %w", err)
	}
	return nil
}

// GetAccount loads a user's quota account with its active top-up credits.
func (r *LedgerRepo) GetAccount(ctx domain.Context, userID string) (domain.QuotaAccount, error) {
	ctx, end := tracerSpan(ctx, "ledger.GetAccount", "SELECT", "quota_accounts")
	defer end()
	var acct domain.QuotaAccount
	acct.UserID = userID
	err := r.Pool.QueryRow(ctx, `SELECT subscription_minutes_limit, subscription_minutes_used
		FROM quota_accounts WHERE user_id=$1`, userID).Scan(&acct.SubscriptionMinutesLimit, &acct.SubscriptionMinutesUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuotaAccount{}, fmt.Errorf("op=ledger.get_account: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.QuotaAccount{}, fmt.Errorf("op=ledger.get_account: %w", err)
	}

	rows, err := r.Pool.Query(ctx, `SELECT id, external_ref, purchased_minutes, remaining_minutes, created_at
		FROM top_up_credits WHERE user_id=$1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return domain.QuotaAccount{}, fmt.Errorf("op=ledger.get_account.topups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.TopUpCredit
		t.UserID = userID
		if err := rows.Scan(&t.ID, &t.ExternalRef, &t.PurchasedMinutes, &t.RemainingMinutes, &t.CreatedAt); err != nil {
			return domain.QuotaAccount{}, fmt.Errorf("op=ledger.get_account.topups_scan: %w", err)
		}
		acct.TopUps = append(acct.TopUps, t)
	}
	return acct, rows.Err()
}
