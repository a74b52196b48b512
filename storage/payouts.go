package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

// CreatePayout inserts the payout row for a winning bet. The unique bet_id
// constraint is the idempotency guard: returns false when a payout already
// exists for the bet.
func (s *Store) CreatePayout(ctx context.Context, p *Payout) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO payouts(id, bet_id, amount, fee, to_address, status, retry_count, max_retries, created_at, updated_at)
        VALUES(?, ?, ?, '0', ?, ?, 0, ?, ?, ?)
        ON CONFLICT(bet_id) DO NOTHING
    `, p.ID, p.BetID, amountString(p.Amount), p.ToAddress, string(p.Status), p.MaxRetries, p.CreatedAt.UTC(), p.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert payout: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

const payoutColumns = `id, bet_id, amount, fee, to_address, broadcast_txid, status, retry_count, max_retries, last_error, created_at, updated_at`

func scanPayout(row interface{ Scan(...any) error }) (*Payout, error) {
	p := &Payout{}
	var amount, fee, status string
	var txid, lastErr sql.NullString
	err := row.Scan(&p.ID, &p.BetID, &amount, &fee, &p.ToAddress, &txid, &status, &p.RetryCount, &p.MaxRetries, &lastErr, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	if p.Fee, err = parseAmount(fee); err != nil {
		return nil, err
	}
	p.BroadcastTxid = txid.String
	p.Status = PayoutStatus(status)
	p.LastError = lastErr.String
	return p, nil
}

// PayoutByBetID loads the payout attached to a bet.
func (s *Store) PayoutByBetID(ctx context.Context, betID string) (*Payout, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE bet_id = ?`, betID)
	p, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payout: %w", err)
	}
	return p, nil
}

// ClaimPayout moves a pending payout to in_flight. The conditional update is
// the cross-process single-flight guard: only the worker whose claim lands
// may broadcast, no matter how many share the store.
func (s *Store) ClaimPayout(ctx context.Context, payoutID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE payouts SET status = ?, updated_at = ? WHERE id = ? AND status = ?
    `, string(PayoutInFlight), now.UTC(), payoutID, string(PayoutPending))
	if err != nil {
		return false, fmt.Errorf("claim payout: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RecordPayoutBroadcast persists the network txid of a submitted spend the
// moment the broadcast succeeds, before any further bookkeeping. A payout
// with a recorded txid must never be broadcast again.
func (s *Store) RecordPayoutBroadcast(ctx context.Context, payoutID, broadcastTxid string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE payouts SET broadcast_txid = ?, updated_at = ? WHERE id = ? AND broadcast_txid IS NULL
    `, broadcastTxid, now.UTC(), payoutID)
	if err != nil {
		return fmt.Errorf("record payout broadcast: %w", err)
	}
	return nil
}

// RecordPayoutAttempt persists the bookkeeping of a failed-but-retryable
// broadcast attempt.
func (s *Store) RecordPayoutAttempt(ctx context.Context, payoutID string, retryCount int, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE payouts SET retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?
    `, retryCount, lastError, now.UTC(), payoutID)
	if err != nil {
		return fmt.Errorf("record payout attempt: %w", err)
	}
	return nil
}

// CompletePayout finalises a broadcast payout: records the network txid,
// moves the bet to paid and adds the spend to the wallet totals, atomically.
// Once recorded, the broadcast txid is final; the conditional update refuses
// to overwrite a confirmed payout.
func (s *Store) CompletePayout(ctx context.Context, payoutID, betID, walletID, broadcastTxid string, amount, fee *big.Int, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE payouts SET status = ?, broadcast_txid = ?, fee = ?, updated_at = ?
        WHERE id = ? AND status != ?
    `, string(PayoutConfirmed), broadcastTxid, amountString(fee), now.UTC(), payoutID, string(PayoutConfirmed))
	if err != nil {
		return fmt.Errorf("confirm payout: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("payout %s already confirmed", payoutID)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE bets SET status = ? WHERE id = ? AND status = ?
    `, string(BetPaid), betID, string(BetRolled)); err != nil {
		return fmt.Errorf("mark bet paid: %w", err)
	}
	if err := addWalletSpend(ctx, tx, walletID, amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit payout: %w", err)
	}
	return nil
}

// FailPayout parks a payout after a non-recoverable error or exhausted
// retries. The bet surfaces as payout_failed and waits for an operator.
func (s *Store) FailPayout(ctx context.Context, payoutID, betID, lastError string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        UPDATE payouts SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status != ?
    `, string(PayoutFailed), lastError, now.UTC(), payoutID, string(PayoutConfirmed)); err != nil {
		return fmt.Errorf("fail payout: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE bets SET status = ? WHERE id = ? AND status = ?
    `, string(BetPayoutFailed), betID, string(BetRolled)); err != nil {
		return fmt.Errorf("mark bet failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit payout failure: %w", err)
	}
	return nil
}

// ReopenPayout is the operator retry path: it rearms a failed payout and
// returns the bet to rolled so the processor can take another run at it.
func (s *Store) ReopenPayout(ctx context.Context, payoutID, betID string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE payouts SET status = ?, retry_count = 0, updated_at = ? WHERE id = ? AND status = ?
    `, string(PayoutPending), now.UTC(), payoutID, string(PayoutFailed))
	if err != nil {
		return false, fmt.Errorf("reopen payout: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE bets SET status = ? WHERE id = ? AND status = ?
    `, string(BetRolled), betID, string(BetPayoutFailed)); err != nil {
		return false, fmt.Errorf("reopen bet: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reopen: %w", err)
	}
	return true, nil
}

// FailedPayouts lists payouts awaiting operator intervention.
func (s *Store) FailedPayouts(ctx context.Context, limit int) ([]*Payout, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+payoutColumns+` FROM payouts WHERE status = ? ORDER BY updated_at DESC LIMIT ?
    `, string(PayoutFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	defer rows.Close()
	var out []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
