package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"dicehouse/fairness"
)

const betColumns = `id, player, seed_pair_id, nonce_used, wagered_amount, target_multiplier, win_chance_bps, wallet_id, deposit_address, deposit_txid, roll_result, outcome, payout_amount, status, created_at, rolled_at`

func scanBet(row interface{ Scan(...any) error }) (*Bet, error) {
	b := &Bet{}
	var nonce sql.NullInt64
	var wager, payout, status string
	var roll sql.NullInt64
	var outcome sql.NullString
	var rolledAt sql.NullTime
	err := row.Scan(&b.ID, &b.Player, &b.SeedPairID, &nonce, &wager, &b.TargetMultiplier, &b.WinChanceBps,
		&b.WalletID, &b.DepositAddress, &b.DepositTxid, &roll, &outcome, &payout, &status, &b.CreatedAt, &rolledAt)
	if err != nil {
		return nil, err
	}
	if nonce.Valid {
		b.NonceUsed = uint64(nonce.Int64)
	}
	if b.WageredAmount, err = parseAmount(wager); err != nil {
		return nil, err
	}
	if b.PayoutAmount, err = parseAmount(payout); err != nil {
		return nil, err
	}
	if roll.Valid {
		b.RollResult = int(roll.Int64)
		b.Rolled = true
	}
	b.Outcome = outcome.String
	b.Status = BetStatus(status)
	if rolledAt.Valid {
		t := rolledAt.Time
		b.RolledAt = &t
	}
	return b, nil
}

// CreateBetForDeposit inserts the bet for a resolved deposit and updates the
// receiving wallet's totals, all in one transaction. The deposit_txid unique
// constraint guarantees exactly one bet per deposit no matter how many
// channels raced here; returns false when another writer won.
func (s *Store) CreateBetForDeposit(ctx context.Context, bet *Bet) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        INSERT INTO bets(id, player, seed_pair_id, wagered_amount, target_multiplier, win_chance_bps, wallet_id, deposit_address, deposit_txid, payout_amount, status, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, '0', ?, ?)
        ON CONFLICT(deposit_txid) DO NOTHING
    `, bet.ID, bet.Player, bet.SeedPairID, amountString(bet.WageredAmount), bet.TargetMultiplier, bet.WinChanceBps,
		bet.WalletID, bet.DepositAddress, bet.DepositTxid, string(bet.Status), bet.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert bet: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	if err := addWalletReceipt(ctx, tx, bet.WalletID, bet.WageredAmount); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE observations SET processed = 1 WHERE txid = ?`, bet.DepositTxid); err != nil {
		return false, fmt.Errorf("mark observation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit bet: %w", err)
	}
	return true, nil
}

// BetByID loads a bet.
func (s *Store) BetByID(ctx context.Context, id string) (*Bet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE id = ?`, id)
	b, err := scanBet(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query bet: %w", err)
	}
	return b, nil
}

// BetByDepositTxid loads the bet settled by a deposit transaction.
func (s *Store) BetByDepositTxid(ctx context.Context, txid string) (*Bet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE deposit_txid = ?`, txid)
	b, err := scanBet(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query bet: %w", err)
	}
	return b, nil
}

// TransitionBet performs an atomic conditional status change and reports
// whether this caller made it. Status never regresses because every
// transition states its expected predecessor.
func (s *Store) TransitionBet(ctx context.Context, id string, from, to BetStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE bets SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition bet: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RollFunc computes the roll outcome for a seed pair at the given nonce. It
// must be pure; it runs inside the roll transaction.
type RollFunc func(pair *fairness.SeedPair, nonceUsed uint64) (roll int, outcome fairness.Outcome, payout *big.Int)

// CompleteRoll advances a confirmed bet to rolled: it increments the seed
// nonce, computes the roll via the supplied function, and persists result,
// outcome and payout in one transaction so a bet is never left
// partially rolled and a nonce is never reused or skipped. Returns false
// without error when the bet was not in the confirmed state (already rolled,
// expired, or still pending).
func (s *Store) CompleteRoll(ctx context.Context, betID string, now time.Time, compute RollFunc) (*Bet, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE id = ?`, betID)
	bet, err := scanBet(row)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("query bet: %w", err)
	}
	if bet.Status != BetConfirmed {
		return nil, false, nil
	}

	pair := &fairness.SeedPair{ID: bet.SeedPairID}
	if err := tx.QueryRowContext(ctx, `
        SELECT player, server_seed, server_seed_hash, client_seed FROM seed_pairs WHERE id = ?
    `, bet.SeedPairID).Scan(&pair.Player, &pair.ServerSeed, &pair.ServerSeedHash, &pair.ClientSeed); err != nil {
		return nil, false, fmt.Errorf("query seed pair: %w", err)
	}

	// The nonce advances only on the active pair. A retired pair's seed is
	// public, so rolling against it would break the commitment.
	var nonceUsed uint64
	err = tx.QueryRowContext(ctx, `
        UPDATE seed_pairs SET nonce = nonce + 1 WHERE id = ? AND active = 1 RETURNING nonce
    `, bet.SeedPairID).Scan(&nonceUsed)
	if err == sql.ErrNoRows {
		return nil, false, ErrSeedRetired
	}
	if err != nil {
		return nil, false, fmt.Errorf("advance nonce: %w", err)
	}

	roll, outcome, payout := compute(pair, nonceUsed)

	res, err := tx.ExecContext(ctx, `
        UPDATE bets
        SET status = ?, nonce_used = ?, roll_result = ?, outcome = ?, payout_amount = ?, rolled_at = ?
        WHERE id = ? AND status = ?
    `, string(BetRolled), nonceUsed, roll, string(outcome), amountString(payout), now.UTC(), betID, string(BetConfirmed))
	if err != nil {
		return nil, false, fmt.Errorf("persist roll: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		return nil, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit roll: %w", err)
	}

	bet.Status = BetRolled
	bet.NonceUsed = nonceUsed
	bet.RollResult = roll
	bet.Rolled = true
	bet.Outcome = string(outcome)
	bet.PayoutAmount = payout
	rolledAt := now.UTC()
	bet.RolledAt = &rolledAt
	return bet, true, nil
}

// OpenBetsForSeedPair counts bets on the pair that have not rolled yet.
// Seed rotation must wait for these; revealing the seed first would let the
// roll be predicted.
func (s *Store) OpenBetsForSeedPair(ctx context.Context, pairID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM bets WHERE seed_pair_id = ? AND status IN (?, ?)
    `, pairID, string(BetPending), string(BetConfirmed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open bets: %w", err)
	}
	return n, nil
}

// PendingBetsBefore returns pending bets created before the cutoff, for the
// expiry sweep.
func (s *Store) PendingBetsBefore(ctx context.Context, cutoff time.Time) ([]*Bet, error) {
	return s.queryBets(ctx, `SELECT `+betColumns+` FROM bets WHERE status = ? AND created_at < ?`, string(BetPending), cutoff.UTC())
}

// BetsByStatus lists bets in a given state, newest first.
func (s *Store) BetsByStatus(ctx context.Context, status BetStatus, limit int) ([]*Bet, error) {
	return s.queryBets(ctx, `SELECT `+betColumns+` FROM bets WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(status), limit)
}

func (s *Store) queryBets(ctx context.Context, query string, args ...any) ([]*Bet, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bets: %w", err)
	}
	defer rows.Close()
	var out []*Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
