package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
)

// InsertWallet persists a freshly created wallet. The unique address
// constraint rejects duplicates.
func (s *Store) InsertWallet(ctx context.Context, w *Wallet) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO wallets(id, multiplier, address, keystore_json, active, depleted, received_total, sent_total, bet_count, created_at)
        VALUES(?, ?, ?, ?, 1, 0, '0', '0', 0, ?)
    `, w.ID, w.Multiplier, w.Address, string(w.KeystoreJSON), w.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

const walletColumns = `id, multiplier, address, keystore_json, active, depleted, received_total, sent_total, bet_count, created_at`

func scanWallet(row interface{ Scan(...any) error }) (*Wallet, error) {
	w := &Wallet{}
	var active, depleted int
	var keystoreJSON, received, sent string
	err := row.Scan(&w.ID, &w.Multiplier, &w.Address, &keystoreJSON, &active, &depleted, &received, &sent, &w.BetCount, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.KeystoreJSON = []byte(keystoreJSON)
	w.Active = active == 1
	w.Depleted = depleted == 1
	if w.ReceivedTotal, err = parseAmount(received); err != nil {
		return nil, err
	}
	if w.SentTotal, err = parseAmount(sent); err != nil {
		return nil, err
	}
	return w, nil
}

// WalletByAddress resolves a deposit address to its wallet.
func (s *Store) WalletByAddress(ctx context.Context, address string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = ?`, address)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query wallet: %w", err)
	}
	return w, nil
}

// WalletByID loads a wallet by identifier.
func (s *Store) WalletByID(ctx context.Context, id string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query wallet: %w", err)
	}
	return w, nil
}

// SelectWalletForMultiplier returns the routing target for a multiplier: the
// oldest active, non-depleted wallet, ties broken by insertion order.
func (s *Store) SelectWalletForMultiplier(ctx context.Context, multiplier int) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+walletColumns+` FROM wallets
        WHERE multiplier = ? AND active = 1 AND depleted = 0
        ORDER BY created_at ASC, rowid ASC
        LIMIT 1
    `, multiplier)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query wallet: %w", err)
	}
	return w, nil
}

// ActiveMultipliers lists the multipliers with at least one routable wallet.
func (s *Store) ActiveMultipliers(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT DISTINCT multiplier FROM wallets
        WHERE active = 1 AND depleted = 0
        ORDER BY multiplier ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query multipliers: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var m int
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListWallets returns every wallet, for operator status surfaces.
func (s *Store) ListWallets(ctx context.Context) ([]*Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()
	var out []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWalletDepleted flags a wallet so routing and payouts skip it.
func (s *Store) SetWalletDepleted(ctx context.Context, id string, depleted bool) error {
	flag := 0
	if depleted {
		flag = 1
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE wallets SET depleted = ? WHERE id = ?`, flag, id); err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	return nil
}

// SetWalletActive soft-activates or soft-deactivates a wallet. Wallets with
// settlement history are never hard-deleted.
func (s *Store) SetWalletActive(ctx context.Context, id string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE wallets SET active = ? WHERE id = ?`, flag, id); err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	return nil
}

// addWalletReceipt and addWalletSpend run inside the transaction that created
// the motivating bet or payout row, keeping totals consistent with history.

func addWalletReceipt(ctx context.Context, tx *sql.Tx, walletID string, amount *big.Int) error {
	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT received_total FROM wallets WHERE id = ?`, walletID).Scan(&raw); err != nil {
		return fmt.Errorf("read wallet total: %w", err)
	}
	total, err := parseAmount(raw)
	if err != nil {
		return err
	}
	total.Add(total, amount)
	_, err = tx.ExecContext(ctx, `UPDATE wallets SET received_total = ?, bet_count = bet_count + 1 WHERE id = ?`, total.String(), walletID)
	if err != nil {
		return fmt.Errorf("update wallet total: %w", err)
	}
	return nil
}

func addWalletSpend(ctx context.Context, tx *sql.Tx, walletID string, amount *big.Int) error {
	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT sent_total FROM wallets WHERE id = ?`, walletID).Scan(&raw); err != nil {
		return fmt.Errorf("read wallet total: %w", err)
	}
	total, err := parseAmount(raw)
	if err != nil {
		return err
	}
	total.Add(total, amount)
	_, err = tx.ExecContext(ctx, `UPDATE wallets SET sent_total = ? WHERE id = ?`, total.String(), walletID)
	if err != nil {
		return fmt.Errorf("update wallet total: %w", err)
	}
	return nil
}
