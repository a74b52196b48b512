package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"dicehouse/fairness"
)

// Store wraps the settlement persistence layer. All uniqueness guarantees the
// settlement core relies on (txid, deposit_txid, one payout per bet) live
// here as database constraints so they hold across concurrent workers.
type Store struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("storage: path must be configured")

	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("storage: not found")

	// ErrSeedRetired reports a roll attempted against a seed pair whose
	// server seed has already been revealed.
	ErrSeedRetired = errors.New("storage: seed pair retired")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", raw)
	}
	return value, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// --- Seed pairs (fairness.SeedStore) ---

// ActiveSeedPair loads the single active commitment for a player.
func (s *Store) ActiveSeedPair(ctx context.Context, player string) (*fairness.SeedPair, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, player, server_seed, server_seed_hash, client_seed, nonce, created_at
        FROM seed_pairs
        WHERE player = ? AND active = 1
    `, player)
	pair := &fairness.SeedPair{Active: true}
	err := row.Scan(&pair.ID, &pair.Player, &pair.ServerSeed, &pair.ServerSeedHash, &pair.ClientSeed, &pair.Nonce, &pair.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query seed pair: %w", err)
	}
	return pair, true, nil
}

// CreateSeedPair inserts a new active pair. The partial unique index on
// (player, active) rejects a second active commitment.
func (s *Store) CreateSeedPair(ctx context.Context, pair *fairness.SeedPair) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO seed_pairs(player, server_seed, server_seed_hash, client_seed, nonce, active, created_at)
        VALUES(?, ?, ?, ?, 0, 1, ?)
    `, pair.Player, pair.ServerSeed, pair.ServerSeedHash, pair.ClientSeed, pair.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert seed pair: %w", err)
	}
	return res.LastInsertId()
}

// RetireSeedPair deactivates the player's active pair and stamps revealed_at,
// after which the server seed is disclosable.
func (s *Store) RetireSeedPair(ctx context.Context, player string, now time.Time) (*fairness.SeedPair, bool, error) {
	pair, ok, err := s.ActiveSeedPair(ctx, player)
	if err != nil || !ok {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE seed_pairs SET active = 0, revealed_at = ? WHERE id = ? AND active = 1
    `, now.UTC(), pair.ID)
	if err != nil {
		return nil, false, fmt.Errorf("retire seed pair: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		// Lost a race with another rotation.
		return nil, false, nil
	}
	revealed := now.UTC()
	pair.Active = false
	pair.RevealedAt = &revealed
	return pair, true, nil
}

// SeedPairByID loads a pair regardless of its active flag.
func (s *Store) SeedPairByID(ctx context.Context, id int64) (*fairness.SeedPair, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, player, server_seed, server_seed_hash, client_seed, nonce, active, created_at, revealed_at
        FROM seed_pairs WHERE id = ?
    `, id)
	pair := &fairness.SeedPair{}
	var active int
	var revealed sql.NullTime
	err := row.Scan(&pair.ID, &pair.Player, &pair.ServerSeed, &pair.ServerSeedHash, &pair.ClientSeed, &pair.Nonce, &active, &pair.CreatedAt, &revealed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query seed pair: %w", err)
	}
	pair.Active = active == 1
	if revealed.Valid {
		t := revealed.Time
		pair.RevealedAt = &t
	}
	return pair, nil
}
