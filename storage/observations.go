package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertObservation records a first sighting of a txid. Returns false when
// the txid is already known; the database constraint decides the race, not
// the caller.
func (s *Store) InsertObservation(ctx context.Context, obs *Observation) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO observations(txid, from_address, to_address, amount, source, confirmations, detect_count, processed, raw, observed_at)
        VALUES(?, ?, ?, ?, ?, ?, 1, 0, ?, ?)
        ON CONFLICT(txid) DO NOTHING
    `, obs.Txid, obs.FromAddress, obs.ToAddress, amountString(obs.Amount), obs.Source, obs.Confirmations, obs.Raw, obs.ObservedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert observation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RecordDuplicate bumps the detection counter for a re-reported txid and lets
// the newer report raise the confirmation count, which is how a pending bet
// eventually clears its confirmation threshold. It never re-triggers
// settlement; the bet uniqueness constraint holds that line.
func (s *Store) RecordDuplicate(ctx context.Context, txid string, confirmations int) (*Observation, error) {
	_, err := s.db.ExecContext(ctx, `
        UPDATE observations
        SET detect_count = detect_count + 1,
            confirmations = CASE WHEN ? > confirmations THEN ? ELSE confirmations END
        WHERE txid = ?
    `, confirmations, confirmations, txid)
	if err != nil {
		return nil, fmt.Errorf("record duplicate: %w", err)
	}
	return s.ObservationByTxid(ctx, txid)
}

// MarkObservationProcessed freezes an observation once settlement has been
// triggered (or definitively skipped) for it.
func (s *Store) MarkObservationProcessed(ctx context.Context, txid string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE observations SET processed = 1 WHERE txid = ?`, txid); err != nil {
		return fmt.Errorf("mark observation: %w", err)
	}
	return nil
}

// ObservationByTxid loads a single observation.
func (s *Store) ObservationByTxid(ctx context.Context, txid string) (*Observation, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT txid, from_address, to_address, amount, source, confirmations, detect_count, processed, raw, observed_at
        FROM observations WHERE txid = ?
    `, txid)
	obs := &Observation{}
	var amount string
	var processed int
	var raw sql.NullString
	err := row.Scan(&obs.Txid, &obs.FromAddress, &obs.ToAddress, &amount, &obs.Source, &obs.Confirmations, &obs.DetectCount, &processed, &raw, &obs.ObservedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query observation: %w", err)
	}
	if obs.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	obs.Processed = processed == 1
	obs.Raw = raw.String
	return obs, nil
}
