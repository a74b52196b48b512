// Package ingest normalises transaction sightings from independent detection
// channels into a single idempotent stream of confirmed deposits.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dicehouse/observability"
	"dicehouse/storage"
	"dicehouse/vault"
)

// Result is the dedup verdict for one observation.
type Result string

const (
	// ResultCreated: first sighting, resolved to a vault wallet, settlement triggered.
	ResultCreated Result = "created"
	// ResultDuplicate: known txid; detection counter bumped, no new settlement.
	ResultDuplicate Result = "duplicate"
	// ResultUnmatched: deposit to an address outside the vault; recorded, no bet.
	ResultUnmatched Result = "unmatched"
	// ResultInvalid: malformed observation, rejected before any state mutation.
	ResultInvalid Result = "invalid"
)

// DepositHandler receives each resolved deposit exactly once per txid.
type DepositHandler interface {
	HandleDeposit(ctx context.Context, obs *storage.Observation, wallet *storage.Wallet) error
}

// Observer is the single ingress all detection channels call. Exactly-once
// settlement per txid rests on the observation and bet uniqueness
// constraints, not on coordination between channels.
type Observer struct {
	store    *storage.Store
	vault    *vault.Vault
	deposits DepositHandler
	logger   *slog.Logger
	metrics  *observability.IngestMetrics
}

// ObserverOption customises an Observer.
type ObserverOption func(*Observer)

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) ObserverOption {
	return func(o *Observer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.IngestMetrics) ObserverOption {
	return func(o *Observer) { o.metrics = m }
}

// NewObserver constructs the shared ingestion path.
func NewObserver(store *storage.Store, v *vault.Vault, deposits DepositHandler, opts ...ObserverOption) (*Observer, error) {
	if store == nil {
		return nil, fmt.Errorf("ingest: store required")
	}
	if v == nil {
		return nil, fmt.Errorf("ingest: vault required")
	}
	if deposits == nil {
		return nil, fmt.Errorf("ingest: deposit handler required")
	}
	o := &Observer{
		store:    store,
		vault:    v,
		deposits: deposits,
		logger:   slog.Default(),
		metrics:  observability.Ingest(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Observe ingests one transaction sighting. The first sighting of a txid
// resolves the destination address through the vault and hands the deposit to
// settlement; later sightings bump the detection and confirmation counters,
// and retry the hand-off when the first one failed before a bet was created.
func (o *Observer) Observe(ctx context.Context, obs *storage.Observation) (Result, error) {
	if obs == nil || obs.Txid == "" || obs.ToAddress == "" {
		o.metrics.RecordObservation(sourceLabel(obs), string(ResultInvalid))
		return ResultInvalid, fmt.Errorf("ingest: observation missing txid or destination")
	}
	if obs.Amount == nil || obs.Amount.Sign() <= 0 {
		o.metrics.RecordObservation(obs.Source, string(ResultInvalid))
		return ResultInvalid, fmt.Errorf("ingest: observation amount must be positive")
	}

	inserted, err := o.store.InsertObservation(ctx, obs)
	if err != nil {
		return ResultInvalid, err
	}
	if !inserted {
		return o.observeDuplicate(ctx, obs)
	}
	return o.dispatch(ctx, obs)
}

// observeDuplicate handles a txid that is already on record. Counters are
// bumped, and if the first sighting's hand-off to settlement failed, the
// stored observation is still unprocessed with no bet behind it; this
// sighting retries the hand-off so a transient failure cannot strand the
// deposit. Bet creation is idempotent on deposit_txid, so a racing retry is
// harmless.
func (o *Observer) observeDuplicate(ctx context.Context, obs *storage.Observation) (Result, error) {
	if _, err := o.store.RecordDuplicate(ctx, obs.Txid, obs.Confirmations); err != nil {
		return ResultDuplicate, err
	}
	stored, err := o.store.ObservationByTxid(ctx, obs.Txid)
	if err != nil {
		return ResultDuplicate, err
	}
	if !stored.Processed {
		_, err := o.store.BetByDepositTxid(ctx, obs.Txid)
		if errors.Is(err, storage.ErrNotFound) {
			return o.dispatch(ctx, stored)
		}
		if err != nil {
			return ResultDuplicate, err
		}
	}
	o.metrics.RecordObservation(obs.Source, string(ResultDuplicate))
	o.logger.Debug("duplicate observation",
		slog.String("txid", obs.Txid),
		slog.String("channel", obs.Source),
	)
	return ResultDuplicate, nil
}

// dispatch resolves the destination wallet and hands the deposit to
// settlement.
func (o *Observer) dispatch(ctx context.Context, obs *storage.Observation) (Result, error) {
	wallet, err := o.vault.ResolveByAddress(ctx, obs.ToAddress)
	if err != nil {
		if errors.Is(err, vault.ErrWalletNotFound) {
			if markErr := o.store.MarkObservationProcessed(ctx, obs.Txid); markErr != nil {
				return ResultUnmatched, markErr
			}
			o.metrics.RecordObservation(obs.Source, string(ResultUnmatched))
			o.logger.Info("deposit to address outside the vault",
				slog.String("txid", obs.Txid),
				slog.String("address", obs.ToAddress),
			)
			return ResultUnmatched, nil
		}
		return ResultInvalid, err
	}
	if !wallet.Active {
		if err := o.store.MarkObservationProcessed(ctx, obs.Txid); err != nil {
			return ResultUnmatched, err
		}
		o.metrics.RecordObservation(obs.Source, string(ResultUnmatched))
		o.logger.Info("deposit to deactivated wallet",
			slog.String("txid", obs.Txid),
			slog.String("wallet_id", wallet.ID),
		)
		return ResultUnmatched, nil
	}

	if err := o.deposits.HandleDeposit(ctx, obs, wallet); err != nil {
		// The observation stays unprocessed; the error surfaces to the
		// channel for reprocessing instead of being swallowed here.
		return ResultCreated, fmt.Errorf("hand off deposit %s: %w", obs.Txid, err)
	}
	o.metrics.RecordObservation(obs.Source, string(ResultCreated))
	return ResultCreated, nil
}

func sourceLabel(obs *storage.Observation) string {
	if obs == nil {
		return "unknown"
	}
	return obs.Source
}
