// Package settle drives each bet through its lifecycle: deposit to pending,
// confirmation to confirmed, one provably fair roll, and hand-off to the
// payout queue for winners.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"dicehouse/fairness"
	"dicehouse/observability"
	"dicehouse/storage"
	"dicehouse/vault"
)

const (
	defaultConfirmThreshold = 1
	defaultPendingExpiry    = 24 * time.Hour
	defaultSweepInterval    = 30 * time.Second
	sweepBatchSize          = 200
)

// ErrSeedInUse is returned when a seed rotation would reveal the server seed
// before every bet committed to it has rolled.
var ErrSeedInUse = errors.New("settle: seed pair has unrolled bets")

// PayoutScheduler enqueues a winning bet for on-chain payment. The settlement
// engine never touches credentials or the network itself.
type PayoutScheduler interface {
	Schedule(ctx context.Context, bet *storage.Bet) error
}

// Engine owns bet state transitions. Every transition is a conditional update
// in storage; the per-deposit lock on top keeps the common path quiet instead
// of racing to the database and losing.
type Engine struct {
	store            *storage.Store
	rules            *fairness.Engine
	seeds            *fairness.Manager
	vault            *vault.Vault
	payouts          PayoutScheduler
	confirmThreshold int
	pendingExpiry    time.Duration
	sweepInterval    time.Duration
	now              func() time.Time
	logger           *slog.Logger
	metrics          *observability.SettlementMetrics
	locks            *keyedLock
}

// Option customises an Engine.
type Option func(*Engine)

// WithConfirmThreshold sets the confirmations required before a bet rolls.
// Zero settles on first sight, trusting unconfirmed deposits.
func WithConfirmThreshold(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.confirmThreshold = n
		}
	}
}

// WithPendingExpiry sets how long a pending bet waits for confirmations
// before the sweep expires it.
func WithPendingExpiry(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pendingExpiry = d
		}
	}
}

// WithSweepInterval sets the cadence of the confirmation and expiry sweeps.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine wires the settlement engine.
func NewEngine(store *storage.Store, rules *fairness.Engine, seeds *fairness.Manager, v *vault.Vault, payouts PayoutScheduler, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("settle: store required")
	}
	if rules == nil {
		return nil, fmt.Errorf("settle: fairness engine required")
	}
	if seeds == nil {
		return nil, fmt.Errorf("settle: seed manager required")
	}
	if v == nil {
		return nil, fmt.Errorf("settle: vault required")
	}
	if payouts == nil {
		return nil, fmt.Errorf("settle: payout scheduler required")
	}
	e := &Engine{
		store:            store,
		rules:            rules,
		seeds:            seeds,
		vault:            v,
		payouts:          payouts,
		confirmThreshold: defaultConfirmThreshold,
		pendingExpiry:    defaultPendingExpiry,
		sweepInterval:    defaultSweepInterval,
		now:              time.Now,
		logger:           slog.Default(),
		metrics:          observability.Settlement(),
		locks:            newKeyedLock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// HandleDeposit turns a resolved deposit into a bet. The wallet's multiplier
// is the wager intent; the depositing address is the player. Out-of-range
// wagers are dropped here, before any state is written, and the observation
// is frozen so later sightings stay inert.
func (e *Engine) HandleDeposit(ctx context.Context, obs *storage.Observation, wallet *storage.Wallet) error {
	release := e.locks.acquire(obs.Txid)
	defer release()

	winChance, err := e.rules.WinChanceBps(wallet.Multiplier)
	if err != nil {
		return e.reject(ctx, obs, err)
	}
	if err := e.rules.ValidateWager(obs.Amount); err != nil {
		return e.reject(ctx, obs, err)
	}

	pair, err := e.seeds.Ensure(ctx, obs.FromAddress)
	if err != nil {
		return fmt.Errorf("ensure seed pair for %s: %w", obs.FromAddress, err)
	}

	bet := &storage.Bet{
		ID:               uuid.NewString(),
		Player:           obs.FromAddress,
		SeedPairID:       pair.ID,
		WageredAmount:    obs.Amount,
		TargetMultiplier: wallet.Multiplier,
		WinChanceBps:     winChance,
		WalletID:         wallet.ID,
		DepositAddress:   obs.ToAddress,
		DepositTxid:      obs.Txid,
		Status:           storage.BetPending,
		CreatedAt:        e.now(),
	}
	created, err := e.store.CreateBetForDeposit(ctx, bet)
	if err != nil {
		return fmt.Errorf("create bet: %w", err)
	}
	if !created {
		return nil
	}
	e.metrics.RecordTransition(string(storage.BetPending))
	e.logger.Info("bet created",
		slog.String("bet_id", bet.ID),
		slog.String("txid", bet.DepositTxid),
		slog.String("player", bet.Player),
		slog.Int("multiplier", bet.TargetMultiplier),
	)

	if obs.Confirmations < e.confirmThreshold {
		return nil
	}
	return e.confirmAndRoll(ctx, bet.ID)
}

// reject records a deposit that can never become a bet. The funds stay in the
// wallet; the book notes why.
func (e *Engine) reject(ctx context.Context, obs *storage.Observation, cause error) error {
	if err := e.store.MarkObservationProcessed(ctx, obs.Txid); err != nil {
		return err
	}
	e.logger.Warn("deposit rejected",
		slog.String("txid", obs.Txid),
		slog.String("error", cause.Error()),
	)
	return nil
}

func (e *Engine) confirmAndRoll(ctx context.Context, betID string) error {
	moved, err := e.store.TransitionBet(ctx, betID, storage.BetPending, storage.BetConfirmed)
	if err != nil {
		return fmt.Errorf("confirm bet %s: %w", betID, err)
	}
	if !moved {
		return nil
	}
	e.metrics.RecordTransition(string(storage.BetConfirmed))
	return e.Roll(ctx, betID)
}

// Roll settles a confirmed bet: advances the player's nonce, derives the roll,
// compares it to the win chance and, on a win, schedules the payout. The whole
// mutation runs in one storage transaction; calling Roll twice for the same
// bet rolls once.
func (e *Engine) Roll(ctx context.Context, betID string) error {
	bet, err := e.store.BetByID(ctx, betID)
	if err != nil {
		return fmt.Errorf("load bet %s: %w", betID, err)
	}

	rolled, ok, err := e.store.CompleteRoll(ctx, betID, e.now(), func(pair *fairness.SeedPair, nonceUsed uint64) (int, fairness.Outcome, *big.Int) {
		roll := fairness.Roll(pair.ServerSeed, pair.ClientSeed, nonceUsed)
		outcome := fairness.DetermineOutcome(roll, bet.WinChanceBps)
		payout := big.NewInt(0)
		if outcome == fairness.OutcomeWin {
			payout = e.rules.PayoutAmount(bet.WageredAmount, bet.TargetMultiplier)
		}
		return roll, outcome, payout
	})
	if err != nil {
		return fmt.Errorf("roll bet %s: %w", betID, err)
	}
	if !ok {
		return nil
	}
	e.metrics.RecordTransition(string(storage.BetRolled))
	e.metrics.RecordRoll(rolled.Outcome)
	e.logger.Info("bet rolled",
		slog.String("bet_id", rolled.ID),
		slog.Int("roll", rolled.RollResult),
		slog.String("outcome", rolled.Outcome),
		slog.Uint64("nonce", rolled.NonceUsed),
	)

	if rolled.Outcome != string(fairness.OutcomeWin) {
		return nil
	}
	if err := e.payouts.Schedule(ctx, rolled); err != nil {
		return fmt.Errorf("schedule payout for bet %s: %w", rolled.ID, err)
	}
	return nil
}

// ConfirmSweep promotes pending bets whose deposits have since gathered
// enough confirmations. Detection channels raise the stored confirmation
// count on every duplicate sighting; this sweep turns that into progress.
func (e *Engine) ConfirmSweep(ctx context.Context) error {
	pending, err := e.store.BetsByStatus(ctx, storage.BetPending, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list pending bets: %w", err)
	}
	var firstErr error
	for _, bet := range pending {
		obs, err := e.store.ObservationByTxid(ctx, bet.DepositTxid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if obs.Confirmations < e.confirmThreshold {
			continue
		}
		release := e.locks.acquire(bet.DepositTxid)
		err = e.confirmAndRoll(ctx, bet.ID)
		release()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ExpireSweep voids pending bets whose deposits never confirmed within the
// expiry window. Expired bets never roll and never pay.
func (e *Engine) ExpireSweep(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.pendingExpiry)
	stale, err := e.store.PendingBetsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale bets: %w", err)
	}
	expired := 0
	for _, bet := range stale {
		moved, err := e.store.TransitionBet(ctx, bet.ID, storage.BetPending, storage.BetExpired)
		if err != nil {
			return expired, err
		}
		if !moved {
			continue
		}
		expired++
		e.metrics.RecordTransition(string(storage.BetExpired))
		e.logger.Info("bet expired",
			slog.String("bet_id", bet.ID),
			slog.String("txid", bet.DepositTxid),
		)
	}
	return expired, nil
}

// RevealSeed rotates a player's commitment: the previous server seed becomes
// public for verification and a fresh commitment takes over. The optional
// client seed applies to the new pair. Rotation is refused while unrolled
// bets still reference the pair; their rolls must happen against the secret
// seed. Storage enforces the same invariant at the roll itself.
func (e *Engine) RevealSeed(ctx context.Context, player, clientSeed string) (retired, fresh *fairness.SeedPair, err error) {
	pair, ok, err := e.store.ActiveSeedPair(ctx, player)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		open, err := e.store.OpenBetsForSeedPair(ctx, pair.ID)
		if err != nil {
			return nil, nil, err
		}
		if open > 0 {
			return nil, nil, fmt.Errorf("%w: %d bets still waiting to roll", ErrSeedInUse, open)
		}
	}
	return e.seeds.Rotate(ctx, player, clientSeed)
}

// ActiveCommitment returns the hash a player should verify their next rolls
// against, creating the commitment on first touch.
func (e *Engine) ActiveCommitment(ctx context.Context, player string) (*fairness.SeedPair, error) {
	return e.seeds.Ensure(ctx, player)
}

// Run executes the periodic sweeps until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.ConfirmSweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("confirmation sweep failed", slog.String("error", err.Error()))
			}
			if _, err := e.ExpireSweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("expiry sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
