package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dicehouse/crypto"
	"dicehouse/fairness"
	"dicehouse/observability"
	"dicehouse/storage"
	"dicehouse/vault"
)

const (
	defaultQueueDepth      = 1024
	defaultRecoverInterval = time.Minute
	recoverBatchSize       = 200
)

// Processor drains the payout queue. The in-flight set keeps a bet from being
// worked twice concurrently inside this process; the payouts table's unique
// bet_id constraint keeps it from being paid twice across restarts.
type Processor struct {
	store       *storage.Store
	vault       *vault.Vault
	broadcaster Broadcaster
	policy      Policy
	masterKey   string

	queue           chan string
	recoverInterval time.Duration
	now             func() time.Time
	logger          *slog.Logger
	metrics         *observability.PayoutMetrics

	mu       sync.Mutex
	inFlight map[string]struct{}
	paused   bool
	spend    dailySpend
}

// Option customises a Processor.
type Option func(*Processor)

// WithPolicy installs retry and spend bounds.
func WithPolicy(policy Policy) Option {
	return func(p *Processor) { p.policy = policy }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Processor) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecoverInterval sets how often the processor re-enqueues rolled bets
// whose payouts are still pending.
func WithRecoverInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.recoverInterval = d
		}
	}
}

// NewProcessor wires the payout pipeline.
func NewProcessor(store *storage.Store, v *vault.Vault, broadcaster Broadcaster, masterKey string, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("payout: store required")
	}
	if v == nil {
		return nil, fmt.Errorf("payout: vault required")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("payout: broadcaster required")
	}
	if masterKey == "" {
		return nil, fmt.Errorf("payout: master key required")
	}
	p := &Processor{
		store:           store,
		vault:           v,
		broadcaster:     broadcaster,
		policy:          DefaultPolicy(),
		masterKey:       masterKey,
		queue:           make(chan string, defaultQueueDepth),
		recoverInterval: defaultRecoverInterval,
		now:             time.Now,
		logger:          slog.Default(),
		metrics:         observability.Payout(),
		inFlight:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Schedule records the payout intent for a winning bet and queues it. The
// insert is idempotent on bet_id, so re-scheduling an already known bet is a
// no-op. A full queue only delays the work; the recovery sweep picks the bet
// up again.
func (p *Processor) Schedule(ctx context.Context, bet *storage.Bet) error {
	if bet == nil || bet.PayoutAmount == nil || bet.PayoutAmount.Sign() <= 0 {
		return fmt.Errorf("payout: bet has no payable amount")
	}
	record := &storage.Payout{
		ID:         uuid.NewString(),
		BetID:      bet.ID,
		Amount:     bet.PayoutAmount,
		ToAddress:  bet.Player,
		Status:     storage.PayoutPending,
		MaxRetries: p.policy.MaxRetries,
		CreatedAt:  p.now(),
	}
	if _, err := p.store.CreatePayout(ctx, record); err != nil {
		return fmt.Errorf("create payout for bet %s: %w", bet.ID, err)
	}
	select {
	case p.queue <- bet.ID:
	default:
		p.logger.Warn("payout queue full, deferring to recovery sweep",
			slog.String("bet_id", bet.ID),
		)
	}
	return nil
}

// Run drains the queue and periodically recovers stranded payouts until the
// context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.recover(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("payout recovery failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(p.recoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case betID := <-p.queue:
			if err := p.Process(ctx, betID); err != nil && ctx.Err() == nil {
				p.logger.Error("payout processing failed",
					slog.String("bet_id", betID),
					slog.String("error", err.Error()),
				)
			}
		case <-ticker.C:
			if err := p.recover(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("payout recovery failed", slog.String("error", err.Error()))
			}
		}
	}
}

// recover re-enqueues rolled bets whose payouts are still pending. This is
// the restart path and the paused-then-resumed path.
func (p *Processor) recover(ctx context.Context) error {
	if p.Paused() {
		return nil
	}
	bets, err := p.store.BetsByStatus(ctx, storage.BetRolled, recoverBatchSize)
	if err != nil {
		return err
	}
	for _, bet := range bets {
		// Losing bets terminate at rolled; only wins owe a payout.
		if bet.Outcome != string(fairness.OutcomeWin) {
			continue
		}
		record, err := p.store.PayoutByBetID(ctx, bet.ID)
		if errors.Is(err, storage.ErrNotFound) {
			// Crash between roll and Schedule; rebuild the intent.
			if err := p.Schedule(ctx, bet); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if record.Status != storage.PayoutPending {
			continue
		}
		select {
		case p.queue <- bet.ID:
		default:
			return nil
		}
	}
	return nil
}

// Process executes the payout for one bet: policy check, balance check, then
// broadcast attempts with persisted retry bookkeeping. Permanent failures and
// exhausted retries park the payout as failed for operator review.
func (p *Processor) Process(ctx context.Context, betID string) error {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return nil
	}
	if _, busy := p.inFlight[betID]; busy {
		p.mu.Unlock()
		return nil
	}
	p.inFlight[betID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, betID)
		p.mu.Unlock()
	}()

	bet, err := p.store.BetByID(ctx, betID)
	if err != nil {
		return fmt.Errorf("load bet: %w", err)
	}
	if bet.Status != storage.BetRolled || bet.Outcome != string(fairness.OutcomeWin) {
		return nil
	}
	record, err := p.store.PayoutByBetID(ctx, betID)
	if err != nil {
		return fmt.Errorf("load payout: %w", err)
	}
	if record.Status != storage.PayoutPending {
		return nil
	}
	wallet, err := p.store.WalletByID(ctx, bet.WalletID)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}

	p.mu.Lock()
	underCap := p.spend.allows(p.policy.DailyCap, record.Amount, p.now())
	p.mu.Unlock()
	if !underCap {
		p.metrics.RecordError("daily_cap")
		return p.fail(ctx, record, bet, "daily payout cap exceeded")
	}

	// A wallet already flagged depleted accepts no further spends; fail
	// without a network call and without consuming retries.
	if wallet.Depleted {
		p.metrics.RecordError("depleted")
		return p.fail(ctx, record, bet, "wallet depleted")
	}

	balance, err := p.broadcaster.Balance(ctx, wallet.Address)
	if err != nil {
		return p.retryLater(ctx, record, bet, fmt.Errorf("query balance: %w", err))
	}
	if balance.Cmp(record.Amount) < 0 {
		// Depleted wallets fail immediately; no broadcast attempt is burnt.
		if err := p.vault.MarkDepleted(ctx, wallet.ID); err != nil {
			return err
		}
		p.metrics.RecordError("depleted")
		return p.fail(ctx, record, bet, "wallet depleted")
	}

	// Claim the row before touching the network. The pending→in_flight CAS
	// is what stops a second worker on the same store from broadcasting the
	// same payout; the in-process map only keeps this process polite.
	claimed, err := p.store.ClaimPayout(ctx, record.ID, p.now())
	if err != nil {
		return fmt.Errorf("claim payout: %w", err)
	}
	if !claimed {
		return nil
	}

	return p.attempt(ctx, record, bet, wallet)
}

// attempt runs broadcast attempts until success, a permanent error, or
// exhausted retries. Each failed attempt is persisted before the backoff so a
// crash mid-retry resumes with an accurate count.
func (p *Processor) attempt(ctx context.Context, record *storage.Payout, bet *storage.Bet, wallet *storage.Wallet) error {
	retryCount := record.RetryCount
	for {
		start := p.now()
		receipt, err := p.broadcastOnce(ctx, record, wallet)
		if err == nil {
			// The spend is on the network now. Pin its txid first so no
			// later failure, or restart, can lead to a second broadcast.
			if err := p.store.RecordPayoutBroadcast(ctx, record.ID, receipt.Txid, p.now()); err != nil {
				return fmt.Errorf("record broadcast txid: %w", err)
			}
			if err := p.store.CompletePayout(ctx, record.ID, bet.ID, wallet.ID, receipt.Txid, record.Amount, receipt.Fee, p.now()); err != nil {
				return fmt.Errorf("complete payout: %w", err)
			}
			p.mu.Lock()
			p.spend.add(record.Amount, p.now())
			p.mu.Unlock()
			p.metrics.RecordBroadcast()
			p.metrics.ObserveLatency("confirmed", p.now().Sub(start))
			p.logger.Info("payout broadcast",
				slog.String("payout_id", record.ID),
				slog.String("bet_id", bet.ID),
				slog.String("broadcast_txid", receipt.Txid),
				slog.Int("retries", retryCount),
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, ErrInvalidDestination) || errors.Is(err, vault.ErrCredentialLocked) {
			p.metrics.RecordError("permanent")
			p.metrics.ObserveLatency("failed", p.now().Sub(start))
			return p.fail(ctx, record, bet, err.Error())
		}
		if errors.Is(err, ErrInsufficientFunds) {
			if derr := p.vault.MarkDepleted(ctx, wallet.ID); derr != nil {
				return derr
			}
			p.metrics.RecordError("depleted")
			p.metrics.ObserveLatency("failed", p.now().Sub(start))
			return p.fail(ctx, record, bet, err.Error())
		}

		retryCount++
		if retryCount > record.MaxRetries {
			p.metrics.RecordError("exhausted")
			p.metrics.ObserveLatency("failed", p.now().Sub(start))
			return p.fail(ctx, record, bet, fmt.Sprintf("retries exhausted: %v", err))
		}
		if err := p.store.RecordPayoutAttempt(ctx, record.ID, retryCount, err.Error(), p.now()); err != nil {
			return err
		}
		p.metrics.RecordRetry()
		p.logger.Warn("payout attempt failed, retrying",
			slog.String("payout_id", record.ID),
			slog.String("bet_id", bet.ID),
			slog.Int("retry", retryCount),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.policy.RetryBackoff << (retryCount - 1)):
		}
	}
}

// broadcastOnce estimates the fee, unseals the credential for the duration of
// a single signing, and submits the spend.
func (p *Processor) broadcastOnce(ctx context.Context, record *storage.Payout, wallet *storage.Wallet) (*Receipt, error) {
	fee, err := p.broadcaster.EstimateFee(ctx, record.Amount)
	if err != nil {
		return nil, fmt.Errorf("estimate fee: %w", err)
	}
	var receipt *Receipt
	err = p.vault.WithCredential(ctx, wallet, p.masterKey, func(key *crypto.PrivateKey) error {
		var berr error
		receipt, berr = p.broadcaster.Broadcast(ctx, key, wallet.Address, record.ToAddress, record.Amount, fee)
		return berr
	})
	if err != nil {
		return nil, err
	}
	if receipt == nil || receipt.Txid == "" {
		return nil, fmt.Errorf("payout: broadcaster returned no txid")
	}
	if receipt.Fee == nil {
		receipt.Fee = fee
	}
	return receipt, nil
}

func (p *Processor) fail(ctx context.Context, record *storage.Payout, bet *storage.Bet, reason string) error {
	if err := p.store.FailPayout(ctx, record.ID, bet.ID, reason, p.now()); err != nil {
		return err
	}
	p.logger.Error("payout parked for operator review",
		slog.String("payout_id", record.ID),
		slog.String("bet_id", bet.ID),
		slog.String("error", reason),
	)
	return nil
}

func (p *Processor) retryLater(ctx context.Context, record *storage.Payout, bet *storage.Bet, cause error) error {
	retryCount := record.RetryCount + 1
	if retryCount > record.MaxRetries {
		p.metrics.RecordError("exhausted")
		return p.fail(ctx, record, bet, fmt.Sprintf("retries exhausted: %v", cause))
	}
	if err := p.store.RecordPayoutAttempt(ctx, record.ID, retryCount, cause.Error(), p.now()); err != nil {
		return err
	}
	p.metrics.RecordRetry()
	select {
	case p.queue <- bet.ID:
	default:
	}
	return nil
}

// Retry is the operator path: it rearms a failed payout with a fresh retry
// budget and queues it. Returns false when the payout was not in the failed
// state.
func (p *Processor) Retry(ctx context.Context, betID string) (bool, error) {
	record, err := p.store.PayoutByBetID(ctx, betID)
	if err != nil {
		return false, err
	}
	reopened, err := p.store.ReopenPayout(ctx, record.ID, betID, p.now())
	if err != nil || !reopened {
		return reopened, err
	}
	select {
	case p.queue <- betID:
	default:
	}
	return true, nil
}

// Pause stops new processing; in-flight attempts finish.
func (p *Processor) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.logger.Info("payout processing paused")
}

// Resume lifts a pause. Deferred work returns via the recovery sweep.
func (p *Processor) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.logger.Info("payout processing resumed")
}

// Paused reports the pause flag.
func (p *Processor) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}
