package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dicehouse/crypto"
	"dicehouse/fairness"
	"dicehouse/storage"
	"dicehouse/vault"
)

type stubScheduler struct {
	mu   sync.Mutex
	bets []*storage.Bet
}

func (s *stubScheduler) Schedule(ctx context.Context, bet *storage.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bets = append(s.bets, bet)
	return nil
}

func (s *stubScheduler) scheduled() []*storage.Bet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storage.Bet(nil), s.bets...)
}

type testHarness struct {
	store     *storage.Store
	engine    *Engine
	wallet    *storage.Wallet
	scheduler *stubScheduler
	clock     *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()
	return harnessForDSN(t, fmt.Sprintf("file:settle_%s?mode=memory&cache=shared", t.Name()), opts...)
}

// harnessForDSN exists so concurrency tests can run against a file-backed
// database, where the busy timeout serializes writers from many goroutines.
func harnessForDSN(t *testing.T, dsn string, opts ...Option) *testHarness {
	t.Helper()
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rules, err := fairness.NewEngine(fairness.Limits{
		HouseEdgeBps:  200,
		MinMultiplier: 2,
		MaxMultiplier: 100,
		MinWager:      big.NewInt(1000),
		MaxWager:      big.NewInt(10000000),
	})
	if err != nil {
		t.Fatalf("new fairness engine: %v", err)
	}
	seeds, err := fairness.NewManager(store)
	if err != nil {
		t.Fatalf("new seed manager: %v", err)
	}
	v, err := vault.New(store, vault.WithScrypt(crypto.LightScryptN, crypto.LightScryptP))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	wallet, err := v.Create(context.Background(), 2, "test-master-key")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	scheduler := &stubScheduler{}
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	engine, err := NewEngine(store, rules, seeds, v, scheduler, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testHarness{store: store, engine: engine, wallet: wallet, scheduler: scheduler, clock: clock}
}

func (h *testHarness) deposit(t *testing.T, txid string, amount int64, confirmations int) *storage.Observation {
	t.Helper()
	obs := &storage.Observation{
		Txid:          txid,
		FromAddress:   "dice1player",
		ToAddress:     h.wallet.Address,
		Amount:        big.NewInt(amount),
		Source:        "poller-a",
		Confirmations: confirmations,
		ObservedAt:    h.clock.Now(),
	}
	inserted, err := h.store.InsertObservation(context.Background(), obs)
	if err != nil || !inserted {
		t.Fatalf("insert observation: inserted=%v err=%v", inserted, err)
	}
	return obs
}

func TestHandleDepositSettles(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	obs := h.deposit(t, "tx-settle", 100000, 1)

	if err := h.engine.HandleDeposit(ctx, obs, h.wallet); err != nil {
		t.Fatalf("handle deposit: %v", err)
	}
	bet, err := h.store.BetByDepositTxid(ctx, "tx-settle")
	if err != nil {
		t.Fatalf("load bet: %v", err)
	}
	if bet.Status != storage.BetRolled {
		t.Fatalf("bet status %s, want rolled", bet.Status)
	}
	if bet.WinChanceBps != 4900 {
		t.Fatalf("win chance %d, want 4900", bet.WinChanceBps)
	}
	if !bet.Rolled || bet.NonceUsed != 1 {
		t.Fatalf("roll bookkeeping wrong: %+v", bet)
	}

	// The roll must be reproducible from the committed seed pair.
	pair, err := h.store.SeedPairByID(ctx, bet.SeedPairID)
	if err != nil {
		t.Fatalf("load seed pair: %v", err)
	}
	expected := fairness.Roll(pair.ServerSeed, pair.ClientSeed, bet.NonceUsed)
	if bet.RollResult != expected {
		t.Fatalf("roll %d not reproducible, expected %d", bet.RollResult, expected)
	}
	wantOutcome := string(fairness.DetermineOutcome(expected, bet.WinChanceBps))
	if bet.Outcome != wantOutcome {
		t.Fatalf("outcome %s, want %s", bet.Outcome, wantOutcome)
	}
	if wantOutcome == string(fairness.OutcomeWin) {
		if bet.PayoutAmount.Cmp(big.NewInt(196000)) != 0 {
			t.Fatalf("payout %s, want 196000", bet.PayoutAmount)
		}
		if len(h.scheduler.scheduled()) != 1 {
			t.Fatalf("winning bet not scheduled for payout")
		}
	} else {
		if bet.PayoutAmount.Sign() != 0 {
			t.Fatalf("losing bet has payout %s", bet.PayoutAmount)
		}
		if len(h.scheduler.scheduled()) != 0 {
			t.Fatalf("losing bet scheduled for payout")
		}
	}
}

func TestHandleDepositIdempotent(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	obs := h.deposit(t, "tx-twice", 100000, 1)

	if err := h.engine.HandleDeposit(ctx, obs, h.wallet); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := h.engine.HandleDeposit(ctx, obs, h.wallet); err != nil {
		t.Fatalf("second: %v", err)
	}
	bet, err := h.store.BetByDepositTxid(ctx, "tx-twice")
	if err != nil {
		t.Fatalf("load bet: %v", err)
	}
	if bet.NonceUsed != 1 {
		t.Fatalf("nonce advanced twice: %d", bet.NonceUsed)
	}
	pair, err := h.store.SeedPairByID(ctx, bet.SeedPairID)
	if err != nil {
		t.Fatalf("load pair: %v", err)
	}
	if pair.Nonce != 1 {
		t.Fatalf("seed nonce %d, want 1", pair.Nonce)
	}
}

func TestHandleDepositRejectsBadWager(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	obs := h.deposit(t, "tx-dust", 10, 1)

	if err := h.engine.HandleDeposit(ctx, obs, h.wallet); err != nil {
		t.Fatalf("handle deposit: %v", err)
	}
	if _, err := h.store.BetByDepositTxid(ctx, "tx-dust"); err != storage.ErrNotFound {
		t.Fatalf("bet created for dust deposit: %v", err)
	}
	stored, err := h.store.ObservationByTxid(ctx, "tx-dust")
	if err != nil {
		t.Fatalf("load observation: %v", err)
	}
	if !stored.Processed {
		t.Fatalf("rejected deposit left unprocessed")
	}
}

func TestConfirmSweepPromotesPending(t *testing.T) {
	h := newTestHarness(t, WithConfirmThreshold(3))
	ctx := context.Background()
	obs := h.deposit(t, "tx-slow", 100000, 0)

	if err := h.engine.HandleDeposit(ctx, obs, h.wallet); err != nil {
		t.Fatalf("handle deposit: %v", err)
	}
	bet, err := h.store.BetByDepositTxid(ctx, "tx-slow")
	if err != nil {
		t.Fatalf("load bet: %v", err)
	}
	if bet.Status != storage.BetPending {
		t.Fatalf("bet %s before threshold, want pending", bet.Status)
	}

	if err := h.engine.ConfirmSweep(ctx); err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	bet, _ = h.store.BetByDepositTxid(ctx, "tx-slow")
	if bet.Status != storage.BetPending {
		t.Fatalf("sweep confirmed below threshold")
	}

	if _, err := h.store.RecordDuplicate(ctx, "tx-slow", 3); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if err := h.engine.ConfirmSweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	bet, _ = h.store.BetByDepositTxid(ctx, "tx-slow")
	if bet.Status != storage.BetRolled {
		t.Fatalf("bet %s after threshold, want rolled", bet.Status)
	}
}

func TestExpireSweep(t *testing.T) {
	h := newTestHarness(t, WithConfirmThreshold(3), WithPendingExpiry(time.Hour))
	ctx := context.Background()
	obs := h.deposit(t, "tx-stale", 100000, 0)

	if err := h.engine.HandleDeposit(ctx, obs, h.wallet); err != nil {
		t.Fatalf("handle deposit: %v", err)
	}
	expired, err := h.engine.ExpireSweep(ctx)
	if err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("fresh bet expired")
	}

	h.clock.Advance(2 * time.Hour)
	expired, err = h.engine.ExpireSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expiry, got %d", expired)
	}
	bet, err := h.store.BetByDepositTxid(ctx, "tx-stale")
	if err != nil {
		t.Fatalf("load bet: %v", err)
	}
	if bet.Status != storage.BetExpired {
		t.Fatalf("bet %s, want expired", bet.Status)
	}
	if bet.Rolled {
		t.Fatalf("expired bet was rolled")
	}

	// An expired bet never comes back.
	if _, err := h.store.RecordDuplicate(ctx, "tx-stale", 10); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if err := h.engine.ConfirmSweep(ctx); err != nil {
		t.Fatalf("confirm sweep: %v", err)
	}
	bet, _ = h.store.BetByDepositTxid(ctx, "tx-stale")
	if bet.Status != storage.BetExpired {
		t.Fatalf("expired bet resurrected to %s", bet.Status)
	}
}

func TestRevealSeedRotates(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	obs := h.deposit(t, "tx-reveal", 100000, 1)
	if err := h.engine.HandleDeposit(ctx, obs, h.wallet); err != nil {
		t.Fatalf("handle deposit: %v", err)
	}
	bet, err := h.store.BetByDepositTxid(ctx, "tx-reveal")
	if err != nil {
		t.Fatalf("load bet: %v", err)
	}

	retired, fresh, err := h.engine.RevealSeed(ctx, "dice1player", "chosen-seed")
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if retired.ID != bet.SeedPairID {
		t.Fatalf("revealed a different pair")
	}
	if !fairness.Verify(retired.ServerSeed, retired.ServerSeedHash, retired.ClientSeed, bet.NonceUsed, bet.RollResult) {
		t.Fatalf("revealed seed does not verify the recorded roll")
	}
	if fresh.ClientSeed != "chosen-seed" {
		t.Fatalf("fresh pair ignored the client seed")
	}

	// The next deposit settles against the fresh commitment, nonce restarting.
	obs2 := h.deposit(t, "tx-after-reveal", 100000, 1)
	if err := h.engine.HandleDeposit(ctx, obs2, h.wallet); err != nil {
		t.Fatalf("handle deposit: %v", err)
	}
	bet2, err := h.store.BetByDepositTxid(ctx, "tx-after-reveal")
	if err != nil {
		t.Fatalf("load bet: %v", err)
	}
	if bet2.SeedPairID != fresh.ID {
		t.Fatalf("bet settled against the retired pair")
	}
	if bet2.NonceUsed != 1 {
		t.Fatalf("fresh pair nonce %d, want 1", bet2.NonceUsed)
	}
}

func TestZeroThresholdSettlesUnconfirmed(t *testing.T) {
	h := newTestHarness(t, WithConfirmThreshold(0))
	ctx := context.Background()
	obs := h.deposit(t, "tx-zeroconf", 100000, 0)

	if err := h.engine.HandleDeposit(ctx, obs, h.wallet); err != nil {
		t.Fatalf("handle deposit: %v", err)
	}
	bet, err := h.store.BetByDepositTxid(ctx, "tx-zeroconf")
	if err != nil {
		t.Fatalf("load bet: %v", err)
	}
	if bet.Status != storage.BetRolled {
		t.Fatalf("bet %s with zero threshold, want rolled", bet.Status)
	}
	if !bet.Rolled || bet.NonceUsed != 1 {
		t.Fatalf("roll bookkeeping wrong: %+v", bet)
	}
}

func TestRevealSeedRefusedWhileBetsOpen(t *testing.T) {
	h := newTestHarness(t, WithConfirmThreshold(3))
	ctx := context.Background()
	obs := h.deposit(t, "tx-open", 100000, 0)

	if err := h.engine.HandleDeposit(ctx, obs, h.wallet); err != nil {
		t.Fatalf("handle deposit: %v", err)
	}

	// The pending bet still has to roll against the secret seed.
	if _, _, err := h.engine.RevealSeed(ctx, "dice1player", ""); !errors.Is(err, ErrSeedInUse) {
		t.Fatalf("reveal with open bet: err=%v, want ErrSeedInUse", err)
	}
	bet, err := h.store.BetByDepositTxid(ctx, "tx-open")
	if err != nil {
		t.Fatalf("load bet: %v", err)
	}
	pair, err := h.store.SeedPairByID(ctx, bet.SeedPairID)
	if err != nil {
		t.Fatalf("load pair: %v", err)
	}
	if !pair.Active {
		t.Fatalf("pair retired despite refusal")
	}

	if _, err := h.store.RecordDuplicate(ctx, "tx-open", 3); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if err := h.engine.ConfirmSweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	retired, _, err := h.engine.RevealSeed(ctx, "dice1player", "")
	if err != nil {
		t.Fatalf("reveal after roll: %v", err)
	}
	if retired.ID != bet.SeedPairID {
		t.Fatalf("revealed a different pair")
	}
}

func TestConcurrentSweepRollsOnce(t *testing.T) {
	dsn, err := storage.FileDSN(filepath.Join(t.TempDir(), "settle.db"))
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	h := harnessForDSN(t, dsn, WithConfirmThreshold(2))
	ctx := context.Background()
	obs := h.deposit(t, "tx-race", 100000, 0)

	if err := h.engine.HandleDeposit(ctx, obs, h.wallet); err != nil {
		t.Fatalf("handle deposit: %v", err)
	}
	if _, err := h.store.RecordDuplicate(ctx, "tx-race", 2); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.engine.ConfirmSweep(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
	}

	bet, err := h.store.BetByDepositTxid(ctx, "tx-race")
	if err != nil {
		t.Fatalf("load bet: %v", err)
	}
	if bet.Status != storage.BetRolled || bet.NonceUsed != 1 {
		t.Fatalf("bet settled more than once: %+v", bet)
	}
	pair, err := h.store.SeedPairByID(ctx, bet.SeedPairID)
	if err != nil {
		t.Fatalf("load pair: %v", err)
	}
	if pair.Nonce != 1 {
		t.Fatalf("nonce advanced to %d across %d sweeps, want 1", pair.Nonce, workers)
	}
	want := 0
	if bet.Outcome == string(fairness.OutcomeWin) {
		want = 1
	}
	if got := len(h.scheduler.scheduled()); got != want {
		t.Fatalf("scheduled %d payouts, want %d", got, want)
	}
}
