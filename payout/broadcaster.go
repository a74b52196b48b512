// Package payout pays winning bets on-chain with persistent idempotency:
// one payout row per bet, retries that survive restarts, and failures parked
// for operator review instead of being retried blindly.
package payout

import (
	"context"
	"errors"
	"math/big"

	"dicehouse/crypto"
)

var (
	// ErrFeeTooLow marks a broadcast rejected for an insufficient network fee.
	// Retryable: fees move.
	ErrFeeTooLow = errors.New("payout: fee too low")

	// ErrInvalidDestination marks a destination the network refuses. Not
	// retryable; no amount of waiting fixes a bad address.
	ErrInvalidDestination = errors.New("payout: invalid destination")

	// ErrInsufficientFunds marks a wallet that cannot cover amount plus fee.
	// The wallet is depleted; retrying the same wallet is pointless.
	ErrInsufficientFunds = errors.New("payout: insufficient funds")
)

// Receipt is the proof of an accepted broadcast.
type Receipt struct {
	Txid string
	Fee  *big.Int
}

// Broadcaster abstracts the chain backend used to move funds. Implementations
// classify failures with the package's typed errors so the processor can tell
// transient congestion from permanent faults.
type Broadcaster interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
	EstimateFee(ctx context.Context, amount *big.Int) (*big.Int, error)
	Broadcast(ctx context.Context, key *crypto.PrivateKey, from, to string, amount, fee *big.Int) (*Receipt, error)
}

// FuncBroadcaster adapts plain functions into a Broadcaster.
type FuncBroadcaster struct {
	BalanceFn     func(ctx context.Context, address string) (*big.Int, error)
	EstimateFeeFn func(ctx context.Context, amount *big.Int) (*big.Int, error)
	BroadcastFn   func(ctx context.Context, key *crypto.PrivateKey, from, to string, amount, fee *big.Int) (*Receipt, error)
}

func (f *FuncBroadcaster) Balance(ctx context.Context, address string) (*big.Int, error) {
	return f.BalanceFn(ctx, address)
}

func (f *FuncBroadcaster) EstimateFee(ctx context.Context, amount *big.Int) (*big.Int, error) {
	return f.EstimateFeeFn(ctx, amount)
}

func (f *FuncBroadcaster) Broadcast(ctx context.Context, key *crypto.PrivateKey, from, to string, amount, fee *big.Int) (*Receipt, error) {
	return f.BroadcastFn(ctx, key, from, to, amount, fee)
}
