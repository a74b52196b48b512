// Package vault manages the encrypted custodial wallet registry. Spending
// credentials are sealed under a single master key held outside the wallet
// store; compromise of the store alone exposes nothing spendable.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dicehouse/crypto"
	"dicehouse/storage"
)

var (
	// ErrCredentialLocked reports a failed credential decryption. There is no
	// unencrypted fallback; the payout attempt dies here.
	ErrCredentialLocked = errors.New("vault: credential decryption failed")

	// ErrWalletNotFound reports an address or multiplier with no routable wallet.
	ErrWalletNotFound = errors.New("vault: wallet not found")
)

// Vault routes multipliers to wallets and mediates all credential access.
type Vault struct {
	store   *storage.Store
	scryptN int
	scryptP int
	now     func() time.Time
}

// Option customises a Vault.
type Option func(*Vault)

// WithScrypt overrides the keystore cost parameters. Tests use the light
// parameters; production keeps the standard ones.
func WithScrypt(n, p int) Option {
	return func(v *Vault) {
		v.scryptN = n
		v.scryptP = p
	}
}

// WithClock sets the time source used for wallet creation stamps.
func WithClock(clock func() time.Time) Option {
	return func(v *Vault) {
		if clock != nil {
			v.now = clock
		}
	}
}

// New constructs a vault backed by the given store.
func New(store *storage.Store, opts ...Option) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("vault: store required")
	}
	v := &Vault{
		store:   store,
		scryptN: crypto.StandardScryptN,
		scryptP: crypto.StandardScryptP,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Create generates a wallet for the multiplier: fresh credential, address
// derived from it, credential sealed under the master key before anything is
// persisted.
func (v *Vault) Create(ctx context.Context, multiplier int, masterKey string) (*storage.Wallet, error) {
	if multiplier <= 0 {
		return nil, fmt.Errorf("vault: multiplier must be positive")
	}
	if masterKey == "" {
		return nil, fmt.Errorf("vault: master key required")
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate credential: %w", err)
	}
	defer key.Zero()
	address := key.PubKey().Address().String()
	sealed, err := crypto.EncryptCredential(key, masterKey, v.scryptN, v.scryptP)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	wallet := &storage.Wallet{
		ID:           uuid.NewString(),
		Multiplier:   multiplier,
		Address:      address,
		KeystoreJSON: sealed,
		Active:       true,
		CreatedAt:    v.now(),
	}
	if err := v.store.InsertWallet(ctx, wallet); err != nil {
		return nil, err
	}
	return wallet, nil
}

// ResolveByAddress maps a deposit address to its wallet.
func (v *Vault) ResolveByAddress(ctx context.Context, address string) (*storage.Wallet, error) {
	w, err := v.store.WalletByAddress(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: address %s", ErrWalletNotFound, address)
	}
	return w, err
}

// SelectForMultiplier picks the routing target for a multiplier: the oldest
// active non-depleted wallet, deterministic under ties.
func (v *Vault) SelectForMultiplier(ctx context.Context, multiplier int) (*storage.Wallet, error) {
	w, err := v.store.SelectWalletForMultiplier(ctx, multiplier)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: multiplier %d", ErrWalletNotFound, multiplier)
	}
	return w, err
}

// ActiveMultipliers lists multipliers that currently route somewhere.
func (v *Vault) ActiveMultipliers(ctx context.Context) ([]int, error) {
	return v.store.ActiveMultipliers(ctx)
}

// MarkDepleted takes a wallet out of routing and payout selection.
func (v *Vault) MarkDepleted(ctx context.Context, walletID string) error {
	return v.store.SetWalletDepleted(ctx, walletID, true)
}

// WithCredential decrypts a wallet credential, hands it to fn for the
// duration of one signing operation, and destroys the plaintext on every exit
// path. The credential must not escape fn.
func (v *Vault) WithCredential(ctx context.Context, wallet *storage.Wallet, masterKey string, fn func(*crypto.PrivateKey) error) error {
	if wallet == nil {
		return fmt.Errorf("vault: wallet required")
	}
	cred, err := crypto.DecryptCredential(wallet.KeystoreJSON, masterKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialLocked, err)
	}
	defer cred.Zero()
	return fn(cred)
}
