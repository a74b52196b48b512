package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"dicehouse/crypto"
	"dicehouse/storage"
)

const testMasterKey = "unit-test-master-key"

func newTestVault(t *testing.T) (*Vault, *storage.Store) {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:vault_%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	v, err := New(store, WithScrypt(crypto.LightScryptN, crypto.LightScryptP))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v, store
}

func TestCreateAndResolve(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	wallet, err := v.Create(ctx, 2, testMasterKey)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wallet.Address == "" || len(wallet.KeystoreJSON) == 0 {
		t.Fatalf("wallet incomplete: %+v", wallet)
	}
	if _, err := crypto.DecodeAddress(wallet.Address); err != nil {
		t.Fatalf("address not decodable: %v", err)
	}

	resolved, err := v.ResolveByAddress(ctx, wallet.Address)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ID != wallet.ID {
		t.Fatalf("resolved wrong wallet")
	}
	if _, err := v.ResolveByAddress(ctx, "dice1unknown"); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestWithCredential(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	wallet, err := v.Create(ctx, 2, testMasterKey)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var captured []byte
	err = v.WithCredential(ctx, wallet, testMasterKey, func(key *crypto.PrivateKey) error {
		if key.PubKey().Address().String() != wallet.Address {
			t.Fatalf("credential does not match wallet address")
		}
		captured = bytes.Clone(key.Bytes())
		return nil
	})
	if err != nil {
		t.Fatalf("with credential: %v", err)
	}
	if len(captured) == 0 {
		t.Fatalf("credential callback not run")
	}

	err = v.WithCredential(ctx, wallet, "wrong-master-key", func(*crypto.PrivateKey) error {
		t.Fatalf("callback ran with wrong master key")
		return nil
	})
	if !errors.Is(err, ErrCredentialLocked) {
		t.Fatalf("expected ErrCredentialLocked, got %v", err)
	}
}

func TestSelectForMultiplier(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	first, err := v.Create(ctx, 3, testMasterKey)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := v.Create(ctx, 3, testMasterKey); err != nil {
		t.Fatalf("create second: %v", err)
	}

	selected, err := v.SelectForMultiplier(ctx, 3)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if selected.ID != first.ID {
		t.Fatalf("selection not deterministic oldest-first")
	}

	if err := v.MarkDepleted(ctx, first.ID); err != nil {
		t.Fatalf("deplete: %v", err)
	}
	selected, err = v.SelectForMultiplier(ctx, 3)
	if err != nil {
		t.Fatalf("select after deplete: %v", err)
	}
	if selected.ID == first.ID {
		t.Fatalf("depleted wallet still routable")
	}

	if _, err := v.SelectForMultiplier(ctx, 42); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	if _, err := v.Create(ctx, 0, testMasterKey); err == nil {
		t.Fatalf("zero multiplier accepted")
	}
	if _, err := v.Create(ctx, 2, ""); err == nil {
		t.Fatalf("empty master key accepted")
	}
}

func TestClockOption(t *testing.T) {
	store, err := storage.Open(fmt.Sprintf("file:vault_clock_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	fixed := time.Unix(1700000000, 0).UTC()
	v, err := New(store, WithScrypt(crypto.LightScryptN, crypto.LightScryptP), WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	wallet, err := v.Create(context.Background(), 2, testMasterKey)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !wallet.CreatedAt.Equal(fixed) {
		t.Fatalf("created_at %v, want %v", wallet.CreatedAt, fixed)
	}
}
