package fairness

import (
	"context"
	"testing"
	"time"
)

// memorySeedStore is an in-memory SeedStore for manager tests.
type memorySeedStore struct {
	pairs  map[string]*SeedPair
	nextID int64
}

func newMemorySeedStore() *memorySeedStore {
	return &memorySeedStore{pairs: make(map[string]*SeedPair)}
}

func (m *memorySeedStore) ActiveSeedPair(ctx context.Context, player string) (*SeedPair, bool, error) {
	pair, ok := m.pairs[player]
	if !ok {
		return nil, false, nil
	}
	copied := *pair
	return &copied, true, nil
}

func (m *memorySeedStore) CreateSeedPair(ctx context.Context, pair *SeedPair) (int64, error) {
	m.nextID++
	stored := *pair
	stored.ID = m.nextID
	m.pairs[pair.Player] = &stored
	return m.nextID, nil
}

func (m *memorySeedStore) RetireSeedPair(ctx context.Context, player string, now time.Time) (*SeedPair, bool, error) {
	pair, ok := m.pairs[player]
	if !ok {
		return nil, false, nil
	}
	delete(m.pairs, player)
	retired := *pair
	retired.Active = false
	retired.RevealedAt = &now
	return &retired, true, nil
}

func TestEnsureCreatesOnce(t *testing.T) {
	store := newMemorySeedStore()
	manager, err := NewManager(store)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()

	first, err := manager.Ensure(ctx, "player-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if first.ServerSeed == "" || first.ServerSeedHash == "" {
		t.Fatalf("seed pair incomplete: %+v", first)
	}
	if HashServerSeed(first.ServerSeed) != first.ServerSeedHash {
		t.Fatalf("commitment does not match seed")
	}
	if first.ClientSeed != DefaultClientSeed("player-1") {
		t.Fatalf("unexpected client seed %q", first.ClientSeed)
	}

	second, err := manager.Ensure(ctx, "player-1")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if second.ID != first.ID || second.ServerSeedHash != first.ServerSeedHash {
		t.Fatalf("ensure replaced the active pair")
	}
}

func TestRotateRevealsAndRecommits(t *testing.T) {
	store := newMemorySeedStore()
	fixed := time.Unix(1700000000, 0)
	manager, err := NewManager(store, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()

	original, err := manager.Ensure(ctx, "player-2")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	retired, fresh, err := manager.Rotate(ctx, "player-2", "my-seed")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if retired.ServerSeed != original.ServerSeed {
		t.Fatalf("retired pair is not the original")
	}
	if retired.Active {
		t.Fatalf("retired pair still active")
	}
	if retired.RevealedAt == nil || !retired.RevealedAt.Equal(fixed) {
		t.Fatalf("retired pair missing reveal time")
	}
	if fresh.ServerSeedHash == original.ServerSeedHash {
		t.Fatalf("fresh pair reuses the old commitment")
	}
	if fresh.ClientSeed != "my-seed" {
		t.Fatalf("client seed not applied: %q", fresh.ClientSeed)
	}
}

func TestRotateWithoutActivePair(t *testing.T) {
	manager, err := NewManager(newMemorySeedStore())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, _, err := manager.Rotate(context.Background(), "ghost", ""); err != ErrNoActiveSeed {
		t.Fatalf("expected ErrNoActiveSeed, got %v", err)
	}
}
