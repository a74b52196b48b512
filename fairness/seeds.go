package fairness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SeedPair holds one player's commitment state. ServerSeed stays secret while
// Active; after rotation the pair is disclosable so rolls can be re-verified.
type SeedPair struct {
	ID             int64
	Player         string
	ServerSeed     string
	ServerSeedHash string
	ClientSeed     string
	Nonce          uint64
	Active         bool
	CreatedAt      time.Time
	RevealedAt     *time.Time
}

// SeedStore persists seed pairs. Implementations must guarantee at most one
// active pair per player.
type SeedStore interface {
	ActiveSeedPair(ctx context.Context, player string) (*SeedPair, bool, error)
	CreateSeedPair(ctx context.Context, pair *SeedPair) (int64, error)
	RetireSeedPair(ctx context.Context, player string, now time.Time) (*SeedPair, bool, error)
}

// Manager owns commitment lifecycle per player: first-touch creation, rotation
// and disclosure. Nonce advancement happens in the roll transaction, not here.
type Manager struct {
	store SeedStore
	now   func() time.Time
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// NewManager constructs a seed manager backed by the given store.
func NewManager(store SeedStore, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("fairness: seed store required")
	}
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Ensure returns the player's active seed pair, committing a fresh one on
// first interaction.
func (m *Manager) Ensure(ctx context.Context, player string) (*SeedPair, error) {
	pair, ok, err := m.store.ActiveSeedPair(ctx, player)
	if err != nil {
		return nil, fmt.Errorf("load seed pair: %w", err)
	}
	if ok {
		return pair, nil
	}
	return m.commit(ctx, player, DefaultClientSeed(player))
}

// Rotate retires the active pair, making its server seed disclosable, and
// commits a fresh pair using the supplied client seed (or the player default
// when empty). Returns the retired pair and the new one.
func (m *Manager) Rotate(ctx context.Context, player, clientSeed string) (retired, fresh *SeedPair, err error) {
	retired, ok, err := m.store.RetireSeedPair(ctx, player, m.now())
	if err != nil {
		return nil, nil, fmt.Errorf("retire seed pair: %w", err)
	}
	if !ok {
		return nil, nil, ErrNoActiveSeed
	}
	if clientSeed == "" {
		clientSeed = DefaultClientSeed(player)
	}
	fresh, err = m.commit(ctx, player, clientSeed)
	if err != nil {
		return nil, nil, err
	}
	return retired, fresh, nil
}

func (m *Manager) commit(ctx context.Context, player, clientSeed string) (*SeedPair, error) {
	seed, hash, err := GenerateServerSeed()
	if err != nil {
		return nil, err
	}
	pair := &SeedPair{
		Player:         player,
		ServerSeed:     seed,
		ServerSeedHash: hash,
		ClientSeed:     clientSeed,
		Active:         true,
		CreatedAt:      m.now(),
	}
	id, err := m.store.CreateSeedPair(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("commit seed pair: %w", err)
	}
	pair.ID = id
	return pair, nil
}

// DefaultClientSeed derives the client seed used until a player supplies one.
func DefaultClientSeed(player string) string {
	sum := sha256.Sum256([]byte("client:" + player))
	return hex.EncodeToString(sum[:8])
}
