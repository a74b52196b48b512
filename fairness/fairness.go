package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// RollRange is the exclusive upper bound of a roll. Rolls are expressed in
// hundredths of a percent, so 4899 reads as 48.99.
const RollRange = 10000

// Outcome is the result of comparing a roll against a win chance.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLose Outcome = "lose"
)

var (
	// ErrNoActiveSeed is returned when a player has no active seed commitment.
	ErrNoActiveSeed = errors.New("fairness: no active commitment")

	// ErrMultiplierOutOfRange rejects wagers routed through a multiplier the
	// house does not offer.
	ErrMultiplierOutOfRange = errors.New("fairness: multiplier out of range")

	// ErrWagerOutOfRange rejects wagers outside the configured amount bounds.
	ErrWagerOutOfRange = errors.New("fairness: wager amount out of range")
)

// GenerateServerSeed produces a fresh 32-byte server seed and its SHA-256
// commitment, both hex-encoded. Only the commitment may be published while the
// seed is active.
func GenerateServerSeed() (seed, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate server seed: %w", err)
	}
	seed = hex.EncodeToString(buf)
	return seed, HashServerSeed(seed), nil
}

// HashServerSeed returns the hex SHA-256 commitment of a hex-encoded seed.
func HashServerSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Roll derives the deterministic roll for a seed pair and nonce. The digest is
// HMAC-SHA512 keyed by the server seed over "clientSeed:nonce"; the first
// eight bytes, read big-endian, are reduced modulo RollRange.
func Roll(serverSeed, clientSeed string, nonce uint64) int {
	mac := hmac.New(sha512.New, []byte(serverSeed))
	fmt.Fprintf(mac, "%s:%d", clientSeed, nonce)
	sum := mac.Sum(nil)
	return int(binary.BigEndian.Uint64(sum[:8]) % RollRange)
}

// DetermineOutcome reports win when the roll lands strictly below the win
// chance, both in hundredths of a percent.
func DetermineOutcome(roll, winChanceBps int) Outcome {
	if roll < winChanceBps {
		return OutcomeWin
	}
	return OutcomeLose
}

// Verify recomputes the commitment and the roll and checks both against the
// claimed values. A third party holding the revealed server seed can run this
// to confirm the house did not steer the outcome.
func Verify(serverSeed, serverSeedHash, clientSeed string, nonce uint64, claimedRoll int) bool {
	computed := HashServerSeed(serverSeed)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(serverSeedHash)) != 1 {
		return false
	}
	return Roll(serverSeed, clientSeed, nonce) == claimedRoll
}

// Limits bound the wagers the engine accepts.
type Limits struct {
	HouseEdgeBps  int
	MinMultiplier int
	MaxMultiplier int
	MinWager      *big.Int
	MaxWager      *big.Int
}

// Engine applies the house edge and wager bounds to incoming bets. Roll
// computation itself is pure; the engine only decides what is playable.
type Engine struct {
	houseEdgeBps  int
	minMultiplier int
	maxMultiplier int
	minWager      *big.Int
	maxWager      *big.Int
}

// NewEngine validates the limits and constructs an engine.
func NewEngine(limits Limits) (*Engine, error) {
	if limits.HouseEdgeBps < 0 || limits.HouseEdgeBps >= RollRange {
		return nil, fmt.Errorf("fairness: house edge %d out of range", limits.HouseEdgeBps)
	}
	if limits.MinMultiplier < 2 {
		return nil, fmt.Errorf("fairness: min multiplier must be at least 2")
	}
	if limits.MaxMultiplier < limits.MinMultiplier {
		return nil, fmt.Errorf("fairness: max multiplier below min")
	}
	if limits.MinWager == nil || limits.MinWager.Sign() <= 0 {
		return nil, fmt.Errorf("fairness: min wager must be positive")
	}
	if limits.MaxWager == nil || limits.MaxWager.Cmp(limits.MinWager) < 0 {
		return nil, fmt.Errorf("fairness: max wager below min")
	}
	return &Engine{
		houseEdgeBps:  limits.HouseEdgeBps,
		minMultiplier: limits.MinMultiplier,
		maxMultiplier: limits.MaxMultiplier,
		minWager:      new(big.Int).Set(limits.MinWager),
		maxWager:      new(big.Int).Set(limits.MaxWager),
	}, nil
}

// WinChanceBps derives the win chance for a target multiplier, in hundredths
// of a percent: (10000 - houseEdgeBps) / multiplier. Integer division rounds
// down, in the house's favour. Multipliers outside the configured range are
// rejected rather than clamped; the routing key is operator-created, so an
// out-of-range multiplier is a configuration fault worth surfacing.
func (e *Engine) WinChanceBps(multiplier int) (int, error) {
	if multiplier < e.minMultiplier || multiplier > e.maxMultiplier {
		return 0, fmt.Errorf("%w: %d not in [%d,%d]", ErrMultiplierOutOfRange, multiplier, e.minMultiplier, e.maxMultiplier)
	}
	chance := (RollRange - e.houseEdgeBps) / multiplier
	if chance <= 0 {
		return 0, fmt.Errorf("%w: %d leaves no win chance", ErrMultiplierOutOfRange, multiplier)
	}
	return chance, nil
}

// ValidateWager rejects amounts outside the configured bounds before any
// state is mutated.
func (e *Engine) ValidateWager(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrWagerOutOfRange)
	}
	if amount.Cmp(e.minWager) < 0 || amount.Cmp(e.maxWager) > 0 {
		return fmt.Errorf("%w: %s not in [%s,%s]", ErrWagerOutOfRange, amount, e.minWager, e.maxWager)
	}
	return nil
}

// PayoutAmount computes the gross payout of a winning wager:
// wager * multiplier * (10000 - houseEdgeBps) / 10000.
func (e *Engine) PayoutAmount(wager *big.Int, multiplier int) *big.Int {
	out := new(big.Int).Mul(wager, big.NewInt(int64(multiplier)))
	out.Mul(out, big.NewInt(int64(RollRange-e.houseEdgeBps)))
	return out.Div(out, big.NewInt(RollRange))
}

// HouseEdgeBps exposes the configured edge for status surfaces.
func (e *Engine) HouseEdgeBps() int { return e.houseEdgeBps }
