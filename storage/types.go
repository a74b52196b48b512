package storage

import (
	"math/big"
	"time"
)

// BetStatus enumerates the bet lifecycle. Transitions are monotonic; they are
// enforced with conditional updates, never plain writes.
type BetStatus string

const (
	BetPending      BetStatus = "pending"
	BetConfirmed    BetStatus = "confirmed"
	BetRolled       BetStatus = "rolled"
	BetPaid         BetStatus = "paid"
	BetPayoutFailed BetStatus = "payout_failed"
	BetExpired      BetStatus = "expired"
)

// PayoutStatus enumerates payout progress.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutInFlight  PayoutStatus = "in_flight"
	PayoutConfirmed PayoutStatus = "confirmed"
	PayoutFailed    PayoutStatus = "failed"
)

// Wallet is a custodial deposit wallet. KeystoreJSON holds the spending
// credential sealed under the vault master key; plaintext never touches this
// package.
type Wallet struct {
	ID            string
	Multiplier    int
	Address       string
	KeystoreJSON  []byte
	Active        bool
	Depleted      bool
	ReceivedTotal *big.Int
	SentTotal     *big.Int
	BetCount      int64
	CreatedAt     time.Time
}

// Observation is one sighting of an on-chain deposit, reported by any
// detection channel. Txid is the natural dedup key.
type Observation struct {
	Txid          string
	FromAddress   string
	ToAddress     string
	Amount        *big.Int
	Source        string
	Confirmations int
	DetectCount   int
	Processed     bool
	Raw           string
	ObservedAt    time.Time
}

// Bet is one wager settled against a single deposit transaction.
type Bet struct {
	ID               string
	Player           string
	SeedPairID       int64
	NonceUsed        uint64
	WageredAmount    *big.Int
	TargetMultiplier int
	WinChanceBps     int
	WalletID         string
	DepositAddress   string
	DepositTxid      string
	RollResult       int
	Rolled           bool
	Outcome          string
	PayoutAmount     *big.Int
	Status           BetStatus
	CreatedAt        time.Time
	RolledAt         *time.Time
}

// Payout tracks the on-chain spend for a winning bet, 1:1 with the bet.
type Payout struct {
	ID            string
	BetID         string
	Amount        *big.Int
	Fee           *big.Int
	ToAddress     string
	BroadcastTxid string
	Status        PayoutStatus
	RetryCount    int
	MaxRetries    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
