package payout

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 5 * time.Second
)

// Policy bounds what the processor may spend and how hard it retries. A nil
// DailyCap means uncapped.
type Policy struct {
	MaxRetries   int
	RetryBackoff time.Duration
	DailyCap     *big.Int
}

// DefaultPolicy is the stance used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: defaultMaxRetries, RetryBackoff: defaultRetryBackoff}
}

type policyFile struct {
	MaxRetries   int    `yaml:"maxRetries"`
	RetryBackoff string `yaml:"retryBackoff"`
	DailyCap     string `yaml:"dailyCap"`
}

// LoadPolicy reads a YAML policy file. Absent fields keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read policy: %w", err)
	}
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return policy, fmt.Errorf("parse policy: %w", err)
	}
	if file.MaxRetries > 0 {
		policy.MaxRetries = file.MaxRetries
	}
	if strings.TrimSpace(file.RetryBackoff) != "" {
		backoff, err := time.ParseDuration(file.RetryBackoff)
		if err != nil {
			return policy, fmt.Errorf("parse retryBackoff: %w", err)
		}
		if backoff <= 0 {
			return policy, fmt.Errorf("retryBackoff must be positive")
		}
		policy.RetryBackoff = backoff
	}
	if strings.TrimSpace(file.DailyCap) != "" {
		limit, ok := new(big.Int).SetString(strings.TrimSpace(file.DailyCap), 10)
		if !ok || limit.Sign() <= 0 {
			return policy, fmt.Errorf("invalid dailyCap %q", file.DailyCap)
		}
		policy.DailyCap = limit
	}
	return policy, nil
}

// dailySpend tracks the amount paid out in the current UTC day.
type dailySpend struct {
	day   string
	total *big.Int
}

func (d *dailySpend) roll(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if d.day != day {
		d.day = day
		d.total = new(big.Int)
	}
	if d.total == nil {
		d.total = new(big.Int)
	}
}

// allows reports whether paying amount keeps the day under the cap.
func (d *dailySpend) allows(limit, amount *big.Int, now time.Time) bool {
	if limit == nil {
		return true
	}
	d.roll(now)
	projected := new(big.Int).Add(d.total, amount)
	return projected.Cmp(limit) <= 0
}

func (d *dailySpend) add(amount *big.Int, now time.Time) {
	d.roll(now)
	d.total.Add(d.total, amount)
}
