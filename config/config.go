// Package config loads the diced TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"dicehouse/secrets"
)

// Duration wraps time.Duration so TOML files can say "30s" instead of
// nanosecond integers.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the full diced runtime configuration. Secrets are referenced by
// name and resolved through the secrets backend; values never live here.
type Config struct {
	Service       ServiceConfig       `toml:"service"`
	Fairness      FairnessConfig      `toml:"fairness"`
	Settlement    SettlementConfig    `toml:"settlement"`
	Ingest        IngestConfig        `toml:"ingest"`
	Payout        PayoutConfig        `toml:"payout"`
	Secrets       SecretsConfig       `toml:"secrets"`
	Observability ObservabilityConfig `toml:"observability"`
}

type ServiceConfig struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	DatabasePath  string `toml:"DatabasePath"`
	// SubmitRatePerMinute bounds manual observation submissions per client.
	SubmitRatePerMinute int `toml:"SubmitRatePerMinute"`
}

type FairnessConfig struct {
	HouseEdgeBps  int    `toml:"HouseEdgeBps"`
	MinMultiplier int    `toml:"MinMultiplier"`
	MaxMultiplier int    `toml:"MaxMultiplier"`
	MinWager      string `toml:"MinWager"`
	MaxWager      string `toml:"MaxWager"`
}

type SettlementConfig struct {
	// ConfirmThreshold is a pointer so an explicit 0, instant settlement
	// on unconfirmed deposits, is distinguishable from an absent key.
	ConfirmThreshold *int     `toml:"ConfirmThreshold"`
	PendingExpiry    Duration `toml:"PendingExpiry"`
	SweepInterval    Duration `toml:"SweepInterval"`
}

type IngestConfig struct {
	Poll []PollSourceConfig `toml:"Poll"`
	Push []PushSourceConfig `toml:"Push"`
}

type PollSourceConfig struct {
	Name     string   `toml:"Name"`
	Endpoint string   `toml:"Endpoint"`
	Interval Duration `toml:"Interval"`
}

type PushSourceConfig struct {
	Name string `toml:"Name"`
	URL  string `toml:"URL"`
}

type PayoutConfig struct {
	// PolicyPath points at the YAML payout policy; empty keeps defaults.
	PolicyPath string `toml:"PolicyPath"`
}

type SecretsConfig struct {
	Backend  string `toml:"Backend"`
	BasePath string `toml:"BasePath"`
	// MasterKeySecret names the vault master key in the secret backend.
	MasterKeySecret string `toml:"MasterKeySecret"`
	// AdminTokenSecret names the bearer token guarding admin endpoints.
	AdminTokenSecret string `toml:"AdminTokenSecret"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure"`
	OTLPHeaders  string `toml:"OTLPHeaders"`
}

// Load reads and validates the configuration at path. Missing optional fields
// take defaults; structural problems are fatal.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Service.ListenAddress) == "" {
		c.Service.ListenAddress = ":8100"
	}
	if strings.TrimSpace(c.Service.Environment) == "" {
		c.Service.Environment = "dev"
	}
	if strings.TrimSpace(c.Service.DatabasePath) == "" {
		c.Service.DatabasePath = "./diced.db"
	}
	if c.Service.SubmitRatePerMinute <= 0 {
		c.Service.SubmitRatePerMinute = 60
	}
	if c.Fairness.HouseEdgeBps == 0 {
		c.Fairness.HouseEdgeBps = 200
	}
	if c.Fairness.MinMultiplier == 0 {
		c.Fairness.MinMultiplier = 2
	}
	if c.Fairness.MaxMultiplier == 0 {
		c.Fairness.MaxMultiplier = 100
	}
	if strings.TrimSpace(c.Fairness.MinWager) == "" {
		c.Fairness.MinWager = "1000"
	}
	if strings.TrimSpace(c.Fairness.MaxWager) == "" {
		c.Fairness.MaxWager = "1000000000"
	}
	if c.Settlement.ConfirmThreshold == nil {
		one := 1
		c.Settlement.ConfirmThreshold = &one
	}
	if c.Settlement.PendingExpiry.Duration <= 0 {
		c.Settlement.PendingExpiry.Duration = 24 * time.Hour
	}
	if c.Settlement.SweepInterval.Duration <= 0 {
		c.Settlement.SweepInterval.Duration = 30 * time.Second
	}
	if strings.TrimSpace(c.Secrets.Backend) == "" {
		c.Secrets.Backend = string(secrets.BackendEnv)
	}
	if strings.TrimSpace(c.Secrets.MasterKeySecret) == "" {
		c.Secrets.MasterKeySecret = "DICEHOUSE_MASTER_KEY"
	}
}

func (c *Config) validate() error {
	if *c.Settlement.ConfirmThreshold < 0 {
		return fmt.Errorf("settlement ConfirmThreshold must not be negative")
	}
	for i, poll := range c.Ingest.Poll {
		if strings.TrimSpace(poll.Name) == "" {
			return fmt.Errorf("ingest poll source %d missing Name", i)
		}
		if strings.TrimSpace(poll.Endpoint) == "" {
			return fmt.Errorf("ingest poll source %s missing Endpoint", poll.Name)
		}
	}
	for i, push := range c.Ingest.Push {
		if strings.TrimSpace(push.Name) == "" {
			return fmt.Errorf("ingest push source %d missing Name", i)
		}
		if strings.TrimSpace(push.URL) == "" {
			return fmt.Errorf("ingest push source %s missing URL", push.Name)
		}
	}
	if c.Payout.PolicyPath != "" {
		if _, err := os.Stat(c.Payout.PolicyPath); err != nil {
			return fmt.Errorf("payout policy path: %w", err)
		}
	}
	return nil
}
