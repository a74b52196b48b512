// Package diced assembles the settlement daemon: detection channels in,
// provably fair rolls in the middle, payouts out.
package diced

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"dicehouse/config"
	"dicehouse/crypto"
	"dicehouse/fairness"
	"dicehouse/ingest"
	"dicehouse/observability/logging"
	telemetry "dicehouse/observability/otel"
	"dicehouse/payout"
	"dicehouse/secrets"
	"dicehouse/settle"
	"dicehouse/storage"
	"dicehouse/vault"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/diced/config.toml", "path to diced configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := cfg.Service.Environment
	logging.Setup("diced", env)
	otlpEndpoint := strings.TrimSpace(cfg.Observability.OTLPEndpoint)
	if fromEnv := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); fromEnv != "" {
		otlpEndpoint = fromEnv
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "diced",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
		Headers:     telemetry.ParseHeaders(cfg.Observability.OTLPHeaders),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	secretManager, err := secrets.NewManager(secrets.Config{
		Backend:  secrets.Backend(cfg.Secrets.Backend),
		BasePath: cfg.Secrets.BasePath,
	})
	if err != nil {
		return fmt.Errorf("init secrets: %w", err)
	}
	masterKey, err := secretManager.MustGetSecret(context.Background(), cfg.Secrets.MasterKeySecret)
	if err != nil {
		return fmt.Errorf("resolve master key: %w", err)
	}
	adminToken := ""
	if cfg.Secrets.AdminTokenSecret != "" {
		adminToken, err = secretManager.GetSecret(context.Background(), cfg.Secrets.AdminTokenSecret)
		if err != nil {
			return fmt.Errorf("resolve admin token: %w", err)
		}
	}

	dsn, err := storage.FileDSN(cfg.Service.DatabasePath)
	if err != nil {
		return fmt.Errorf("resolve database path: %w", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	rules, err := buildFairness(cfg.Fairness)
	if err != nil {
		return fmt.Errorf("init fairness: %w", err)
	}
	seeds, err := fairness.NewManager(store)
	if err != nil {
		return fmt.Errorf("init seed manager: %w", err)
	}
	walletVault, err := vault.New(store)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	policy := payout.DefaultPolicy()
	if cfg.Payout.PolicyPath != "" {
		policy, err = payout.LoadPolicy(cfg.Payout.PolicyPath)
		if err != nil {
			return fmt.Errorf("load payout policy: %w", err)
		}
	}
	// The chain backend is injected by the deployment; until wired, every
	// broadcast parks its payout for operator review.
	broadcaster := &payout.FuncBroadcaster{
		BalanceFn: func(context.Context, string) (*big.Int, error) {
			return nil, fmt.Errorf("chain backend not configured")
		},
		EstimateFeeFn: func(context.Context, *big.Int) (*big.Int, error) {
			return nil, fmt.Errorf("chain backend not configured")
		},
		BroadcastFn: func(context.Context, *crypto.PrivateKey, string, string, *big.Int, *big.Int) (*payout.Receipt, error) {
			return nil, fmt.Errorf("chain backend not configured")
		},
	}
	processor, err := payout.NewProcessor(store, walletVault, broadcaster, masterKey, payout.WithPolicy(policy))
	if err != nil {
		return fmt.Errorf("init payout processor: %w", err)
	}

	engine, err := settle.NewEngine(store, rules, seeds, walletVault, processor,
		settle.WithConfirmThreshold(*cfg.Settlement.ConfirmThreshold),
		settle.WithPendingExpiry(cfg.Settlement.PendingExpiry.Duration),
		settle.WithSweepInterval(cfg.Settlement.SweepInterval.Duration),
	)
	if err != nil {
		return fmt.Errorf("init settlement engine: %w", err)
	}

	observer, err := ingest.NewObserver(store, walletVault, engine)
	if err != nil {
		return fmt.Errorf("init observer: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	runBackground := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(stopCtx); err != nil && stopCtx.Err() == nil {
				log.Printf("%s stopped: %v", name, err)
			}
		}()
	}

	runBackground("payout processor", processor.Run)
	runBackground("settlement sweeps", engine.Run)

	if len(cfg.Ingest.Poll) > 0 {
		specs := make([]ingest.PollSpec, 0, len(cfg.Ingest.Poll))
		for _, pollCfg := range cfg.Ingest.Poll {
			source, err := ingest.NewHTTPSource(pollCfg.Name, pollCfg.Endpoint, nil)
			if err != nil {
				return fmt.Errorf("init poll source: %w", err)
			}
			specs = append(specs, ingest.PollSpec{Source: source, Interval: pollCfg.Interval.Duration})
		}
		pollManager, err := ingest.NewManager(observer, specs)
		if err != nil {
			return fmt.Errorf("init poll manager: %w", err)
		}
		runBackground("poll manager", pollManager.Run)
	}
	for _, pushCfg := range cfg.Ingest.Push {
		listener, err := ingest.NewPushListener(pushCfg.Name, pushCfg.URL, observer)
		if err != nil {
			return fmt.Errorf("init push listener: %w", err)
		}
		runBackground("push listener "+pushCfg.Name, listener.Run)
	}

	server := NewServer(observer, engine, processor, walletVault, store, masterKey, adminToken, cfg.Service.SubmitRatePerMinute)
	httpServer := &http.Server{
		Addr:         cfg.Service.ListenAddress,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Printf("diced listening on %s", cfg.Service.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
		}
		stop()
		wg.Wait()
		return nil
	case err := <-errs:
		stop()
		wg.Wait()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func buildFairness(cfg config.FairnessConfig) (*fairness.Engine, error) {
	minWager, ok := new(big.Int).SetString(cfg.MinWager, 10)
	if !ok {
		return nil, fmt.Errorf("invalid MinWager %q", cfg.MinWager)
	}
	maxWager, ok := new(big.Int).SetString(cfg.MaxWager, 10)
	if !ok {
		return nil, fmt.Errorf("invalid MaxWager %q", cfg.MaxWager)
	}
	return fairness.NewEngine(fairness.Limits{
		HouseEdgeBps:  cfg.HouseEdgeBps,
		MinMultiplier: cfg.MinMultiplier,
		MaxMultiplier: cfg.MaxMultiplier,
		MinWager:      minWager,
		MaxWager:      maxWager,
	})
}
