package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dicehouse/observability"
)

const defaultPollInterval = 15 * time.Second

// PollSpec binds a source to its polling cadence.
type PollSpec struct {
	Source   Source
	Interval time.Duration
}

// Manager drives every poll source on its own ticker. A stalled or failing
// source never delays the others; each goroutine keeps its own schedule.
type Manager struct {
	observer *Observer
	specs    []PollSpec
	logger   *slog.Logger
	metrics  *observability.IngestMetrics
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger installs a custom logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager validates the source set and prepares the runner.
func NewManager(observer *Observer, specs []PollSpec, opts ...ManagerOption) (*Manager, error) {
	if observer == nil {
		return nil, fmt.Errorf("ingest: observer required")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("ingest: at least one poll source required")
	}
	seen := make(map[string]struct{}, len(specs))
	normalised := make([]PollSpec, 0, len(specs))
	for _, spec := range specs {
		if spec.Source == nil {
			return nil, fmt.Errorf("ingest: nil source in poll specs")
		}
		name := spec.Source.Name()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("ingest: duplicate source %s", name)
		}
		seen[name] = struct{}{}
		if spec.Interval <= 0 {
			spec.Interval = defaultPollInterval
		}
		normalised = append(normalised, spec)
	}
	m := &Manager{
		observer: observer,
		specs:    normalised,
		logger:   slog.Default(),
		metrics:  observability.Ingest(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run polls until the context is cancelled. Each source fires an immediate
// first poll, then settles into its ticker.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, spec := range m.specs {
		wg.Add(1)
		go func(spec PollSpec) {
			defer wg.Done()
			m.poll(ctx, spec)
			ticker := time.NewTicker(spec.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.poll(ctx, spec)
				}
			}
		}(spec)
	}
	wg.Wait()
	return ctx.Err()
}

func (m *Manager) poll(ctx context.Context, spec PollSpec) {
	name := spec.Source.Name()
	fetchCtx, cancel := context.WithTimeout(ctx, spec.Interval)
	observations, err := spec.Source.Fetch(fetchCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.metrics.RecordChannelError(name)
		m.logger.Warn("poll source failed",
			slog.String("channel", name),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, obs := range observations {
		if _, err := m.observer.Observe(ctx, obs); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.metrics.RecordChannelError(name)
			m.logger.Warn("observation rejected",
				slog.String("channel", name),
				slog.String("txid", obs.Txid),
				slog.String("error", err.Error()),
			)
		}
	}
}
