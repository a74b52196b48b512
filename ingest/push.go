package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"dicehouse/observability"
)

const (
	pushInitialBackoff = time.Second
	pushMaxBackoff     = time.Minute
	pushReadLimit      = 1 << 20
)

// PushListener subscribes to a websocket feed of transaction notifications
// and feeds each frame through the shared Observer. Dropped connections are
// redialled with exponential backoff.
type PushListener struct {
	name     string
	url      string
	observer *Observer
	logger   *slog.Logger
	metrics  *observability.IngestMetrics
	now      func() time.Time
}

// NewPushListener wires a websocket channel named name against url.
func NewPushListener(name, url string, observer *Observer, opts ...PushOption) (*PushListener, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("ingest: push channel name required")
	}
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("ingest: push channel url required")
	}
	if observer == nil {
		return nil, fmt.Errorf("ingest: observer required")
	}
	l := &PushListener{
		name:     name,
		url:      url,
		observer: observer,
		logger:   slog.Default(),
		metrics:  observability.Ingest(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// PushOption customises a PushListener.
type PushOption func(*PushListener)

// WithPushLogger installs a custom logger.
func WithPushLogger(logger *slog.Logger) PushOption {
	return func(l *PushListener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Run maintains the subscription until the context is cancelled.
func (l *PushListener) Run(ctx context.Context) error {
	backoff := pushInitialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, _, err := websocket.Dial(ctx, l.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.metrics.RecordChannelError(l.name)
			l.logger.Warn("push channel dial failed",
				slog.String("channel", l.name),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pushMaxBackoff {
				backoff = pushMaxBackoff
			}
			continue
		}
		conn.SetReadLimit(pushReadLimit)
		l.logger.Info("push channel connected", slog.String("channel", l.name))
		backoff = pushInitialBackoff
		l.consume(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}
}

func (l *PushListener) consume(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.metrics.RecordChannelError(l.name)
				l.logger.Warn("push channel read failed",
					slog.String("channel", l.name),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		var payload txPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			l.metrics.RecordChannelError(l.name)
			l.logger.Warn("push channel sent malformed frame",
				slog.String("channel", l.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		obs, err := payload.toObservation(l.name, l.now())
		if err != nil {
			l.metrics.RecordChannelError(l.name)
			l.logger.Warn("push frame rejected",
				slog.String("channel", l.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, err := l.observer.Observe(ctx, obs); err != nil {
			l.metrics.RecordChannelError(l.name)
			l.logger.Warn("push observation rejected",
				slog.String("channel", l.name),
				slog.String("txid", obs.Txid),
				slog.String("error", err.Error()),
			)
		}
	}
}
