// Package redis publishes backend lifecycle events as JSON over Redis pub/sub.
//
// Retries with exponential backoff on connection errors. When history is
// enabled each event is also pushed onto a capped per-instance list so a
// subscriber that connects late can read what it missed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/jpoly/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "jpoly:backend_events"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// Config configures the Redis pub/sub adapter.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: jpoly:backend_events).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure.
	Retries int
	// History is the number of recent events kept per instance under
	// HistoryKey. Zero disables the list.
	History int64
}

// Adapter publishes backend events via Redis PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis pub/sub adapter from the given config.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.History < 0 {
		return nil, fmt.Errorf("history must be >= 0, got %d", cfg.History)
	}

	return &Adapter{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Publish sends the event as a JSON PUBLISH to the configured channel.
func (a *Adapter) Publish(ctx context.Context, event *adapter.BackendEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	return adapter.Retry(ctx, "redis", a.config.Retries, func(ctx context.Context) error {
		publishCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		err := a.publish(publishCtx, event.InstanceID, body)
		if errors.Is(err, goredis.ErrClosed) {
			return fmt.Errorf("%w: %w", adapter.ErrPermanent, err)
		}
		return err
	})
}

func (a *Adapter) publish(ctx context.Context, instanceID string, body []byte) error {
	if a.config.History == 0 {
		return a.client.Publish(ctx, a.config.Channel, body).Err()
	}
	key := a.HistoryKey(instanceID)
	_, err := a.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Publish(ctx, a.config.Channel, body)
		p.LPush(ctx, key, body)
		p.LTrim(ctx, key, 0, a.config.History-1)
		return nil
	})
	return err
}

// HistoryKey returns the list holding recent events for an instance,
// newest first.
func (a *Adapter) HistoryKey(instanceID string) string {
	return a.config.Channel + ":" + instanceID
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
