package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/3cpo-dev/fanout/pkg/api"
)

// DefaultRedisChannel is the pub/sub channel summaries go to.
const DefaultRedisChannel = "fanout:summary"

// RedisConfig configures the Redis summary publisher.
type RedisConfig struct {
	// URL format: redis://[:password@]host:port[/db]
	URL     string
	Channel string
	// Timeout bounds one PUBLISH (default 5s).
	Timeout time.Duration
	// Retries after the first attempt (default 0).
	Retries int
	// Backoff is the delay before the first retry, doubled per retry (default 500ms).
	Backoff time.Duration
}

// Redis publishes summaries as JSON via PUBLISH.
type Redis struct {
	cfg    RedisConfig
	client *goredis.Client
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis publisher requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis publisher: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Redis{cfg: cfg, client: goredis.NewClient(opts)}, nil
}

func (r *Redis) Publish(ctx context.Context, s api.Summary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redis: marshal summary: %w", err)
	}

	attempts := 1 + r.cfg.Retries
	var lastErr error
	for i := range attempts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: canceled during backoff: %w", ctx.Err())
			case <-time.After(r.cfg.Backoff << uint(i-1)):
			}
		}
		pctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		lastErr = r.client.Publish(pctx, r.cfg.Channel, body).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("redis: publish failed after %d attempts: %w", attempts, lastErr)
}

func (r *Redis) Close() error { return r.client.Close() }
