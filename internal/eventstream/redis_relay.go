package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tutormesh/tutormesh/pkg/config"
	"github.com/tutormesh/tutormesh/pkg/errors"
	"github.com/tutormesh/tutormesh/pkg/events"
)

// ChannelPrefix namespaces relay channels in a shared Redis.
const ChannelPrefix = "tutormesh:events:"

// Channel returns the Redis pub/sub channel for a bus topic.
func Channel(topic events.Topic) string {
	return ChannelPrefix + string(topic)
}

// NewRedisClient creates the Redis client shared by the relay and the health
// checker, and verifies connectivity before handing it out.
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		// Connection timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Pool timeouts
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		// Retry configuration
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewExternalError("redis", "failed to connect to redis").WithCause(err)
	}

	return client, nil
}

// RelayConfig tunes the relay.
type RelayConfig struct {
	// PublishTimeout bounds each publish round trip
	PublishTimeout time.Duration
}

// DefaultRelayConfig returns the standard relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PublishTimeout: 2 * time.Second,
	}
}

// Relay forwards every bus event to a Redis pub/sub channel named after its
// topic, so dashboards and session services can observe the core without
// linking it. Publish failures are counted and logged but never feed back
// into the publishing path; the client retries and reconnects on its own.
type Relay struct {
	client  *redis.Client
	logger  *zap.Logger
	timeout time.Duration

	published atomic.Uint64
	failed    atomic.Uint64
}

var _ events.Subscriber = (*Relay)(nil)

// NewRelay creates a relay over an existing client. The logger may be nil.
func NewRelay(client *redis.Client, logger *zap.Logger, config RelayConfig) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 2 * time.Second
	}

	return &Relay{
		client:  client,
		logger:  logger,
		timeout: config.PublishTimeout,
	}
}

// ID implements events.Subscriber.
func (r *Relay) ID() string { return "redis-relay" }

// Topics implements events.Subscriber. The empty list is the bus's wildcard
// subscription, so the relay sees every topic.
func (r *Relay) Topics() []events.Topic { return nil }

// OnEvent publishes one event as JSON. It runs on the bus dispatch
// goroutine, so each publish is bounded by its own timeout.
func (r *Relay) OnEvent(event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		r.failed.Add(1)
		r.logger.Warn("Failed to encode event for relay",
			zap.String("topic", string(event.Topic)),
			zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	channel := Channel(event.Topic)
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		r.failed.Add(1)
		r.logger.Warn("Failed to relay event to redis",
			zap.String("channel", channel),
			zap.Error(err))
		return err
	}

	r.published.Add(1)
	return nil
}

// Stats returns how many events were relayed and how many failed.
func (r *Relay) Stats() (published, failed uint64) {
	return r.published.Load(), r.failed.Load()
}
