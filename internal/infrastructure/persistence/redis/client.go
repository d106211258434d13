// Package redis implements profile.Store on Redis.
//
// Each profile is a hash under "profile:{identity}". Every committed write
// publishes on "pubsub:profile:{identity}", and subscribers re-read the hash
// on each message, so a subscriber always sees the state after the write
// that woke it.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsecard/studysync/pkg/retry"
)

// ErrConnection is returned when Redis cannot be reached.
var ErrConnection = errors.New("redis: connection failed")

// Config holds Redis connection configuration.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	// MaxRetries is the command retry budget of the client. -1 disables retries,
	// which is the default: a resent HINCRBY would count a card twice.
	MaxRetries int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultConfig returns a local, retry-free configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   -1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr(),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
		MaxRetries:   c.MaxRetries,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PoolTimeout:  c.PoolTimeout,
	}
}

const (
	prefixProfile = "profile:"
	prefixPubSub  = "pubsub:"
)

// ProfileKey is the hash key of a profile.
func ProfileKey(identity string) string {
	return prefixProfile + identity
}

// ProfileChannel is the change channel of a profile.
func ProfileChannel(identity string) string {
	return prefixPubSub + prefixProfile + identity
}

// Connection owns the go-redis client.
type Connection struct {
	client *redis.Client
}

// NewConnection creates a client and waits until Redis answers PING,
// retrying with backoff while the server is still starting.
func NewConnection(ctx context.Context, cfg Config, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(cfg.options())

	retrier := retry.ConnectRetrier(func(attempt int, err error, delay time.Duration) {
		logger.Warn("redis not reachable yet", "addr", cfg.Addr(), "attempt", attempt, "retry_in", delay, "error", err)
	})
	err := retrier.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, cfg.Addr(), err)
	}

	return &Connection{client: client}, nil
}

// Client returns the underlying go-redis client.
func (c *Connection) Client() *redis.Client {
	return c.client
}

// Close closes the client and its pool.
func (c *Connection) Close() error {
	return c.client.Close()
}
