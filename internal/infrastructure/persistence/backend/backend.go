// Package backend opens the profile store selected by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pulsecard/studysync/config"
	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/infrastructure/messaging"
	"github.com/pulsecard/studysync/internal/infrastructure/persistence/firestore"
	"github.com/pulsecard/studysync/internal/infrastructure/persistence/memory"
	"github.com/pulsecard/studysync/internal/infrastructure/persistence/postgres"
	"github.com/pulsecard/studysync/internal/infrastructure/persistence/redis"
)

// ProfileStore is everything the binaries need from a backend.
type ProfileStore interface {
	profile.Store
	profile.Reader
	profile.StaleLister
	profile.GuardedUpdater
}

var (
	_ ProfileStore = (*memory.ProfileStore)(nil)
	_ ProfileStore = (*redis.ProfileStore)(nil)
	_ ProfileStore = (*postgres.ProfileStore)(nil)
	_ ProfileStore = (*firestore.ProfileStore)(nil)
)

// Backend is an opened store plus the connections behind it.
type Backend struct {
	Kind  config.Backend
	Store ProfileStore

	// Events is the Redis pub/sub client for cross-process events, or nil.
	Events messaging.PubSubClient

	closers []func() error
}

// Open connects the configured backend. Postgres migrations run here when enabled.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{Kind: cfg.Store.Backend}

	var redisConn *redis.Connection
	connectRedis := func() (*redis.Connection, error) {
		if redisConn != nil {
			return redisConn, nil
		}
		conn, err := redis.NewConnection(ctx, redisConfig(cfg.Redis), logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, conn.Close)
		redisConn = conn
		return conn, nil
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		b.Store = memory.NewProfileStore(logger)

	case config.BackendRedis:
		conn, err := connectRedis()
		if err != nil {
			return nil, fmt.Errorf("open redis backend: %w", err)
		}
		b.Store = redis.NewProfileStore(conn, logger)

	case config.BackendPostgres:
		conn, err := postgres.NewConnection(ctx, postgresConfig(cfg.Database), logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres backend: %w", err)
		}
		b.closers = append(b.closers, func() error { conn.Close(); return nil })
		if cfg.Database.RunMigrations {
			if err := postgres.Migrate(ctx, conn, logger); err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		b.Store = postgres.NewProfileStore(conn, logger)

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, firestore.Config{
			ProjectID:       cfg.Firestore.ProjectID,
			CredentialsFile: cfg.Firestore.CredentialsFile,
			EmulatorHost:    cfg.Firestore.EmulatorHost,
			Collection:      cfg.Firestore.Collection,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open firestore backend: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.Store = firestore.NewProfileStore(client, logger)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Store.Backend)
	}

	if cfg.Store.RemoteEvents {
		conn, err := connectRedis()
		if err != nil {
			// Events stay local; the store itself is usable.
			logger.Warn("remote events disabled, redis unreachable", "error", err)
		} else {
			b.Events = redis.NewEventChannel(conn)
		}
	}

	logger.Info("profile store opened", "backend", b.Kind, "remote_events", b.Events != nil)
	return b, nil
}

// Close releases connections in reverse order of opening.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func redisConfig(c config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.Host = c.Host
	rc.Port = c.Port
	rc.Password = c.Password
	rc.DB = c.DB
	if c.PoolSize > 0 {
		rc.PoolSize = c.PoolSize
	}
	rc.MinIdleConns = c.MinIdleConns
	if c.DialTimeout > 0 {
		rc.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		rc.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		rc.WriteTimeout = c.WriteTimeout
	}
	return rc
}

func postgresConfig(c config.DatabaseConfig) postgres.Config {
	pc := postgres.DefaultConfig()
	pc.URL = c.URL
	if c.MaxConns > 0 {
		pc.MaxConns = int32(c.MaxConns)
	}
	if c.MinConns >= 0 {
		pc.MinConns = int32(c.MinConns)
	}
	if c.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = c.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime > 0 {
		pc.MaxConnIdleTime = c.ConnMaxIdleTime
	}
	if c.ConnectTimeout > 0 {
		pc.ConnectTimeout = c.ConnectTimeout
	}
	return pc
}
