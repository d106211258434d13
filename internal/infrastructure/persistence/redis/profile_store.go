package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/mailbox"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

// maxOptimisticAttempts bounds WATCH retries. A failed EXEC applied nothing,
// so retrying it cannot double-count.
const maxOptimisticAttempts = 3

// ProfileStore implements profile.Store, profile.Reader, profile.StaleLister
// and profile.GuardedUpdater.
type ProfileStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewProfileStore creates a store on an established connection.
func NewProfileStore(conn *Connection, logger *slog.Logger) *ProfileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileStore{
		client: conn.Client(),
		logger: logger.With("component", "redis_profile_store"),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITES
// ══════════════════════════════════════════════════════════════════════════════

// Update implements profile.Store.
// Sets and increments run in one MULTI/EXEC guarded by WATCH on the key.
func (s *ProfileStore) Update(ctx context.Context, id profile.Identity, p profile.Patch) error {
	_, err := s.update(ctx, id, p, nil)
	return err
}

// UpdateIfUnchanged implements profile.GuardedUpdater.
func (s *ProfileStore) UpdateIfUnchanged(ctx context.Context, id profile.Identity, lastStudyDate timeutil.DayKey, p profile.Patch) (bool, error) {
	applied, err := s.update(ctx, id, p, &lastStudyDate)
	if shared.IsNotFound(err) {
		return false, nil
	}
	return applied, err
}

func (s *ProfileStore) update(ctx context.Context, id profile.Identity, p profile.Patch, guard *timeutil.DayKey) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("redis: update %s: %w", id, err)
	}

	key := ProfileKey(id.String())
	sets, incrs := patchCommands(p)
	applied := false

	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return shared.ErrProfileNotFound
		}

		if guard != nil {
			stored, err := tx.HGet(ctx, key, fieldLastStudyDate).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if stored != guard.String() {
				return nil
			}
		}

		applied = true
		if p.IsEmpty() {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(sets) > 0 {
				pipe.HSet(ctx, key, sets)
			}
			for field, delta := range incrs {
				pipe.HIncrBy(ctx, key, field, delta)
			}
			pipe.Publish(ctx, ProfileChannel(id.String()), "update")
			return nil
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// IncrementField implements profile.Store.
func (s *ProfileStore) IncrementField(ctx context.Context, id profile.Identity, field profile.FieldPath, delta int64) error {
	if err := field.Validate(); err != nil {
		return err
	}
	var p profile.Patch
	p.Increment(field, delta)
	return s.Update(ctx, id, p)
}

// Create implements profile.Store.
func (s *ProfileStore) Create(ctx context.Context, id profile.Identity, rec profile.Record) error {
	if id.IsZero() {
		return shared.ErrInvalidIdentity
	}

	key := ProfileKey(id.String())
	values := encodeRecord(rec)

	return s.watch(ctx, key, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return shared.ErrProfileExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, values)
			pipe.Publish(ctx, ProfileChannel(id.String()), "create")
			return nil
		})
		return err
	})
}

func (s *ProfileStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxOptimisticAttempts; attempt++ {
		err = s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		s.logger.Debug("optimistic transaction conflict", "key", key, "attempt", attempt+1)
	}
	if err != nil && !errors.Is(err, shared.ErrProfileNotFound) && !errors.Is(err, shared.ErrProfileExists) {
		return fmt.Errorf("redis: %s: %w", key, err)
	}
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// Get implements profile.Reader.
func (s *ProfileStore) Get(ctx context.Context, id profile.Identity) (*profile.Record, error) {
	fields, err := s.client.HGetAll(ctx, ProfileKey(id.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec, malformed := decodeRecord(fields)
	if len(malformed) > 0 {
		s.logger.Warn("malformed profile fields replaced by defaults", "identity", id, "fields", malformed)
	}
	return &rec, nil
}

// ListStale implements profile.StaleLister by scanning every profile hash.
func (s *ProfileStore) ListStale(ctx context.Context, today timeutil.DayKey, limit int) ([]profile.Identity, error) {
	var ids []profile.Identity

	iter := s.client.Scan(ctx, 0, prefixProfile+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := profile.Identity(strings.TrimPrefix(iter.Val(), prefixProfile))
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if _, patch := profile.Reconcile(*rec, today); !patch.IsEmpty() {
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan profiles: %w", err)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBSCRIPTIONS
// ══════════════════════════════════════════════════════════════════════════════

// Subscribe implements profile.Store.
// The channel subscription is confirmed before the first read, so no write
// committed after Subscribe returns can be missed.
func (s *ProfileStore) Subscribe(ctx context.Context, id profile.Identity, fn profile.Listener) (profile.Subscription, error) {
	if id.IsZero() {
		return nil, shared.ErrInvalidIdentity
	}

	pubsub := s.client.Subscribe(ctx, ProfileChannel(id.String()))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", id, err)
	}

	mb := mailbox.New(func(rec *profile.Record) { fn(rec) }, func(r any) {
		s.logger.Error("subscriber panicked", "identity", id, "panic", r)
	})

	subCtx, cancel := context.WithCancel(context.Background())
	go s.listen(subCtx, id, pubsub.Channel(), mb)

	return profile.OnceSubscription(func() {
		cancel()
		_ = pubsub.Close()
		mb.Close()
	}), nil
}

func (s *ProfileStore) listen(ctx context.Context, id profile.Identity, messages <-chan *redis.Message, mb *mailbox.Mailbox[*profile.Record]) {
	s.deliver(ctx, id, mb)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messages:
			if !ok {
				return
			}
			s.deliver(ctx, id, mb)
		}
	}
}

func (s *ProfileStore) deliver(ctx context.Context, id profile.Identity, mb *mailbox.Mailbox[*profile.Record]) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to read profile after change", "identity", id, "error", err)
		}
		return
	}
	mb.Post(rec)
}
