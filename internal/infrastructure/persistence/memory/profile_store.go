// Package memory implements profile.Store in process memory.
// It backs tests and the local development mode of studyctl.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/mailbox"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

// ProfileStore keeps records in a map and notifies subscribers through
// per-subscription mailboxes, so callbacks never run under the store lock.
type ProfileStore struct {
	mu       sync.Mutex
	records  map[profile.Identity]profile.Record
	watchers map[profile.Identity]map[uint64]*mailbox.Mailbox[*profile.Record]
	nextID   uint64
	writes   int
	writeErr error
	logger   *slog.Logger
}

// NewProfileStore creates an empty store.
func NewProfileStore(logger *slog.Logger) *ProfileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileStore{
		records:  make(map[profile.Identity]profile.Record),
		watchers: make(map[profile.Identity]map[uint64]*mailbox.Mailbox[*profile.Record]),
		logger:   logger.With("component", "memory_profile_store"),
	}
}

// Subscribe implements profile.Store.
func (s *ProfileStore) Subscribe(ctx context.Context, id profile.Identity, fn profile.Listener) (profile.Subscription, error) {
	if id.IsZero() {
		return nil, shared.ErrInvalidIdentity
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mb := mailbox.New(func(rec *profile.Record) { fn(rec) }, func(r any) {
		s.logger.Error("subscriber panicked", "identity", id, "panic", r)
	})

	s.mu.Lock()
	s.nextID++
	subID := s.nextID
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[uint64]*mailbox.Mailbox[*profile.Record])
	}
	s.watchers[id][subID] = mb
	mb.Post(s.snapshotLocked(id))
	s.mu.Unlock()

	return profile.OnceSubscription(func() {
		s.mu.Lock()
		delete(s.watchers[id], subID)
		if len(s.watchers[id]) == 0 {
			delete(s.watchers, id)
		}
		s.mu.Unlock()
		mb.Close()
	}), nil
}

// Update implements profile.Store.
func (s *ProfileStore) Update(ctx context.Context, id profile.Identity, p profile.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("memory: update %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}
	rec, ok := s.records[id]
	if !ok {
		return shared.ErrProfileNotFound
	}
	if p.IsEmpty() {
		return nil
	}

	s.records[id] = p.ApplyTo(rec)
	s.writes++
	s.notifyLocked(id)
	return nil
}

// UpdateIfUnchanged implements profile.GuardedUpdater.
func (s *ProfileStore) UpdateIfUnchanged(ctx context.Context, id profile.Identity, lastStudyDate timeutil.DayKey, p profile.Patch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("memory: update %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return false, s.writeErr
	}
	rec, ok := s.records[id]
	if !ok || rec.LastStudyDate != lastStudyDate {
		return false, nil
	}
	if p.IsEmpty() {
		return true, nil
	}

	s.records[id] = p.ApplyTo(rec)
	s.writes++
	s.notifyLocked(id)
	return true, nil
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
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}
	if _, ok := s.records[id]; ok {
		return shared.ErrProfileExists
	}

	s.records[id] = rec.Clone()
	s.writes++
	s.notifyLocked(id)
	return nil
}

// Get implements profile.Reader.
func (s *ProfileStore) Get(ctx context.Context, id profile.Identity) (*profile.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(id), nil
}

// ListStale implements profile.StaleLister: profiles for which Reconcile on today
// would write something.
func (s *ProfileStore) ListStale(ctx context.Context, today timeutil.DayKey, limit int) ([]profile.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var ids []profile.Identity
	for id, rec := range s.records {
		if _, patch := profile.Reconcile(rec, today); !patch.IsEmpty() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Writes returns the number of successful writes.
func (s *ProfileStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// FailWrites makes every subsequent write return err. A nil err restores normal behaviour.
func (s *ProfileStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Subscribers returns the number of live subscriptions for id.
func (s *ProfileStore) Subscribers(id profile.Identity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[id])
}

func (s *ProfileStore) snapshotLocked(id profile.Identity) *profile.Record {
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	out := rec.Clone()
	return &out
}

func (s *ProfileStore) notifyLocked(id profile.Identity) {
	for _, mb := range s.watchers[id] {
		mb.Post(s.snapshotLocked(id))
	}
}
