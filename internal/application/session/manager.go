// Package session owns the binding between the signed-in identity and its
// remote profile record. Consumers observe it through Watch; nothing else in the
// process keeps a "current user".
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
	"github.com/pulsecard/studysync/pkg/mailbox"
	"github.com/pulsecard/studysync/pkg/retry"
	"github.com/pulsecard/studysync/pkg/timeutil"
)

var errSuperseded = errors.New("session: bind superseded")

// Config holds manager dependencies.
type Config struct {
	Store     profile.Store
	Policy    timeutil.Policy
	Clock     timeutil.Clock
	Logger    *slog.Logger
	Publisher shared.EventPublisher

	// DefaultGoal repairs records stored without a goal for some subject.
	DefaultGoal int

	// WriteTimeout bounds each reconciliation write and the event drain on Close.
	WriteTimeout time.Duration

	// SubscribeRetrier retries a failed subscribe. Nil uses retry.ResubscribeRetrier.
	SubscribeRetrier *retry.Retrier
}

// DefaultConfig returns defaults for everything except Store.
func DefaultConfig() Config {
	return Config{
		Policy:       timeutil.UTCPolicy(),
		Clock:        timeutil.SystemClock{},
		Logger:       slog.Default(),
		Publisher:    shared.NopPublisher{},
		DefaultGoal:  profile.DefaultDailyGoal,
		WriteTimeout: 10 * time.Second,
	}
}

// Manager binds at most one identity at a time and publishes session states.
//
// Every bind increments a generation counter. Store callbacks carry the
// generation they were registered under and are dropped once it is stale,
// so a late notification for a previous identity never reaches the new view.
type Manager struct {
	config Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	raw        *profile.Record // last snapshot before reconciliation
	generation uint64
	sub        profile.Subscription
	pending    map[profile.Identity]bool
	watchers   map[uint64]*mailbox.Mailbox[State]
	nextWatch  uint64
	closed     bool

	// events publishes outside the lock, in emission order.
	events *mailbox.Mailbox[shared.Event]

	ctx    context.Context
	cancel context.CancelFunc
	writes sync.WaitGroup
}

// NewManager creates a manager in the Unauthenticated state.
func NewManager(config Config) (*Manager, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}

	defaults := DefaultConfig()
	if config.Policy.Location == nil {
		config.Policy = defaults.Policy
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Publisher == nil {
		config.Publisher = defaults.Publisher
	}
	if config.DefaultGoal <= 0 {
		config.DefaultGoal = defaults.DefaultGoal
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := config.Logger.With("component", "session_manager")
	if config.SubscribeRetrier == nil {
		config.SubscribeRetrier = retry.ResubscribeRetrier(func(attempt int, err error, delay time.Duration) {
			logger.Warn("subscribe failed, retrying", "attempt", attempt, "retry_in", delay, "error", err)
		})
	}
	m := &Manager{
		config:   config,
		logger:   logger,
		state:    Unauthenticated(),
		pending:  make(map[profile.Identity]bool),
		watchers: make(map[uint64]*mailbox.Mailbox[State]),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.events = mailbox.New(m.deliverEvent, func(r any) {
		m.logger.Error("event publisher panicked", "panic", r)
	})
	return m, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// BINDING
// ══════════════════════════════════════════════════════════════════════════════

// BindIdentity replaces the bound identity. The zero identity signs out.
//
// The previous subscription is released before the new one is requested.
// Binding the identity that is already subscribed is a no-op. When the
// subscription cannot be established the session falls back to Unauthenticated.
func (m *Manager) BindIdentity(ctx context.Context, id profile.Identity) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if !id.IsZero() && id == m.state.Identity && m.sub != nil {
		m.mu.Unlock()
		return nil
	}

	m.generation++
	gen := m.generation
	old := m.sub
	m.sub = nil
	m.raw = nil

	if id.IsZero() {
		m.emitLocked(Unauthenticated())
		m.mu.Unlock()
		if old != nil {
			old.Unsubscribe()
		}
		m.logger.Info("identity unbound")
		return nil
	}

	m.emitLocked(Loading(id))
	m.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}

	var sub profile.Subscription
	err := m.config.SubscribeRetrier.Do(ctx, func(ctx context.Context) error {
		if !m.isCurrent(gen) {
			return retry.Permanent(errSuperseded)
		}
		s, err := m.config.Store.Subscribe(ctx, id, func(rec *profile.Record) {
			m.onSnapshot(gen, id, rec)
		})
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	if errors.Is(err, errSuperseded) {
		return nil
	}
	if err != nil {
		m.logger.Error("subscribe failed", "identity", id, "error", err)
		m.mu.Lock()
		if !m.closed && gen == m.generation {
			m.emitLocked(Unauthenticated())
		}
		m.mu.Unlock()
		return fmt.Errorf("session: subscribe %s: %w", id, err)
	}

	m.mu.Lock()
	if m.closed || gen != m.generation {
		// Superseded while subscribing.
		m.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	m.sub = sub
	m.mu.Unlock()

	m.logger.Info("identity bound", "identity", id)
	return nil
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && gen == m.generation
}

// FollowIdentity binds every identity reported by provider until cancel is called.
func (m *Manager) FollowIdentity(provider profile.IdentityProvider) (cancel func()) {
	return provider.OnIdentityChange(func(id profile.Identity) {
		if err := m.BindIdentity(m.ctx, id); err != nil {
			m.logger.Error("failed to follow identity change", "identity", id, "error", err)
		}
	})
}

// Refresh re-runs reconciliation on the last snapshot, for day boundaries
// crossed while no notification arrives.
func (m *Manager) Refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.raw == nil || !m.state.IsReady() {
		return
	}
	m.applySnapshotLocked(m.state.Identity, m.raw)
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOTS
// ══════════════════════════════════════════════════════════════════════════════

func (m *Manager) onSnapshot(gen uint64, id profile.Identity, rec *profile.Record) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("snapshot handling panicked", "identity", id, "panic", r)
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.generation {
		m.logger.Debug("dropping stale snapshot", "identity", id)
		return
	}

	if rec == nil {
		m.raw = nil
		m.emitLocked(Provisional(id))
		return
	}

	normalized := rec.Normalize(m.config.DefaultGoal)
	m.raw = &normalized
	m.applySnapshotLocked(id, &normalized)
}

func (m *Manager) applySnapshotLocked(id profile.Identity, rec *profile.Record) {
	today := m.config.Policy.Today(m.config.Clock)
	reconciled, patch := profile.Reconcile(*rec, today)

	if !patch.IsEmpty() && !m.pending[id] {
		m.pending[id] = true
		m.writes.Add(1)
		go m.writeReconciliation(id, today, *rec, patch)
	}

	m.emitLocked(Ready(id, reconciled))
}

// writeReconciliation issues the single write for one reconciliation decision.
// The write only lands while the stored last study date is still the one the
// decision was made from; otherwise another device studied in between and its
// notification decides again. Failures are reported, never retried.
func (m *Manager) writeReconciliation(id profile.Identity, today timeutil.DayKey, before profile.Record, patch profile.Patch) {
	defer m.writes.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.config.WriteTimeout)
	defer cancel()

	applied, err := m.updateIfUnchanged(ctx, id, before.LastStudyDate, patch)

	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()

	if err == nil && !applied {
		m.logger.Info("reconciliation superseded by a newer write",
			"identity", id,
			"observed_last_study_date", before.LastStudyDate.String(),
		)
		return
	}
	if err != nil {
		m.logger.Warn("reconciliation write failed",
			"identity", id,
			"fields", patch.Fields(),
			"error", err,
		)
		m.publish(shared.NewWriteFailedEvent(id.String(), "reconcile", shared.NewWriteFailure("Update", err)))
		return
	}

	streakReset := patch.Streak != nil && *patch.Streak == 0
	m.logger.Info("profile reconciled",
		"identity", id,
		"day", today.String(),
		"streak_reset", streakReset,
	)
	m.publish(shared.NewDailyResetEvent(id.String(), today.String(), streakReset, "session"))
	if streakReset {
		m.publish(shared.NewDailyStreakBrokenEvent(id.String(), before.Streak, before.LastStudyDate.String()))
	}
}

func (m *Manager) updateIfUnchanged(ctx context.Context, id profile.Identity, lastStudyDate timeutil.DayKey, patch profile.Patch) (bool, error) {
	if guarded, ok := m.config.Store.(profile.GuardedUpdater); ok {
		return guarded.UpdateIfUnchanged(ctx, id, lastStudyDate, patch)
	}
	return true, m.config.Store.Update(ctx, id, patch)
}

// ══════════════════════════════════════════════════════════════════════════════
// OBSERVATION
// ══════════════════════════════════════════════════════════════════════════════

// Current returns the latest state.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Watch delivers the current state and every later one to fn, in order, on a
// dedicated goroutine. fn may call back into the manager.
func (m *Manager) Watch(fn func(State)) (cancel func()) {
	mb := mailbox.New(fn, func(r any) {
		m.logger.Error("session watcher panicked", "panic", r)
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		mb.Close()
		return func() {}
	}
	m.nextWatch++
	key := m.nextWatch
	m.watchers[key] = mb
	mb.Post(m.state.clone())
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, key)
		m.mu.Unlock()
		mb.Close()
	}
}

// Close releases the subscription, waits for in-flight writes, publishes the
// events they queued and stops delivery to watchers. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.generation++
	sub := m.sub
	m.sub = nil
	watchers := m.watchers
	m.watchers = make(map[uint64]*mailbox.Mailbox[State])
	m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	m.cancel()
	m.writes.Wait()

	for _, mb := range watchers {
		mb.Close()
	}
	m.events.Drain()
	select {
	case <-m.events.Done():
	case <-time.After(m.config.WriteTimeout):
		m.logger.Warn("dropping unpublished session events", "pending", m.events.Len())
		m.events.Close()
	}
	m.logger.Info("session manager closed")
	return nil
}

func (m *Manager) emitLocked(s State) {
	if s.Status == m.state.Status && s.Identity == m.state.Identity && s.Status != StatusReady {
		return
	}
	m.state = s
	for _, mb := range m.watchers {
		mb.Post(s.clone())
	}
	m.publish(shared.NewSessionChangedEvent(s.Identity.String(), s.Status.String()))
	m.logger.Debug("session state", "status", s.Status.String(), "identity", s.Identity)
}

func (m *Manager) publish(event shared.Event) {
	m.events.Post(event)
}

func (m *Manager) deliverEvent(event shared.Event) {
	if err := m.config.Publisher.Publish(event); err != nil {
		m.logger.Warn("failed to publish event", "type", event.EventType(), "error", err)
	}
}
